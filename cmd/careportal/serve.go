package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pitabwire/careportal/internal/capability"
	"github.com/pitabwire/careportal/internal/catalog"
	"github.com/pitabwire/careportal/internal/config"
	"github.com/pitabwire/careportal/internal/definition"
	"github.com/pitabwire/careportal/internal/observability"
	"github.com/pitabwire/careportal/internal/portal"
	"github.com/pitabwire/careportal/internal/storage"
	"github.com/pitabwire/careportal/internal/submission"
	"github.com/pitabwire/careportal/internal/transport"
	"github.com/pitabwire/careportal/internal/workflow"
	"github.com/pitabwire/careportal/model"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the portal HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Int("port", 0, "override server.port")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "careportal", version)
	if err != nil {
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	var pool *pgxpool.Pool
	if cfg.UsesPostgres() {
		pool, err = openDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	baseCatalog, kinds, err := buildCatalog(cfg.Catalog, pool)
	if err != nil {
		return err
	}
	var cat model.Catalog = baseCatalog
	var cached *catalog.CachedCatalog
	if cfg.Catalog.Cache.Enabled {
		cached = catalog.NewCachedCatalog(baseCatalog, cfg.Catalog.Cache.TTL, cfg.Catalog.Cache.MaxEntries)
		metrics.ObserveCatalogCache(cached.Stats)
		cat = cached
	}

	defs, verrs, err := loadDefinitions(cfg, kinds)
	if err != nil {
		return err
	}
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return fmt.Errorf("definition validation failed with %d errors", len(verrs))
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	policy, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		return err
	}
	var capTTL time.Duration
	if cfg.Capability.Cache.Enabled {
		capTTL = cfg.Capability.Cache.TTL
	}
	resolver := capability.NewResolver(policy, capTTL, capability.WithMetrics(metrics))

	sim := portal.NewSimulator(cfg.Simulation, logger.Named("simulator"))
	handlers := submission.NewHandlerRegistry()
	sim.Register(handlers)

	services := maps.Clone(cfg.Services)
	if services == nil {
		services = make(map[string]config.ServiceConfig)
	}
	mounts := map[string]http.Handler{}
	if cfg.Simulation.MountServices {
		mounts["/simulated/"+portal.ServiceEPrescribing] = sim.EPrescribingService()
		if _, ok := services[portal.ServiceEPrescribing]; !ok {
			services[portal.ServiceEPrescribing] = config.ServiceConfig{
				BaseURL: fmt.Sprintf("http://127.0.0.1:%d/simulated/%s", cfg.Server.Port, portal.ServiceEPrescribing),
				Timeout: 15 * time.Second,
			}
		}
	}

	submitters := submission.NewRegistry(
		submission.NewSDKSubmitter(handlers),
		submission.NewHTTPSubmitter(services,
			submission.WithHTTPMetrics(metrics),
			submission.WithHTTPLogger(logger),
		),
	)

	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		return err
	}
	defer idemCloser()
	submitter := submission.NewIdempotentSubmitter(submitters, idemStore, cfg.Idempotency.TTL, logger)

	store := buildWorkflowStore(cfg.Workflow, pool, logger)

	engine := workflow.NewEngine(registry, store, cat, submitter, resolver,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithSubmitTimeout(cfg.Workflow.SubmitTimeout),
		workflow.WithStaleSubmissionAfter(cfg.Workflow.StaleSubmissionAfter),
		workflow.WithRetention(cfg.Workflow.Retention),
	)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, transport.WithJWKSLogger(logger))

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: resolver,
		Engine:             engine,
		Registry:           registry,
		Catalog:            cat,
		Metrics:            metrics,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.Len() > 0 },
			Catalog:           healthOf(cat),
			WorkflowStore:     healthOf(store),
			IdempotencyStore:  healthOf(idemStore),
		},
		Mounts: mounts,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	interval := cfg.Workflow.TimeoutCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go engine.RunTimeoutLoop(bgCtx, interval)
	go reloadOnHangup(bgCtx, cfg, kinds, registry, policy, resolver, cached, metrics, logger)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflows", registry.Len()),
		zap.String("catalog", cfg.Catalog.Driver),
		zap.String("workflow_store", cfg.Workflow.Store.Driver),
		zap.String("idempotency_store", cfg.Idempotency.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// openDatabase connects to the database named by cfg.DSNEnv and applies
// pending migrations when auto_migrate is set.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("database: %s environment variable not set", cfg.DSNEnv)
	}
	pool, err := storage.NewPool(ctx, dsn, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if cfg.AutoMigrate {
		applied, err := storage.NewMigrator(pool).Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("database: %w", err)
		}
		logger.Info("database migrations applied", zap.Int("count", applied))
	}
	return pool, nil
}

// buildCatalog returns the configured catalog and, for the memory driver,
// the entity kinds it holds so definitions can be checked against them.
func buildCatalog(cfg config.CatalogConfig, pool *pgxpool.Pool) (model.Catalog, []string, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return catalog.NewPgCatalog(pool), nil, nil
	default:
		mem, err := catalog.LoadMemoryCatalog(cfg.Directory)
		if err != nil {
			return nil, nil, err
		}
		return mem, mem.Kinds(), nil
	}
}

// buildWorkflowStore creates the workflow store based on config.
func buildWorkflowStore(cfg config.WorkflowConfig, pool *pgxpool.Pool, logger *zap.Logger) workflow.WorkflowStore {
	if cfg.Store.Driver == config.DriverPostgres {
		return workflow.NewPgWorkflowStore(pool)
	}
	logger.Info("using in-memory workflow store")
	return workflow.NewMemoryWorkflowStore()
}

// buildIdempotencyStore creates the idempotency store based on config. The
// returned closer is never nil.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (submission.IdempotencyStore, func(), error) {
	if cfg.Driver != config.DriverRedis {
		logger.Info("using in-memory idempotency store")
		return submission.NewMemoryIdempotencyStore(), func() {}, nil
	}

	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("idempotency store: ping redis: %w", err)
	}
	return submission.NewRedisIdempotencyStore(client), func() { client.Close() }, nil
}

// reloadOnHangup re-reads definitions and the capability policy on SIGHUP.
// A reload that fails validation keeps the running definitions.
func reloadOnHangup(
	ctx context.Context,
	cfg *config.Config,
	kinds []string,
	registry *definition.Registry,
	policy *capability.StaticPolicyEvaluator,
	resolver *capability.Resolver,
	cached *catalog.CachedCatalog,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		if err := policy.Sync(); err != nil {
			logger.Error("policy reload failed", zap.Error(err))
		} else {
			resolver.InvalidateAll()
		}

		defs, verrs, err := loadDefinitions(cfg, kinds)
		switch {
		case err != nil:
			logger.Error("definition reload failed", zap.Error(err))
		case len(verrs) > 0:
			for _, ve := range verrs {
				logger.Error("definition validation error", zap.String("error", ve.Error()))
			}
		default:
			registry.Replace(defs)
			metrics.SetDefinitionsLoaded(float64(registry.Len()))
		}

		if cached != nil {
			cached.Invalidate("")
		}
		logger.Info("configuration reloaded",
			zap.Int("workflows", registry.Len()),
			zap.String("checksum", registry.Checksum()),
		)
	}
}

func healthOf(v any) observability.HealthChecker {
	if hc, ok := v.(observability.HealthChecker); ok {
		return hc
	}
	return nil
}
