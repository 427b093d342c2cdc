// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig             `yaml:"server"`
	Identity      IdentityConfig           `yaml:"identity"`
	Definitions   DefinitionsConfig        `yaml:"definitions"`
	Catalog       CatalogConfig            `yaml:"catalog"`
	Database      DatabaseConfig           `yaml:"database"`
	Services      map[string]ServiceConfig `yaml:"services"`
	Capability    CapabilityConfig         `yaml:"capability"`
	Workflow      WorkflowConfig           `yaml:"workflow"`
	Idempotency   IdempotencyConfig        `yaml:"idempotency"`
	Simulation    SimulationConfig         `yaml:"simulation"`
	Observability ObservabilityConfig      `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find workflow definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// CatalogConfig describes the entity catalog backend.
type CatalogConfig struct {
	Driver    string      `yaml:"driver"`
	Directory string      `yaml:"directory"`
	Cache     CacheConfig `yaml:"cache"`
}

// DatabaseConfig describes the PostgreSQL connection shared by the postgres
// workflow store and catalog.
type DatabaseConfig struct {
	DSNEnv      string `yaml:"dsn_env"`
	MaxConns    int32  `yaml:"max_conns"`
	MinConns    int32  `yaml:"min_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// ServiceConfig describes a backend service that receives HTTP submissions.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	Headers        map[string]string    `yaml:"headers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Store                WorkflowStoreConfig `yaml:"store"`
	TimeoutCheckInterval time.Duration       `yaml:"timeout_check_interval"`
	SubmitTimeout        time.Duration       `yaml:"submit_timeout"`
	StaleSubmissionAfter time.Duration       `yaml:"stale_submission_after"`
	Retention            time.Duration       `yaml:"retention"`
}

// WorkflowStoreConfig selects the workflow instance store.
type WorkflowStoreConfig struct {
	Driver string `yaml:"driver"`
}

// IdempotencyConfig describes the submission idempotency store.
type IdempotencyConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// SimulationConfig tunes the in-process submission handlers.
type SimulationConfig struct {
	Delay time.Duration `yaml:"delay"`
	// Fail lists handler names that reject every submission.
	Fail []string `yaml:"fail"`
	// MountServices serves a simulated e-prescribing backend under
	// /simulated so http bindings work without external systems.
	MountServices bool `yaml:"mount_services"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Catalog: CatalogConfig{
			Driver:    DriverMemory,
			Directory: "/catalog",
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 1000,
			},
		},
		Database: DatabaseConfig{
			DSNEnv:   "CAREPORTAL_DATABASE_URL",
			MaxConns: 25,
			MinConns: 2,
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				Enabled:    true,
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Workflow: WorkflowConfig{
			Store:                WorkflowStoreConfig{Driver: DriverMemory},
			TimeoutCheckInterval: 60 * time.Second,
			SubmitTimeout:        10 * time.Second,
			StaleSubmissionAfter: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Driver:  DriverMemory,
			AddrEnv: "CAREPORTAL_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Simulation: SimulationConfig{
			Delay: 500 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if c.Capability.StaticPolicyFile == "" {
		errs = append(errs, "capability.static_policy_file is required")
	}

	switch c.Catalog.Driver {
	case DriverMemory:
		if c.Catalog.Directory == "" {
			errs = append(errs, "catalog.directory is required for the memory driver")
		}
	case DriverPostgres:
	default:
		errs = append(errs, fmt.Sprintf("catalog.driver %q is not supported", c.Catalog.Driver))
	}

	switch c.Workflow.Store.Driver {
	case DriverMemory, DriverPostgres:
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q is not supported", c.Workflow.Store.Driver))
	}
	if c.Workflow.Retention < 0 {
		errs = append(errs, "workflow.retention must not be negative")
	}

	switch c.Idempotency.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Idempotency.AddrEnv == "" {
			errs = append(errs, "idempotency.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported", c.Idempotency.Driver))
	}

	if c.UsesPostgres() && c.Database.DSNEnv == "" {
		errs = append(errs, "database.dsn_env is required when a postgres driver is selected")
	}

	for id, svc := range c.Services {
		if svc.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("services.%s.base_url is required", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// UsesPostgres reports whether any component is configured for PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.Catalog.Driver == DriverPostgres || c.Workflow.Store.Driver == DriverPostgres
}

// applyEnvOverrides reads CAREPORTAL_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAREPORTAL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CAREPORTAL_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CAREPORTAL_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CAREPORTAL_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CAREPORTAL_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CAREPORTAL_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("CAREPORTAL_CATALOG_DRIVER"); v != "" {
		cfg.Catalog.Driver = v
	}
	if v := os.Getenv("CAREPORTAL_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Driver = v
	}
}
