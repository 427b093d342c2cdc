package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/careportal/internal/config"
	"github.com/pitabwire/careportal/internal/definition"
	"github.com/pitabwire/careportal/internal/observability"
	"github.com/pitabwire/careportal/internal/workflow"
	"github.com/pitabwire/careportal/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Engine             *workflow.Engine
	Registry           *definition.Registry
	Catalog            model.Catalog
	Metrics            *observability.Metrics
	Readiness          observability.ReadinessChecks
	// MetricsHandler serves /metrics; defaults to the global registry.
	MetricsHandler http.Handler
	// Mounts are extra unauthenticated handlers keyed by path prefix, such
	// as the simulated backend services.
	Mounts map[string]http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r.Get("/portal/health", observability.HandleHealth())
	r.Get("/portal/ready", observability.HandleReady(deps.Readiness))
	r.Handle(metricsPath, metricsHandler)
	for prefix, h := range deps.Mounts {
		r.Mount(prefix, h)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	h := &handlers{
		engine:   deps.Engine,
		registry: deps.Registry,
		catalog:  deps.Catalog,
		logger:   logger,
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/portal/catalog/{kind}", h.handleCatalogBrowse)

		r.Get("/portal/workflows", h.handleWorkflowDefinitions)
		r.Post("/portal/workflows/{workflowId}/start", h.handleWorkflowStart)

		r.Get("/portal/instances", h.handleInstanceList)
		r.Get("/portal/instances/{instanceId}", h.handleInstanceGet)
		r.Patch("/portal/instances/{instanceId}/draft", h.handleDraftUpdate)
		r.Get("/portal/instances/{instanceId}/options", h.handleOptions)
		r.Post("/portal/instances/{instanceId}/select", h.handleSelect)
		r.Post("/portal/instances/{instanceId}/advance", h.handleAdvance)
		r.Post("/portal/instances/{instanceId}/retreat", h.handleRetreat)
		r.Post("/portal/instances/{instanceId}/submit", h.handleSubmit)
		r.Post("/portal/instances/{instanceId}/cancel", h.handleCancel)
	})

	return r
}
