package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/careportal/internal/capability"
	"github.com/pitabwire/careportal/internal/catalog"
	"github.com/pitabwire/careportal/internal/config"
	"github.com/pitabwire/careportal/internal/definition"
	"github.com/pitabwire/careportal/internal/observability"
	"github.com/pitabwire/careportal/internal/portal"
	"github.com/pitabwire/careportal/internal/submission"
	"github.com/pitabwire/careportal/internal/workflow"
	"github.com/pitabwire/careportal/model"
)

const (
	deployDefinitions = "../../deploy/definitions"
	deployCatalog     = "../../deploy/catalog"
	deployPolicy      = "../../deploy/policy.yaml"
)

// Headers read by headerAuth in place of a signed token.
const (
	headerSubject = "X-Test-Subject"
	headerTenant  = "X-Test-Tenant"
	headerRoles   = "X-Test-Roles"
)

// headerAuth turns the X-Test-* headers into claims so tests can act as
// any subject without minting tokens. A request without a subject gets no
// claims and is rejected by BuildRequestContextMiddleware.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := r.Header.Get(headerSubject)
		if sub == "" {
			next.ServeHTTP(w, r)
			return
		}
		tenant := r.Header.Get(headerTenant)
		if tenant == "" {
			tenant = "clinic-a"
		}
		roles := []any{}
		for role := range strings.SplitSeq(r.Header.Get(headerRoles), ",") {
			if role != "" {
				roles = append(roles, role)
			}
		}
		claims := map[string]any{"sub": sub, "tenant_id": tenant, "roles": roles}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// testPortal is the full HTTP stack over the deploy/ definitions, catalog
// and policy, with in-memory storage and the simulated backends.
type testPortal struct {
	router   http.Handler
	engine   *workflow.Engine
	store    *workflow.MemoryWorkflowStore
	registry *definition.Registry
	metrics  *observability.Metrics
	promReg  *prometheus.Registry
}

func newTestPortal(t testing.TB) *testPortal {
	t.Helper()

	defs, err := definition.NewLoader().LoadAll([]string{deployDefinitions})
	require.NoError(t, err)
	registry := definition.NewRegistry(defs)

	cat, err := catalog.LoadMemoryCatalog(deployCatalog)
	require.NoError(t, err)

	policy, err := capability.NewStaticPolicyEvaluator(deployPolicy)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(promReg)
	resolver := capability.NewResolver(policy, time.Minute, capability.WithMetrics(metrics))

	sim := portal.NewSimulator(config.SimulationConfig{}, nil)
	handlers := submission.NewHandlerRegistry()
	sim.Register(handlers)
	eprescribing := httptest.NewServer(sim.EPrescribingService())
	t.Cleanup(eprescribing.Close)

	submitter := submission.NewRegistry(
		submission.NewSDKSubmitter(handlers),
		submission.NewHTTPSubmitter(map[string]config.ServiceConfig{
			portal.ServiceEPrescribing: {BaseURL: eprescribing.URL, Timeout: 5 * time.Second},
		}, submission.WithHTTPMetrics(metrics)),
	)
	idempotent := submission.NewIdempotentSubmitter(submitter, submission.NewMemoryIdempotencyStore(), time.Hour, nil)

	store := workflow.NewMemoryWorkflowStore()
	engine := workflow.NewEngine(registry, store, cat, idempotent, resolver, workflow.WithMetrics(metrics))

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second

	router := NewRouter(Dependencies{
		Config:             cfg,
		Authenticate:       headerAuth,
		CapabilityResolver: resolver,
		Engine:             engine,
		Registry:           registry,
		Catalog:            cat,
		Metrics:            metrics,
		MetricsHandler:     observability.HandlerFor(promReg),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return registry.Len() > 0 },
			Catalog:           cat,
			WorkflowStore:     store,
		},
	})

	return &testPortal{
		router:   router,
		engine:   engine,
		store:    store,
		registry: registry,
		metrics:  metrics,
		promReg:  promReg,
	}
}

// caller is a subject acting against a testPortal.
type caller struct {
	subject string
	tenant  string
	roles   string
}

var (
	patientJordan = caller{subject: "pat-001", roles: model.RolePatient}
	patientNoor   = caller{subject: "pat-002", roles: model.RolePatient}
	providerMei   = caller{subject: "prov-102", roles: model.RoleProvider}
	adminSam      = caller{subject: "admin-1", roles: model.RoleAdmin}
)

// do sends a request as c and returns the recorded response. A string body
// is sent as-is; anything else non-nil is JSON-encoded.
func (p *testPortal) do(c caller, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.subject != "" {
		req.Header.Set(headerSubject, c.subject)
		req.Header.Set(headerTenant, c.tenant)
		req.Header.Set(headerRoles, c.roles)
	}
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, req)
	return w
}

func decodeDescriptor(t testing.TB, w *httptest.ResponseRecorder) model.WorkflowDescriptor {
	t.Helper()
	var desc model.WorkflowDescriptor
	require.NoError(t, json.NewDecoder(w.Body).Decode(&desc), "body: %s", w.Body.String())
	return desc
}

func errorCode(t testing.TB, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error.Code
}
