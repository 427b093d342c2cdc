package capability

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/careportal/internal/observability"
	"github.com/pitabwire/careportal/model"
)

func testRctx(tenantID string, roles ...string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID: "pat-1",
		TenantID:  tenantID,
		Roles:     roles,
	}
}

func TestStaticPolicyEvaluator_ResolveCapabilities(t *testing.T) {
	e, err := NewStaticPolicyEvaluator("testdata/policy.yaml")
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	tests := []struct {
		name   string
		rctx   *model.RequestContext
		has    []string
		hasNot []string
	}{
		{
			name:   "patient",
			rctx:   testRctx("clinic-a", model.RolePatient),
			has:    []string{"appointments:book:start", "prescriptions:refill:start"},
			hasNot: []string{"prescriptions:write:start"},
		},
		{
			name:   "provider wildcard",
			rctx:   testRctx("clinic-a", model.RoleProvider),
			has:    []string{"prescriptions:write:start", "appointments:book:start", "appointments:reschedule:start"},
			hasNot: []string{"prescriptions:refill:start"},
		},
		{
			name: "admin",
			rctx: testRctx("clinic-a", model.RoleAdmin),
			has:  []string{"prescriptions:write:start", "anything:at:all"},
		},
		{
			name:   "tenant override",
			rctx:   testRctx("clinic-b", model.RolePatient),
			has:    []string{"appointments:book:start"},
			hasNot: []string{"prescriptions:refill:start"},
		},
		{
			name: "roles combine",
			rctx: testRctx("clinic-a", model.RolePatient, model.RoleProvider),
			has:  []string{"prescriptions:refill:start", "prescriptions:write:start"},
		},
		{
			name:   "unknown role",
			rctx:   testRctx("clinic-a", "visitor"),
			hasNot: []string{"appointments:book:start"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps, err := e.ResolveCapabilities(tt.rctx)
			if err != nil {
				t.Fatalf("ResolveCapabilities() error = %v", err)
			}
			for _, c := range tt.has {
				if !caps.Has(c) {
					t.Errorf("missing %s", c)
				}
			}
			for _, c := range tt.hasNot {
				if caps.Has(c) {
					t.Errorf("unexpected %s", c)
				}
			}
		})
	}
}

func TestStaticPolicyEvaluator_BadFiles(t *testing.T) {
	if _, err := NewStaticPolicyEvaluator("testdata/nonexistent.yaml"); err == nil {
		t.Error("expected error for missing policy file")
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(empty, []byte("roles: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStaticPolicyEvaluator(empty); err == nil {
		t.Error("expected error for a policy without roles")
	}
}

func TestStaticPolicyEvaluator_SyncKeepsPolicyOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("roles:\n  patient: [\"appointments:book:start\"]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	e, err := NewStaticPolicyEvaluator(path)
	if err != nil {
		t.Fatalf("NewStaticPolicyEvaluator() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("roles: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Sync(); err == nil {
		t.Fatal("expected parse error")
	}
	caps, _ := e.ResolveCapabilities(testRctx("clinic-a", model.RolePatient))
	if !caps.Has("appointments:book:start") {
		t.Error("previous policy should still apply after a failed reload")
	}

	if err := os.WriteFile(path, []byte("roles:\n  patient: [\"prescriptions:refill:start\"]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := e.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	caps, _ = e.ResolveCapabilities(testRctx("clinic-a", model.RolePatient))
	if caps.Has("appointments:book:start") || !caps.Has("prescriptions:refill:start") {
		t.Errorf("caps after reload = %v", caps)
	}
	if got := e.Roles(); len(got) != 1 || got[0] != model.RolePatient {
		t.Errorf("Roles() = %v", got)
	}
}

type mockEvaluator struct {
	calls int
	err   error
}

func (m *mockEvaluator) ResolveCapabilities(*model.RequestContext) (model.CapabilitySet, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return model.CapabilitySet{"appointments:book:start": true}, nil
}

func TestResolver_cachesAndRecordsMetrics(t *testing.T) {
	mock := &mockEvaluator{}
	m := observability.InitMetrics(prometheus.NewRegistry())
	r := NewResolver(mock, 5*time.Minute, WithMetrics(m))
	rctx := testRctx("clinic-a", model.RolePatient)

	for range 3 {
		caps, err := r.Resolve(rctx)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if !caps.Has("appointments:book:start") {
			t.Error("missing appointments:book:start")
		}
	}
	if mock.calls != 1 {
		t.Errorf("evaluator calls = %d, want 1", mock.calls)
	}
	if v := testutil.ToFloat64(m.CapabilityCacheHitsTotal); v != 2 {
		t.Errorf("cache hits = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.CapabilityCacheMissesTotal); v != 1 {
		t.Errorf("cache misses = %v, want 1", v)
	}
}

func TestResolver_rolesArePartOfKey(t *testing.T) {
	mock := &mockEvaluator{}
	r := NewResolver(mock, 5*time.Minute)

	r.Resolve(testRctx("clinic-a", model.RolePatient))
	r.Resolve(testRctx("clinic-a", model.RolePatient, model.RoleProvider))
	if mock.calls != 2 {
		t.Errorf("evaluator calls = %d, want 2", mock.calls)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	mock := &mockEvaluator{}
	r := NewResolver(mock, 5*time.Minute)
	rctx := testRctx("clinic-a", model.RolePatient)

	r.Resolve(rctx)
	r.Resolve(rctx)
	if mock.calls != 1 {
		t.Fatalf("calls = %d after cache hit, want 1", mock.calls)
	}

	r.Invalidate("pat-1", "clinic-a")
	r.Resolve(rctx)
	if mock.calls != 2 {
		t.Fatalf("calls = %d after Invalidate, want 2", mock.calls)
	}

	r.InvalidateAll()
	r.Resolve(rctx)
	if mock.calls != 3 {
		t.Fatalf("calls = %d after InvalidateAll, want 3", mock.calls)
	}
}

func TestResolver_TTLExpiry(t *testing.T) {
	mock := &mockEvaluator{}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := NewResolver(mock, time.Minute, WithClock(func() time.Time { return now }))
	rctx := testRctx("clinic-a", model.RolePatient)

	r.Resolve(rctx)
	now = now.Add(2 * time.Minute)
	r.Resolve(rctx)

	if mock.calls != 2 {
		t.Fatalf("calls = %d, want 2 (TTL expired)", mock.calls)
	}
}

func TestResolver_zeroTTLDisablesCache(t *testing.T) {
	mock := &mockEvaluator{}
	r := NewResolver(mock, 0)
	rctx := testRctx("clinic-a", model.RolePatient)

	r.Resolve(rctx)
	r.Resolve(rctx)
	if mock.calls != 2 {
		t.Errorf("calls = %d, want 2", mock.calls)
	}
}

func TestResolver_errorNotCached(t *testing.T) {
	mock := &mockEvaluator{err: errors.New("policy unavailable")}
	r := NewResolver(mock, time.Minute)
	rctx := testRctx("clinic-a", model.RolePatient)

	if _, err := r.Resolve(rctx); err == nil {
		t.Fatal("expected error")
	}
	mock.err = nil
	if _, err := r.Resolve(rctx); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if mock.calls != 2 {
		t.Errorf("calls = %d, want 2", mock.calls)
	}
}
