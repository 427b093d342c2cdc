package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/careportal/model"
)

// policyFile maps portal roles to capability patterns. Tenants may replace
// the grants of individual roles.
type policyFile struct {
	Roles   map[string][]string            `yaml:"roles"`
	Tenants map[string]map[string][]string `yaml:"tenants"`
}

// StaticPolicyEvaluator resolves capabilities from a YAML policy file.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator loads the policy at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the union of the grants of every role on the
// request context, using the tenant's override for a role when one exists.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	overrides := e.policy.Tenants[rctx.TenantID]
	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		grants, ok := overrides[role]
		if !ok {
			grants = e.policy.Roles[role]
		}
		for _, c := range grants {
			caps[c] = true
		}
	}
	return caps, nil
}

// Roles returns the role names the policy grants anything to.
func (e *StaticPolicyEvaluator) Roles() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.policy.Roles))
	for r := range e.policy.Roles {
		out = append(out, r)
	}
	return out
}

// Sync reloads the policy file from disk. A file that fails to parse leaves
// the previous policy in place.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("capability: policy file %s grants no roles", e.path)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
