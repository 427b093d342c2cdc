package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/careportal/model"
)

// snapshot is an immutable collection of all definitions indexed by ID.
type snapshot struct {
	domains   map[string]model.DomainDefinition
	workflows map[string]model.WorkflowDefinition
	checksum  string
}

// Registry is a read-optimized, thread-safe store of all loaded definitions.
// Readers never block; Replace swaps in a whole new snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []model.DomainDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(defs []model.DomainDefinition) {
	s := &snapshot{
		domains:   make(map[string]model.DomainDefinition, len(defs)),
		workflows: make(map[string]model.WorkflowDefinition),
	}

	var checksumParts []string
	for _, def := range defs {
		s.domains[def.Domain] = def
		checksumParts = append(checksumParts, def.Checksum)
		for _, w := range def.Workflows {
			s.workflows[w.ID] = w
		}
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetDomain returns the domain definition with the given name.
func (r *Registry) GetDomain(domain string) (model.DomainDefinition, bool) {
	d, ok := r.current().domains[domain]
	return d, ok
}

// GetWorkflow returns the workflow definition with the given ID.
func (r *Registry) GetWorkflow(workflowID string) (model.WorkflowDefinition, bool) {
	w, ok := r.current().workflows[workflowID]
	return w, ok
}

// AllWorkflows returns every workflow definition sorted by ID.
func (r *Registry) AllWorkflows() []model.WorkflowDefinition {
	s := r.current()
	out := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, w := range s.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of workflow definitions loaded.
func (r *Registry) Len() int {
	return len(r.current().workflows)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
