// Package submission hands confirmed drafts to the systems that own them:
// in-process SDK handlers or remote HTTP services, guarded by circuit
// breakers and an idempotency store.
package submission

import (
	"context"
	"fmt"

	"github.com/pitabwire/careportal/model"
)

// Registry dispatches a submission to the first registered submitter that
// supports the binding. It is itself a model.Submitter.
type Registry struct {
	submitters []model.Submitter
}

// NewRegistry creates a registry over the given submitters.
func NewRegistry(submitters ...model.Submitter) *Registry {
	return &Registry{submitters: submitters}
}

// Register appends a submitter.
func (r *Registry) Register(s model.Submitter) {
	r.submitters = append(r.submitters, s)
}

// Supports reports whether any registered submitter accepts the binding.
func (r *Registry) Supports(binding model.OperationBinding) bool {
	for _, s := range r.submitters {
		if s.Supports(binding) {
			return true
		}
	}
	return false
}

// Submit delegates to the first submitter supporting binding.
func (r *Registry) Submit(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, req model.SubmissionRequest) (model.SubmissionResult, error) {
	for _, s := range r.submitters {
		if s.Supports(binding) {
			return s.Submit(ctx, rctx, binding, req)
		}
	}
	return model.SubmissionResult{}, fmt.Errorf("submission: no submitter for binding type %q", binding.Type)
}
