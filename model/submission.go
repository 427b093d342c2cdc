package model

import "context"

// Submitter hands a confirmed draft to the system that owns the resulting
// record. It is the only outbound boundary of the workflow engine.
type Submitter interface {
	Submit(ctx context.Context, rctx *RequestContext, binding OperationBinding, req SubmissionRequest) (SubmissionResult, error)

	// Supports returns true if this submitter can handle the given binding type.
	Supports(binding OperationBinding) bool
}

// SubmissionRequest is what a submitter receives.
type SubmissionRequest struct {
	InstanceID     string         `json:"instance_id"`
	WorkflowID     string         `json:"workflow_id"`
	SubjectID      string         `json:"subject_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Draft          map[string]any `json:"draft"`
}

// SubmissionResult is the accepted outcome of a submission.
type SubmissionResult struct {
	Reference string         `json:"reference"`
	Data      map[string]any `json:"data,omitempty"`
}
