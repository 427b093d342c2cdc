package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/careportal/model"
)

// WorkflowStore persists workflow instances and their audit trail.
type WorkflowStore interface {
	// Create persists a new workflow instance.
	Create(ctx context.Context, instance model.WorkflowInstance) error

	// Get retrieves a workflow instance by ID, scoped to a tenant.
	// Returns NOT_FOUND if the instance doesn't exist or belongs to a
	// different tenant.
	Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// Update persists an updated workflow instance with optimistic locking.
	// instance.Version must equal the stored version; on success the stored
	// version is incremented. Returns CONFLICT if the version has changed.
	Update(ctx context.Context, instance model.WorkflowInstance) error

	// AppendEvent adds an event to the workflow's audit trail.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// GetEvents retrieves all events for a workflow instance in the order
	// they were recorded, scoped to a tenant.
	GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error)

	// Find returns a tenant's instances matching filters, newest first,
	// together with the number of matches before pagination.
	Find(ctx context.Context, tenantID string, filters WorkflowFilters) ([]model.WorkflowInstance, int, error)

	// FindExpired returns active instances whose expires_at is before the
	// given cutoff time. Instances mid-submission are excluded.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)

	// FindStaleSubmissions returns active instances that entered the
	// submitting stage and were last updated before cutoff.
	FindStaleSubmissions(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)

	// FindFinished returns instances that are no longer active and were
	// last updated before cutoff, oldest first.
	FindFinished(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error)

	// Delete removes a workflow instance and its events.
	Delete(ctx context.Context, tenantID, instanceID string) error
}

// WorkflowFilters are optional filters for listing workflow instances.
// Empty fields match everything.
type WorkflowFilters struct {
	WorkflowID string
	Status     string
	SubjectID  string
	Limit      int
	Offset     int
}

func (f WorkflowFilters) matches(inst model.WorkflowInstance) bool {
	if f.WorkflowID != "" && inst.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	if f.SubjectID != "" && inst.SubjectID != f.SubjectID {
		return false
	}
	return true
}
