package workflow

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/careportal/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore. Instances are copied on
// the way in and out so callers never share draft maps with the store.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	events    map[string][]model.WorkflowEvent  // key: instance ID
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		instances: make(map[string]model.WorkflowInstance),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

// Create persists a new workflow instance.
func (s *MemoryWorkflowStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// Get retrieves a workflow instance by ID, scoped to tenant.
func (s *MemoryWorkflowStore) Get(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, notFound(instanceID)
	}
	return cloneInstance(inst), nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryWorkflowStore) Update(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return notFound(inst.ID)
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version),
		)
	}

	stored := cloneInstance(inst)
	stored.Version++
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	s.instances[inst.ID] = stored
	return nil
}

// AppendEvent adds an event to the workflow's audit trail.
func (s *MemoryWorkflowStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[event.WorkflowInstanceID]; !exists {
		return notFound(event.WorkflowInstanceID)
	}
	s.events[event.WorkflowInstanceID] = append(s.events[event.WorkflowInstanceID], event)
	return nil
}

// GetEvents retrieves all events for a workflow instance in insertion order.
func (s *MemoryWorkflowStore) GetEvents(_ context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return nil, notFound(instanceID)
	}
	return slices.Clone(s.events[instanceID]), nil
}

// Find returns a tenant's instances matching filters, newest first.
func (s *MemoryWorkflowStore) Find(_ context.Context, tenantID string, filters WorkflowFilters) ([]model.WorkflowInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID || !filters.matches(inst) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	slices.SortFunc(result, func(a, b model.WorkflowInstance) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	total := len(result)
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.WorkflowInstance{}, total, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, total, nil
}

// FindExpired returns active, non-submitting instances past their expiry.
func (s *MemoryWorkflowStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != model.WorkflowStatusActive || inst.Stage == model.StageSubmitting {
			continue
		}
		if inst.ExpiresAt == nil || !inst.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	slices.SortFunc(result, func(a, b model.WorkflowInstance) int {
		return a.ExpiresAt.Compare(*b.ExpiresAt)
	})
	return result, nil
}

// FindStaleSubmissions returns instances stuck in the submitting stage.
func (s *MemoryWorkflowStore) FindStaleSubmissions(_ context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != model.WorkflowStatusActive || inst.Stage != model.StageSubmitting {
			continue
		}
		if !inst.UpdatedAt.Before(cutoff) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	slices.SortFunc(result, func(a, b model.WorkflowInstance) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return result, nil
}

// FindFinished returns terminal instances last updated before cutoff.
func (s *MemoryWorkflowStore) FindFinished(_ context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == model.WorkflowStatusActive || !inst.UpdatedAt.Before(cutoff) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	slices.SortFunc(result, func(a, b model.WorkflowInstance) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	return result, nil
}

// Delete removes a workflow instance and its events.
func (s *MemoryWorkflowStore) Delete(_ context.Context, tenantID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return notFound(instanceID)
	}

	delete(s.instances, instanceID)
	delete(s.events, instanceID)
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// HealthCheck always succeeds.
func (s *MemoryWorkflowStore) HealthCheck(context.Context) error { return nil }

func notFound(instanceID string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
}

func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	inst.Draft = maps.Clone(inst.Draft)
	inst.Selections = maps.Clone(inst.Selections)
	if inst.Confirmation != nil {
		c := *inst.Confirmation
		c.Fields = slices.Clone(c.Fields)
		inst.Confirmation = &c
	}
	if inst.ExpiresAt != nil {
		exp := *inst.ExpiresAt
		inst.ExpiresAt = &exp
	}
	return inst
}
