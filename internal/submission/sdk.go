package submission

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/careportal/model"
)

// Handler is an in-process submission target referenced by name from a
// workflow definition's sdk binding.
type Handler interface {
	Name() string
	Submit(ctx context.Context, rctx *model.RequestContext, req model.SubmissionRequest) (model.SubmissionResult, error)
}

// HandlerFunc adapts a function to a named Handler.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, rctx *model.RequestContext, req model.SubmissionRequest) (model.SubmissionResult, error)
}

// Name implements Handler.
func (h HandlerFunc) Name() string { return h.HandlerName }

// Submit implements Handler.
func (h HandlerFunc) Submit(ctx context.Context, rctx *model.RequestContext, req model.SubmissionRequest) (model.SubmissionResult, error) {
	return h.Fn(ctx, rctx, req)
}

// HandlerRegistry stores handlers by name. Registration happens at startup;
// lookups are safe for concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds h under h.Name(). A duplicate name is a wiring bug and panics.
func (r *HandlerRegistry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Name()]; exists {
		panic(fmt.Sprintf("submission: handler %q already registered", h.Name()))
	}
	r.handlers[h.Name()] = h
}

// Get returns the handler registered under name.
func (r *HandlerRegistry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names in sorted order.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SDKSubmitter routes sdk bindings to registered handlers.
type SDKSubmitter struct {
	handlers *HandlerRegistry
}

// NewSDKSubmitter creates a submitter over handlers.
func NewSDKSubmitter(handlers *HandlerRegistry) *SDKSubmitter {
	return &SDKSubmitter{handlers: handlers}
}

// Supports implements model.Submitter.
func (s *SDKSubmitter) Supports(binding model.OperationBinding) bool {
	return binding.Type == model.BindingSDK
}

// Submit implements model.Submitter.
func (s *SDKSubmitter) Submit(ctx context.Context, rctx *model.RequestContext, binding model.OperationBinding, req model.SubmissionRequest) (model.SubmissionResult, error) {
	h, ok := s.handlers.Get(binding.Handler)
	if !ok {
		return model.SubmissionResult{}, fmt.Errorf("submission: handler %q not registered", binding.Handler)
	}
	return h.Submit(ctx, rctx, req)
}
