package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/careportal/internal/workflow"
	"github.com/pitabwire/careportal/model"
)

// workflowEntry describes a workflow the caller may start.
type workflowEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	PrefillParam string `json:"prefill_param,omitempty"`
}

func (h *handlers) handleWorkflowDefinitions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requestContext(w, r); !ok {
		return
	}
	caps := CapabilitiesFrom(r.Context())

	items := make([]workflowEntry, 0)
	for _, def := range h.registry.AllWorkflows() {
		if !caps.HasAll(def.Capabilities...) {
			continue
		}
		entry := workflowEntry{ID: def.ID, Name: def.Name, Description: def.Description}
		if def.Prefill != nil {
			entry.PrefillParam = def.Prefill.Param
		}
		items = append(items, entry)
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *handlers) handleWorkflowStart(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.requestContext(w, r)
	if !ok {
		return
	}

	var body struct {
		Params map[string]string `json:"params"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}

	inst, err := h.engine.Start(r.Context(), rctx, chi.URLParam(r, "workflowId"), body.Params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeInstance(w, r, rctx, http.StatusCreated, inst)
}

func (h *handlers) handleInstanceGet(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.requestContext(w, r)
	if !ok {
		return
	}

	desc, err := h.engine.Get(r.Context(), rctx, chi.URLParam(r, "instanceId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, desc)
}

func (h *handlers) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.requestContext(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filters := model.WorkflowFilters{
		Status:     q.Get("status"),
		WorkflowID: q.Get("workflow_id"),
		SubjectID:  q.Get("subject_id"),
		Page:       queryInt(r, "page", 1),
		PageSize:   queryInt(r, "page_size", 20),
	}

	resp, err := h.engine.List(r.Context(), rctx, filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleDraftUpdate(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.requestContext(w, r)
	if !ok {
		return
	}

	var body struct {
		Fields map[string]any `json:"fields"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}
	if len(body.Fields) == 0 {
		h.fail(w, r, model.NewBadRequestError("fields must not be empty"))
		return
	}

	inst, err := h.engine.SetFields(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Fields)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeInstance(w, r, rctx, http.StatusOK, inst)
}

func (h *handlers) handleOptions(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.requestContext(w, r)
	if !ok {
		return
	}

	equals, flags, err := filterParams(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.engine.Options(r.Context(), rctx, chi.URLParam(r, "instanceId"), workflow.OptionsQuery{
		Query:  r.URL.Query().Get("q"),
		Equals: equals,
		Flags:  flags,
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

func (h *handlers) handleSelect(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.requestContext(w, r)
	if !ok {
		return
	}

	var body struct {
		EntityID string `json:"entity_id"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}
	if body.EntityID == "" {
		h.fail(w, r, model.NewBadRequestError("entity_id is required"))
		return
	}

	inst, err := h.engine.Select(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.EntityID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeInstance(w, r, rctx, http.StatusOK, inst)
}

func (h *handlers) handleAdvance(w http.ResponseWriter, r *http.Request) {
	h.navigate(w, r, h.engine.Advance)
}

func (h *handlers) handleRetreat(w http.ResponseWriter, r *http.Request) {
	h.navigate(w, r, h.engine.Retreat)
}

type navigateFunc func(ctx context.Context, rctx *model.RequestContext, instanceID, target string) (model.WorkflowInstance, error)

// navigate handles advance and retreat, which share an optional
// {"target": stepID} body.
func (h *handlers) navigate(w http.ResponseWriter, r *http.Request, move navigateFunc) {
	rctx, ok := h.requestContext(w, r)
	if !ok {
		return
	}

	var body struct {
		Target string `json:"target"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}

	inst, err := move(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Target)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeInstance(w, r, rctx, http.StatusOK, inst)
}

func (h *handlers) handleSubmit(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.requestContext(w, r)
	if !ok {
		return
	}

	inst, err := h.engine.Submit(r.Context(), rctx, chi.URLParam(r, "instanceId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeInstance(w, r, rctx, http.StatusOK, inst)
}

func (h *handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	rctx, ok := h.requestContext(w, r)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if !h.decodeBody(w, r, &body) {
		return
	}

	inst, err := h.engine.Cancel(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeInstance(w, r, rctx, http.StatusOK, inst)
}

// writeInstance renders inst the same way GET does so every mutation
// returns what the client needs to draw the next screen.
func (h *handlers) writeInstance(w http.ResponseWriter, r *http.Request, rctx *model.RequestContext, status int, inst model.WorkflowInstance) {
	desc, err := h.engine.Describe(r.Context(), rctx, inst)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, status, desc)
}
