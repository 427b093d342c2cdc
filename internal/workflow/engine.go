package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/careportal/internal/catalog"
	"github.com/pitabwire/careportal/internal/definition"
	"github.com/pitabwire/careportal/internal/observability"
	"github.com/pitabwire/careportal/internal/submission"
	"github.com/pitabwire/careportal/model"
)

const (
	defaultSubmitTimeout  = 30 * time.Second
	defaultStaleAfter     = 5 * time.Minute
	defaultListPageSize   = 20
	maxListPageSize       = 100
	defaultOptionsPerPage = 25

	recoveredMessage = "We could not confirm your submission. Please review and submit again."
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables workflow metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSubmitTimeout bounds submissions whose definition sets no timeout.
func WithSubmitTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.submitTimeout = d
		}
	}
}

// WithStaleSubmissionAfter sets how long an instance may sit in the
// submitting stage before ProcessTimeouts returns it to review.
func WithStaleSubmissionAfter(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.staleAfter = d
		}
	}
}

// WithRetention makes ProcessTimeouts delete finished instances, with their
// audit trail, once they have been untouched for d. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithClock replaces time.Now. For testing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine drives workflow instances through their steps: selection, detail
// and review steps from the definition, then the built-in submitting and
// done steps.
type Engine struct {
	registry      *definition.Registry
	store         WorkflowStore
	catalog       model.Catalog
	submitter     model.Submitter
	capResolver   model.CapabilityResolver
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	submitTimeout time.Duration
	staleAfter    time.Duration
	retention     time.Duration
}

// NewEngine creates a new workflow engine.
func NewEngine(
	registry *definition.Registry,
	store WorkflowStore,
	cat model.Catalog,
	submitter model.Submitter,
	capResolver model.CapabilityResolver,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry:      registry,
		store:         store,
		catalog:       cat,
		submitter:     submitter,
		capResolver:   capResolver,
		logger:        zap.NewNop(),
		now:           time.Now,
		submitTimeout: defaultSubmitTimeout,
		staleAfter:    defaultStaleAfter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OptionsQuery narrows the entities offered by a selection step.
type OptionsQuery struct {
	Query  string
	Equals map[string]string
	Flags  map[string]bool
	Limit  int
	Offset int
}

// TimeoutReport counts what a ProcessTimeouts pass changed.
type TimeoutReport struct {
	Abandoned int
	Recovered int
	Purged    int
}

// Start creates a new workflow instance positioned on its first step. When
// the workflow declares a prefill parameter and params carries an entity ID
// that the first step would offer, the entity is selected and the instance
// starts on the step after it.
func (e *Engine) Start(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID string,
	params map[string]string,
) (model.WorkflowInstance, error) {
	def, ok := e.registry.GetWorkflow(workflowID)
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	if err := e.authorize(rctx, def.Capabilities, fmt.Sprintf("workflow %q", workflowID)); err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.now().UTC()
	var expiresAt *time.Time
	if def.Timeout != "" {
		if dur, err := time.ParseDuration(def.Timeout); err == nil {
			exp := now.Add(dur)
			expiresAt = &exp
		}
	}

	inst := model.WorkflowInstance{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		TenantID:   rctx.TenantID,
		SubjectID:  rctx.SubjectID,
		Status:     model.WorkflowStatusActive,
		Draft:      map[string]any{},
		Selections: map[string]string{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	enterStep(def, &inst, 0)

	var events []model.WorkflowEvent
	if def.Prefill != nil && params[def.Prefill.Param] != "" {
		entityID := params[def.Prefill.Param]
		step := def.Steps[0]
		entity, err := e.selectable(ctx, rctx, step, inst.Draft, entityID)
		switch {
		case err != nil:
			return model.WorkflowInstance{}, err
		case entity == nil:
			events = append(events, e.newEvent(inst.ID, step.ID, model.EventPrefillNotFound, rctx.SubjectID,
				map[string]any{"param": def.Prefill.Param, "id": entityID}, ""))
		default:
			applySelection(def, &inst, step, *entity)
			events = append(events, e.newEvent(inst.ID, step.ID, model.EventSelected, rctx.SubjectID,
				map[string]any{"entity_id": entity.ID, "prefill": true}, ""))
			enterStep(def, &inst, 1)
		}
	}
	events = append(events, e.newEvent(inst.ID, inst.CurrentStep, model.EventStepEntered, rctx.SubjectID, nil, ""))

	if err := e.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := e.appendEvents(ctx, events); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.record(func(m *observability.Metrics) { m.RecordWorkflowStart(workflowID) })
	e.log(ctx).Info("workflow started",
		zap.String("workflow_id", workflowID),
		zap.String("instance_id", inst.ID),
		zap.String("step", inst.CurrentStep),
	)
	return inst, nil
}

// SetFields merges values into the draft. Only the fields of the current
// detail step may be set; a nil value clears the field. Values are not
// validated until the instance advances or submits.
func (e *Engine) SetFields(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	fields map[string]any,
) (model.WorkflowInstance, error) {
	inst, def, err := e.loadInteractive(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Stage != model.StageDetailing {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("fields can only be edited on a details step; current step is %q", inst.CurrentStep),
		)
	}

	owners := def.DraftFields()
	var fieldErrs []model.FieldError
	for name := range fields {
		stepID, ok := owners[name]
		switch {
		case !ok:
			fieldErrs = append(fieldErrs, model.FieldError{
				Field: name, Code: model.FieldUnknown,
				Message: fmt.Sprintf("%q is not a field of this workflow", name),
			})
		case def.Steps[def.StepIndex(stepID)].Type != model.StepTypeDetail:
			fieldErrs = append(fieldErrs, model.FieldError{
				Field: name, Code: model.FieldInvalid,
				Message: fmt.Sprintf("%q is set by choosing an item on step %q", name, stepID),
			})
		case stepID != inst.CurrentStep:
			fieldErrs = append(fieldErrs, model.FieldError{
				Field: name, Code: model.FieldInvalid,
				Message: fmt.Sprintf("%q is collected on step %q", name, stepID),
			})
		}
	}
	if len(fieldErrs) > 0 {
		slices.SortFunc(fieldErrs, func(a, b model.FieldError) int {
			return strings.Compare(a.Field, b.Field)
		})
		return model.WorkflowInstance{}, model.NewValidationError(fieldErrs)
	}

	for name, v := range fields {
		if v == nil {
			delete(inst.Draft, name)
			continue
		}
		inst.Draft[name] = normalizeValue(v)
	}
	names := slices.Sorted(maps.Keys(fields))

	evt := e.newEvent(inst.ID, inst.CurrentStep, model.EventFieldSet, rctx.SubjectID, map[string]any{"fields": names}, "")
	if err := e.save(ctx, &inst, evt); err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

// Options lists the entities the current selection step offers. The step's
// constraints, draft matches and owner scope always apply; q only narrows
// the result further.
func (e *Engine) Options(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	q OptionsQuery,
) (model.EntityPage, error) {
	inst, def, err := e.loadInteractive(ctx, rctx, instanceID)
	if err != nil {
		return model.EntityPage{}, err
	}
	step, err := currentSelection(def, inst)
	if err != nil {
		return model.EntityPage{}, err
	}
	sel := step.Selection

	cq, ok := scopeQuery(*sel, inst.Draft, rctx)
	if !ok {
		return model.EntityPage{Items: []model.Entity{}, EmptyMessage: sel.EmptyMessage}, nil
	}
	cq.Query = q.Query
	for _, f := range sel.Filters {
		switch f.Type {
		case model.FilterTypeEquals:
			if v, set := q.Equals[f.Field]; set {
				if _, fixed := cq.Equals[f.Field]; !fixed {
					cq.Equals[f.Field] = v
				}
			}
		case model.FilterTypeFlag:
			if v, set := q.Flags[f.Field]; set {
				if _, fixed := cq.Flags[f.Field]; !fixed {
					cq.Flags[f.Field] = v
				}
			}
		}
	}
	cq.Limit = q.Limit
	if cq.Limit <= 0 {
		cq.Limit = defaultOptionsPerPage
	}
	cq.Offset = max(q.Offset, 0)

	page, err := e.catalog.Query(ctx, cq)
	if err != nil {
		return model.EntityPage{}, fmt.Errorf("query catalog %q: %w", sel.Catalog, err)
	}
	if len(page.Items) == 0 {
		page.EmptyMessage = sel.EmptyMessage
	}
	return page, nil
}

// Select records the chosen entity for the current selection step, copies
// its assigned values into the draft and moves to the next step. The entity
// must be one the step would offer.
func (e *Engine) Select(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	entityID string,
) (model.WorkflowInstance, error) {
	inst, def, err := e.loadInteractive(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	step, err := currentSelection(def, inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := e.authorize(rctx, step.Capabilities, fmt.Sprintf("step %q", step.ID)); err != nil {
		return model.WorkflowInstance{}, err
	}

	entity, err := e.selectable(ctx, rctx, step, inst.Draft, entityID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if entity == nil {
		return model.WorkflowInstance{}, model.NewValidationError([]model.FieldError{{
			Field:   step.Selection.Field,
			Code:    model.FieldNotSelectable,
			Message: fmt.Sprintf("%q is not available for %s", entityID, step.Name),
		}})
	}

	idx := def.StepIndex(step.ID)
	applySelection(def, &inst, step, *entity)
	events := []model.WorkflowEvent{
		e.newEvent(inst.ID, step.ID, model.EventSelected, rctx.SubjectID, map[string]any{"entity_id": entity.ID}, ""),
	}
	events = append(events, e.moveForward(def, &inst, idx, rctx.SubjectID)...)

	if err := e.save(ctx, &inst, events...); err != nil {
		return model.WorkflowInstance{}, err
	}
	e.record(func(m *observability.Metrics) { m.RecordWorkflowAdvance(def.ID, step.ID, model.EventSelected) })
	return inst, nil
}

// Advance moves to the next step after validating every step up to and
// including the current one. target may name the next step or be empty;
// any other target, including the submitting step, is rejected.
func (e *Engine) Advance(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	target string,
) (model.WorkflowInstance, error) {
	inst, def, err := e.loadInteractive(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	idx := def.StepIndex(inst.CurrentStep)
	step := def.Steps[idx]
	if err := e.authorize(rctx, step.Capabilities, fmt.Sprintf("step %q", step.ID)); err != nil {
		return model.WorkflowInstance{}, err
	}

	if step.Type == model.StepTypeReview || target == model.StepIDSubmitting {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			"the submitting step is entered by submitting the review",
		)
	}
	next := idx + 1
	if next >= len(def.Steps) {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is the last step", step.ID),
		)
	}
	if target != "" && target != def.Steps[next].ID {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot move from %q to %q; the next step is %q", step.ID, target, def.Steps[next].ID),
		)
	}

	if errs := validateThrough(def, idx, inst.Draft); len(errs) > 0 {
		return model.WorkflowInstance{}, model.NewValidationError(errs)
	}

	events := e.moveForward(def, &inst, idx, rctx.SubjectID)
	if err := e.save(ctx, &inst, events...); err != nil {
		return model.WorkflowInstance{}, err
	}
	e.record(func(m *observability.Metrics) { m.RecordWorkflowAdvance(def.ID, step.ID, model.EventAdvanced) })
	return inst, nil
}

// Retreat moves exactly one step back. The draft is left untouched so
// values entered on later steps are still there when the user returns.
func (e *Engine) Retreat(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	target string,
) (model.WorkflowInstance, error) {
	inst, def, err := e.loadInteractive(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	idx := def.StepIndex(inst.CurrentStep)
	if idx == 0 {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is the first step", inst.CurrentStep),
		)
	}
	prev := def.Steps[idx-1]
	if target != "" && target != prev.ID {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("cannot move back from %q to %q; the previous step is %q", inst.CurrentStep, target, prev.ID),
		)
	}

	from := inst.CurrentStep
	setStep(def, &inst, idx-1)
	events := []model.WorkflowEvent{
		e.newEvent(inst.ID, from, model.EventRetreated, rctx.SubjectID, map[string]any{"from": from, "to": prev.ID}, ""),
		e.newEvent(inst.ID, prev.ID, model.EventStepEntered, rctx.SubjectID, nil, ""),
	}
	if err := e.save(ctx, &inst, events...); err != nil {
		return model.WorkflowInstance{}, err
	}
	e.record(func(m *observability.Metrics) { m.RecordWorkflowAdvance(def.ID, from, model.EventRetreated) })
	return inst, nil
}

// Submit hands the reviewed draft to the workflow's submission operation.
// The instance is persisted in the submitting stage before the call, so a
// concurrent submit of the same instance fails. On success the instance is
// done and carries its confirmation; on failure it returns to review with
// the error recorded and can be submitted again.
func (e *Engine) Submit(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (model.WorkflowInstance, error) {
	inst, def, err := e.loadInteractive(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Stage != model.StageReviewing {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("only the review step can be submitted; current step is %q", inst.CurrentStep),
		)
	}
	reviewStep := inst.CurrentStep
	if err := e.authorize(rctx, def.Steps[def.StepIndex(reviewStep)].Capabilities, fmt.Sprintf("step %q", reviewStep)); err != nil {
		return model.WorkflowInstance{}, err
	}
	if errs := validateThrough(def, len(def.Steps)-1, inst.Draft); len(errs) > 0 {
		return model.WorkflowInstance{}, model.NewValidationError(errs)
	}

	inst.CurrentStep = model.StepIDSubmitting
	inst.Stage = model.StageSubmitting
	inst.SubmitAttempts++
	inst.LastError = ""
	started := e.newEvent(inst.ID, model.StepIDSubmitting, model.EventSubmissionStarted, rctx.SubjectID,
		map[string]any{"attempt": inst.SubmitAttempts}, "")
	if err := e.save(ctx, &inst, started); err != nil {
		return model.WorkflowInstance{}, err
	}

	ctx, span := observability.StartSpan(ctx, "workflow.submit",
		observability.AttrWorkflowID.String(def.ID),
		observability.AttrInstanceID.String(inst.ID),
		observability.AttrAttempt.Int(inst.SubmitAttempts),
	)
	start := e.now()
	result, subErr := e.callSubmitter(ctx, rctx, def, inst)
	observability.EndSpanWithError(span, subErr)

	// The outcome is persisted even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)

	if subErr != nil {
		inst.CurrentStep = reviewStep
		inst.Stage = model.StageReviewing
		inst.LastError = submissionMessage(subErr)
		failed := e.newEvent(inst.ID, model.StepIDSubmitting, model.EventSubmissionFailed, rctx.SubjectID,
			map[string]any{"error": subErr.Error(), "attempt": inst.SubmitAttempts}, "")
		entered := e.newEvent(inst.ID, reviewStep, model.EventStepEntered, rctx.SubjectID, nil, "")
		if err := e.save(persistCtx, &inst, failed, entered); err != nil {
			return model.WorkflowInstance{}, err
		}
		e.record(func(m *observability.Metrics) { m.RecordSubmission(def.ID, "failed", e.now().Sub(start)) })
		e.log(ctx).Warn("submission failed",
			zap.String("workflow_id", def.ID),
			zap.String("instance_id", inst.ID),
			zap.Int("attempt", inst.SubmitAttempts),
			zap.Error(subErr),
		)
		return inst, model.NewSubmissionFailedError(inst.LastError)
	}

	inst.CurrentStep = model.StepIDDone
	inst.Stage = model.StageDone
	inst.Status = model.WorkflowStatusCompleted
	inst.Confirmation = BuildConfirmation(def, inst.Draft, result.Reference)
	completed := e.newEvent(inst.ID, model.StepIDDone, model.EventCompleted, rctx.SubjectID,
		map[string]any{"reference": result.Reference}, "")
	if err := e.save(persistCtx, &inst, completed); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.record(func(m *observability.Metrics) {
		m.RecordSubmission(def.ID, "accepted", e.now().Sub(start))
		m.RecordWorkflowCompletion(def.ID, model.WorkflowStatusCompleted)
	})
	e.log(ctx).Info("workflow completed",
		zap.String("workflow_id", def.ID),
		zap.String("instance_id", inst.ID),
		zap.String("reference", result.Reference),
	)
	return inst, nil
}

func (e *Engine) callSubmitter(
	ctx context.Context,
	rctx *model.RequestContext,
	def model.WorkflowDefinition,
	inst model.WorkflowInstance,
) (model.SubmissionResult, error) {
	timeout := e.submitTimeout
	if def.Submission.Timeout != "" {
		if d, err := time.ParseDuration(def.Submission.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.log(ctx).Debug("handing draft to submitter",
		zap.String("instance_id", inst.ID),
		zap.String("binding", def.Submission.Operation.Type),
		zap.Duration("timeout", timeout),
		zap.Any("draft", observability.RedactBody(inst.Draft, slices.Collect(maps.Keys(def.DraftFields())))),
	)
	return e.submitter.Submit(ctx, rctx, def.Submission.Operation, model.SubmissionRequest{
		InstanceID:     inst.ID,
		WorkflowID:     inst.WorkflowID,
		SubjectID:      inst.SubjectID,
		IdempotencyKey: submission.FormatIdempotencyKey(inst.WorkflowID, inst.ID),
		Draft:          maps.Clone(inst.Draft),
	})
}

// Get returns the workflow descriptor for the frontend.
func (e *Engine) Get(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (model.WorkflowDescriptor, error) {
	inst, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowDescriptor{}, err
	}
	return e.Describe(ctx, rctx, inst)
}

// Cancel ends an active instance at the user's request. An instance that is
// mid-submission cannot be cancelled.
func (e *Engine) Cancel(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
	reason string,
) (model.WorkflowInstance, error) {
	inst, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.WorkflowStatusActive {
		return model.WorkflowInstance{}, model.NewWorkflowNotActiveError(inst.Status)
	}
	if inst.Stage == model.StageSubmitting {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError("a submission is in progress")
	}

	inst.Status = model.WorkflowStatusCancelled
	evt := e.newEvent(inst.ID, inst.CurrentStep, model.EventCancelled, rctx.SubjectID, nil, reason)
	if err := e.save(ctx, &inst, evt); err != nil {
		return model.WorkflowInstance{}, err
	}
	e.record(func(m *observability.Metrics) { m.RecordWorkflowCompletion(inst.WorkflowID, model.WorkflowStatusCancelled) })
	return inst, nil
}

// List returns workflow summaries for the current tenant. Patients and
// providers only see instances they started; admins see every subject and
// may filter by one.
func (e *Engine) List(
	ctx context.Context,
	rctx *model.RequestContext,
	filters model.WorkflowFilters,
) (model.ListResponse[model.WorkflowSummary], error) {
	page := max(filters.Page, 1)
	size := filters.PageSize
	if size <= 0 {
		size = defaultListPageSize
	}
	size = min(size, maxListPageSize)

	storeFilters := WorkflowFilters{
		WorkflowID: filters.WorkflowID,
		Status:     filters.Status,
		SubjectID:  filters.SubjectID,
		Limit:      size,
		Offset:     (page - 1) * size,
	}
	if rctx.PortalRole() != model.RoleAdmin {
		storeFilters.SubjectID = rctx.SubjectID
	}

	instances, total, err := e.store.Find(ctx, rctx.TenantID, storeFilters)
	if err != nil {
		return model.ListResponse[model.WorkflowSummary]{}, err
	}

	items := make([]model.WorkflowSummary, 0, len(instances))
	for _, inst := range instances {
		name := inst.WorkflowID
		if def, ok := e.registry.GetWorkflow(inst.WorkflowID); ok {
			name = def.Name
		}
		items = append(items, model.WorkflowSummary{
			ID:          inst.ID,
			WorkflowID:  inst.WorkflowID,
			Name:        name,
			CurrentStep: inst.CurrentStep,
			Stage:       inst.Stage,
			Status:      inst.Status,
			SubjectID:   inst.SubjectID,
			CreatedAt:   inst.CreatedAt,
			UpdatedAt:   inst.UpdatedAt,
		})
	}
	return model.ListResponse[model.WorkflowSummary]{
		Items:      items,
		TotalCount: total,
		Page:       page,
		PageSize:   size,
	}, nil
}

// ProcessTimeouts abandons instances past their expiry and returns
// instances stuck in the submitting stage to review. Instances changed by a
// concurrent request in the meantime are skipped. With a retention period
// set, finished instances older than it are deleted.
func (e *Engine) ProcessTimeouts(ctx context.Context) (TimeoutReport, error) {
	var report TimeoutReport
	now := e.now().UTC()

	expired, err := e.store.FindExpired(ctx, now)
	if err != nil {
		return report, fmt.Errorf("find expired instances: %w", err)
	}
	for _, inst := range expired {
		inst.Status = model.WorkflowStatusAbandoned
		evt := e.newEvent(inst.ID, inst.CurrentStep, model.EventAbandoned, "system", nil, "expired")
		if err := e.save(ctx, &inst, evt); err != nil {
			if model.ErrorCode(err) == model.ErrConflict {
				continue
			}
			return report, err
		}
		report.Abandoned++
		e.record(func(m *observability.Metrics) {
			m.RecordWorkflowTimeout(inst.WorkflowID)
			m.RecordWorkflowCompletion(inst.WorkflowID, model.WorkflowStatusAbandoned)
		})
	}

	stale, err := e.store.FindStaleSubmissions(ctx, now.Add(-e.staleAfter))
	if err != nil {
		return report, fmt.Errorf("find stale submissions: %w", err)
	}
	for _, inst := range stale {
		def, ok := e.registry.GetWorkflow(inst.WorkflowID)
		if !ok {
			e.logger.Warn("stale submission for unknown workflow",
				zap.String("workflow_id", inst.WorkflowID),
				zap.String("instance_id", inst.ID),
			)
			continue
		}
		review := def.Steps[len(def.Steps)-1].ID
		inst.CurrentStep = review
		inst.Stage = model.StageReviewing
		inst.LastError = recoveredMessage
		events := []model.WorkflowEvent{
			e.newEvent(inst.ID, model.StepIDSubmitting, model.EventSubmissionRecovered, "system", nil, ""),
			e.newEvent(inst.ID, review, model.EventStepEntered, "system", nil, ""),
		}
		if err := e.save(ctx, &inst, events...); err != nil {
			if model.ErrorCode(err) == model.ErrConflict {
				continue
			}
			return report, err
		}
		report.Recovered++
	}

	if e.retention > 0 {
		purged, err := e.purgeFinished(ctx, now.Add(-e.retention))
		report.Purged = purged
		if err != nil {
			return report, err
		}
	}

	if report.Abandoned > 0 || report.Recovered > 0 || report.Purged > 0 {
		e.logger.Info("processed workflow timeouts",
			zap.Int("abandoned", report.Abandoned),
			zap.Int("recovered", report.Recovered),
			zap.Int("purged", report.Purged),
		)
	}
	return report, nil
}

func (e *Engine) purgeFinished(ctx context.Context, cutoff time.Time) (int, error) {
	finished, err := e.store.FindFinished(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find finished instances: %w", err)
	}
	purged := 0
	for _, inst := range finished {
		if err := e.store.Delete(ctx, inst.TenantID, inst.ID); err != nil {
			if model.ErrorCode(err) == model.ErrNotFound {
				continue
			}
			return purged, fmt.Errorf("delete instance %s: %w", inst.ID, err)
		}
		purged++
	}
	return purged, nil
}

// RunTimeoutLoop calls ProcessTimeouts every interval until ctx is done.
func (e *Engine) RunTimeoutLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ProcessTimeouts(ctx); err != nil {
				e.logger.Error("process workflow timeouts", zap.Error(err))
			}
		}
	}
}

// load fetches an instance the caller may see. Instances started by another
// subject are reported as missing unless the caller is an admin.
func (e *Engine) load(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.SubjectID != rctx.SubjectID && rctx.PortalRole() != model.RoleAdmin {
		return model.WorkflowInstance{}, notFound(instanceID)
	}
	if inst.Draft == nil {
		inst.Draft = map[string]any{}
	}
	if inst.Selections == nil {
		inst.Selections = map[string]string{}
	}
	return inst, nil
}

// loadInteractive loads an active instance positioned on one of its
// definition's steps.
func (e *Engine) loadInteractive(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (model.WorkflowInstance, model.WorkflowDefinition, error) {
	inst, err := e.load(ctx, rctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, err
	}
	if inst.Status != model.WorkflowStatusActive {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, model.NewWorkflowNotActiveError(inst.Status)
	}
	if inst.Stage == model.StageSubmitting {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, model.NewInvalidTransitionError("a submission is in progress")
	}
	def, ok := e.registry.GetWorkflow(inst.WorkflowID)
	if !ok {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", inst.WorkflowID),
		)
	}
	if def.StepIndex(inst.CurrentStep) < 0 {
		return model.WorkflowInstance{}, model.WorkflowDefinition{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q no longer exists in workflow %q", inst.CurrentStep, def.ID),
		)
	}
	return inst, def, nil
}

func (e *Engine) authorize(rctx *model.RequestContext, caps []string, what string) error {
	if len(caps) == 0 {
		return nil
	}
	if e.capResolver == nil {
		return model.NewForbiddenError(fmt.Sprintf("insufficient capabilities for %s", what))
	}
	set, err := e.capResolver.Resolve(rctx)
	if err != nil {
		return fmt.Errorf("resolve capabilities: %w", err)
	}
	if !set.HasAll(caps...) {
		return model.NewForbiddenError(fmt.Sprintf("insufficient capabilities for %s", what))
	}
	return nil
}

// selectable returns the entity if step would offer it to rctx given the
// draft, or nil if it is missing or filtered out.
func (e *Engine) selectable(
	ctx context.Context,
	rctx *model.RequestContext,
	step model.StepDefinition,
	draft map[string]any,
	entityID string,
) (*model.Entity, error) {
	cq, ok := scopeQuery(*step.Selection, draft, rctx)
	if !ok {
		return nil, nil
	}
	entity, err := e.catalog.Get(ctx, step.Selection.Catalog, entityID)
	if model.ErrorCode(err) == model.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %q: %w", step.Selection.Catalog, entityID, err)
	}
	if !catalog.Matches(*entity, cq) {
		return nil, nil
	}
	return entity, nil
}

// save persists inst and then its events, bumping the local version on
// success.
func (e *Engine) save(ctx context.Context, inst *model.WorkflowInstance, events ...model.WorkflowEvent) error {
	inst.UpdatedAt = e.now().UTC()
	if err := e.store.Update(ctx, *inst); err != nil {
		return err
	}
	inst.Version++
	return e.appendEvents(ctx, events)
}

func (e *Engine) appendEvents(ctx context.Context, events []model.WorkflowEvent) error {
	for _, evt := range events {
		if err := e.store.AppendEvent(ctx, evt); err != nil {
			return fmt.Errorf("append %s event: %w", evt.Event, err)
		}
	}
	return nil
}

func (e *Engine) newEvent(instanceID, stepID, event, actorID string, data map[string]any, comment string) model.WorkflowEvent {
	return model.WorkflowEvent{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: instanceID,
		StepID:             stepID,
		Event:              event,
		ActorID:            actorID,
		Data:               data,
		Comment:            comment,
		Timestamp:          e.now().UTC(),
	}
}

// moveForward enters the step after idx and returns the events recording it.
func (e *Engine) moveForward(def model.WorkflowDefinition, inst *model.WorkflowInstance, idx int, actor string) []model.WorkflowEvent {
	from := inst.CurrentStep
	enterStep(def, inst, idx+1)
	return []model.WorkflowEvent{
		e.newEvent(inst.ID, from, model.EventAdvanced, actor, map[string]any{"from": from, "to": inst.CurrentStep}, ""),
		e.newEvent(inst.ID, inst.CurrentStep, model.EventStepEntered, actor, nil, ""),
	}
}

func (e *Engine) record(fn func(m *observability.Metrics)) {
	if e.metrics != nil {
		fn(e.metrics)
	}
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return observability.LoggerFrom(ctx, e.logger)
}

func currentSelection(def model.WorkflowDefinition, inst model.WorkflowInstance) (model.StepDefinition, error) {
	step := def.Steps[def.StepIndex(inst.CurrentStep)]
	if step.Type != model.StepTypeSelection {
		return model.StepDefinition{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %q is not a selection step", step.ID),
		)
	}
	return step, nil
}

// scopeQuery builds the fixed part of a selection step's catalog query. It
// reports false when a predicate depends on a draft value or subject that
// is missing, in which case nothing can be offered.
func scopeQuery(sel model.SelectionDefinition, draft map[string]any, rctx *model.RequestContext) (model.CatalogQuery, bool) {
	cq := model.CatalogQuery{
		Kind:         sel.Catalog,
		SearchFields: sel.SearchFields,
		Equals:       maps.Clone(sel.Constraints),
		Flags:        maps.Clone(sel.Flags),
	}
	if cq.Equals == nil {
		cq.Equals = map[string]string{}
	}
	if cq.Flags == nil {
		cq.Flags = map[string]bool{}
	}
	for attr, field := range sel.Match {
		v := formatValue(draft[field])
		if v == "" {
			return cq, false
		}
		cq.Equals[attr] = v
	}
	if sel.OwnerField != "" && rctx.PortalRole() == model.RolePatient {
		if rctx.SubjectID == "" {
			return cq, false
		}
		cq.Equals[sel.OwnerField] = rctx.SubjectID
	}
	return cq, true
}

// applySelection writes the entity into the draft. Choosing a different
// entity than before clears later fields defaulted from its values, so they
// re-default on entry, and later selections matched against them.
func applySelection(def model.WorkflowDefinition, inst *model.WorkflowInstance, step model.StepDefinition, entity model.Entity) {
	sel := step.Selection
	changed := inst.Selections[step.ID] != "" && inst.Selections[step.ID] != entity.ID

	inst.Draft[sel.Field] = entity.ID
	for field, from := range sel.Assign {
		if v, ok := entity.Value(from); ok && v != nil {
			inst.Draft[field] = normalizeValue(v)
		} else {
			delete(inst.Draft, field)
		}
	}
	inst.Selections[step.ID] = entity.ID

	if !changed {
		return
	}
	for _, later := range def.Steps[def.StepIndex(step.ID)+1:] {
		for _, f := range later.Fields {
			if _, assigned := sel.Assign[f.DefaultFrom]; f.DefaultFrom != "" && assigned {
				delete(inst.Draft, f.Name)
			}
		}
		if later.Selection == nil || len(later.Selection.Match) == 0 {
			continue
		}
		delete(inst.Draft, later.Selection.Field)
		for field := range later.Selection.Assign {
			delete(inst.Draft, field)
		}
		delete(inst.Selections, later.ID)
	}
}

// setStep positions inst on the definition step at idx.
func setStep(def model.WorkflowDefinition, inst *model.WorkflowInstance, idx int) {
	step := def.Steps[idx]
	inst.CurrentStep = step.ID
	inst.Stage = stageOf(step)
}

// enterStep positions inst on idx and fills unset detail fields from their
// defaults.
func enterStep(def model.WorkflowDefinition, inst *model.WorkflowInstance, idx int) {
	setStep(def, inst, idx)
	for _, f := range def.Steps[idx].Fields {
		if !isEmpty(inst.Draft[f.Name]) {
			continue
		}
		switch {
		case f.DefaultFrom != "" && !isEmpty(inst.Draft[f.DefaultFrom]):
			inst.Draft[f.Name] = inst.Draft[f.DefaultFrom]
		case f.Default != nil:
			inst.Draft[f.Name] = normalizeValue(f.Default)
		}
	}
}

func stageOf(step model.StepDefinition) model.Stage {
	switch step.Type {
	case model.StepTypeSelection:
		return model.StageSelecting
	case model.StepTypeDetail:
		return model.StageDetailing
	default:
		return model.StageReviewing
	}
}

// submissionMessage is the text shown to the user when a submission fails.
func submissionMessage(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Message
	}
	var rejected *submission.RejectedError
	if errors.As(err, &rejected) {
		return rejected.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The receiving system did not respond in time. Please try again."
	}
	return submissionFailedMessage
}

const submissionFailedMessage = "The request could not be sent. Please try again."
