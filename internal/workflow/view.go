package workflow

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/pitabwire/careportal/model"
)

// Describe resolves an instance into the descriptor the frontend renders.
func (e *Engine) Describe(
	ctx context.Context,
	rctx *model.RequestContext,
	inst model.WorkflowInstance,
) (model.WorkflowDescriptor, error) {
	def, ok := e.registry.GetWorkflow(inst.WorkflowID)
	if !ok {
		return model.WorkflowDescriptor{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", inst.WorkflowID),
		)
	}

	events, err := e.store.GetEvents(ctx, rctx.TenantID, inst.ID)
	if err != nil {
		return model.WorkflowDescriptor{}, err
	}
	history := make([]model.HistoryEntry, 0, len(events))
	for _, evt := range events {
		history = append(history, model.HistoryEntry{
			StepName:  stepName(def, evt.StepID),
			Event:     evt.Event,
			Actor:     evt.ActorID,
			Timestamp: evt.Timestamp.Format(time.RFC3339),
			Comment:   evt.Comment,
		})
	}

	draft := maps.Clone(inst.Draft)
	if draft == nil {
		draft = map[string]any{}
	}
	return model.WorkflowDescriptor{
		ID:           inst.ID,
		WorkflowID:   inst.WorkflowID,
		Name:         def.Name,
		Status:       inst.Status,
		Stage:        inst.Stage,
		CurrentStep:  describeStep(def, inst),
		Steps:        stepSummaries(def, inst),
		Draft:        draft,
		LastError:    inst.LastError,
		Confirmation: inst.Confirmation,
		History:      history,
		Version:      inst.Version,
	}, nil
}

// stepSummaries lists every step including the built-in submitting and done
// steps, for the progress indicator.
func stepSummaries(def model.WorkflowDefinition, inst model.WorkflowInstance) []model.StepSummary {
	all := append([]model.StepDefinition{}, def.Steps...)
	all = append(all,
		model.StepDefinition{ID: model.StepIDSubmitting, Name: "Submitting", Type: model.StepTypeSubmitting},
		model.StepDefinition{ID: model.StepIDDone, Name: "Done", Type: model.StepTypeDone},
	)

	current := len(all) - 1
	for i, s := range all {
		if s.ID == inst.CurrentStep {
			current = i
			break
		}
	}

	out := make([]model.StepSummary, 0, len(all))
	for i, s := range all {
		status := model.StepStatusFuture
		switch {
		case i < current:
			status = model.StepStatusCompleted
		case i == current && inst.Stage == model.StageDone:
			status = model.StepStatusCompleted
		case i == current:
			status = model.StepStatusInProgress
		}
		out = append(out, model.StepSummary{ID: s.ID, Name: s.Name, Type: s.Type, Status: status})
	}
	return out
}

func describeStep(def model.WorkflowDefinition, inst model.WorkflowInstance) *model.StepDescriptor {
	switch inst.Stage {
	case model.StageSubmitting:
		return &model.StepDescriptor{
			ID: model.StepIDSubmitting, Name: "Submitting", Type: model.StepTypeSubmitting, Stage: inst.Stage,
		}
	case model.StageDone:
		return &model.StepDescriptor{
			ID: model.StepIDDone, Name: "Done", Type: model.StepTypeDone, Stage: inst.Stage,
			Confirmation: inst.Confirmation,
		}
	}

	idx := def.StepIndex(inst.CurrentStep)
	if idx < 0 {
		return nil
	}
	step := def.Steps[idx]
	active := inst.Status == model.WorkflowStatusActive
	sd := &model.StepDescriptor{
		ID:      step.ID,
		Name:    step.Name,
		Type:    step.Type,
		Stage:   inst.Stage,
		Missing: missingFields(step, inst.Draft),
	}
	sd.CanAdvance = active && len(validateThrough(def, idx, inst.Draft)) == 0

	switch step.Type {
	case model.StepTypeSelection:
		sd.Selection = describeSelection(*step.Selection, inst.Selections[step.ID])
	case model.StepTypeDetail:
		for _, f := range step.Fields {
			sd.Fields = append(sd.Fields, describeField(f, inst.Draft[f.Name]))
		}
	case model.StepTypeReview:
		for _, sf := range step.Summary {
			sd.Summary = append(sd.Summary, model.FieldDescriptor{
				Field:    sf.Field,
				Label:    sf.Label,
				ReadOnly: true,
				Value:    displayValue(def, sf.Field, inst.Draft[sf.Field]),
			})
		}
	}

	if active {
		sd.Actions = stepActions(step, idx, sd.CanAdvance, inst)
	}
	return sd
}

func stepActions(step model.StepDefinition, idx int, canAdvance bool, inst model.WorkflowInstance) []model.ActionDescriptor {
	var actions []model.ActionDescriptor
	if idx > 0 {
		actions = append(actions, model.ActionDescriptor{ID: model.ActionRetreat, Label: "Back", Enabled: true})
	}
	switch step.Type {
	case model.StepTypeReview:
		id, label := model.ActionSubmit, "Submit"
		if inst.LastError != "" {
			id, label = model.ActionRetry, "Try again"
		}
		actions = append(actions, model.ActionDescriptor{ID: id, Label: label, Enabled: canAdvance})
	default:
		actions = append(actions, model.ActionDescriptor{ID: model.ActionAdvance, Label: "Continue", Enabled: canAdvance})
	}
	actions = append(actions, model.ActionDescriptor{ID: model.ActionCancel, Label: "Cancel", Enabled: true})
	return actions
}

func describeSelection(sel model.SelectionDefinition, selected string) *model.SelectionDescriptor {
	sd := &model.SelectionDescriptor{
		Catalog:      sel.Catalog,
		Field:        sel.Field,
		SelectedID:   selected,
		SearchFields: sel.SearchFields,
		EmptyMessage: sel.EmptyMessage,
	}
	for _, f := range sel.Filters {
		sd.Filters = append(sd.Filters, model.FilterDescriptor{
			Field:   f.Field,
			Label:   f.Label,
			Type:    f.Type,
			Options: options(f.Options),
		})
	}
	return sd
}

func describeField(f model.FieldDefinition, value any) model.FieldDescriptor {
	fd := model.FieldDescriptor{
		Field:    f.Name,
		Label:    f.Label,
		Type:     f.Type,
		Required: f.Required,
		Options:  options(f.Options),
		HelpText: f.HelpText,
		Value:    value,
	}
	if f.Min != nil || f.Max != nil || f.MinLength != nil || f.MaxLength != nil || f.Pattern != "" {
		fd.Validation = &model.ValidationDescriptor{
			MinLength: f.MinLength,
			MaxLength: f.MaxLength,
			Min:       f.Min,
			Max:       f.Max,
			Pattern:   f.Pattern,
		}
	}
	return fd
}

func options(in []model.OptionDefinition) []model.OptionDescriptor {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.OptionDescriptor, 0, len(in))
	for _, o := range in {
		out = append(out, model.OptionDescriptor{Label: o.Label, Value: o.Value})
	}
	return out
}

func stepName(def model.WorkflowDefinition, stepID string) string {
	switch stepID {
	case model.StepIDSubmitting:
		return "Submitting"
	case model.StepIDDone:
		return "Done"
	}
	if idx := def.StepIndex(stepID); idx >= 0 {
		return def.Steps[idx].Name
	}
	return stepID
}
