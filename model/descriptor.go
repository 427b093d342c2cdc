package model

// WorkflowDescriptor is the resolved workflow instance sent to the frontend.
type WorkflowDescriptor struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Stage        Stage           `json:"stage"`
	CurrentStep  *StepDescriptor `json:"current_step,omitempty"`
	Steps        []StepSummary   `json:"steps"`
	Draft        map[string]any  `json:"draft"`
	LastError    string          `json:"last_error,omitempty"`
	Confirmation *Confirmation   `json:"confirmation,omitempty"`
	History      []HistoryEntry  `json:"history,omitempty"`
	Version      int             `json:"version"`
}

// StepDescriptor describes how to render the current step. Exactly one of
// Selection, Fields (detail), Summary (review) or Confirmation (done) is set.
type StepDescriptor struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Type         string               `json:"type"`
	Stage        Stage                `json:"stage"`
	Selection    *SelectionDescriptor `json:"selection,omitempty"`
	Fields       []FieldDescriptor    `json:"fields,omitempty"`
	Summary      []FieldDescriptor    `json:"summary,omitempty"`
	Confirmation *Confirmation        `json:"confirmation,omitempty"`
	Missing      []string             `json:"missing,omitempty"`
	CanAdvance   bool                 `json:"can_advance"`
	Actions      []ActionDescriptor   `json:"actions,omitempty"`
}

// SelectionDescriptor describes a selection step's list control.
type SelectionDescriptor struct {
	Catalog      string             `json:"catalog"`
	Field        string             `json:"field"`
	SelectedID   string             `json:"selected_id,omitempty"`
	SearchFields []string           `json:"search_fields,omitempty"`
	Filters      []FilterDescriptor `json:"filters,omitempty"`
	EmptyMessage string             `json:"empty_message,omitempty"`
}

// FilterDescriptor describes a resolved filter control.
type FilterDescriptor struct {
	Field   string             `json:"field"`
	Label   string             `json:"label"`
	Type    string             `json:"type"`
	Options []OptionDescriptor `json:"options,omitempty"`
}

// OptionDescriptor is a resolved option for dropdowns and filters.
type OptionDescriptor struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// FieldDescriptor is a resolved field sent to the frontend.
type FieldDescriptor struct {
	Field      string                `json:"field"`
	Label      string                `json:"label"`
	Type       string                `json:"type,omitempty"`
	ReadOnly   bool                  `json:"read_only"`
	Required   bool                  `json:"required"`
	Validation *ValidationDescriptor `json:"validation,omitempty"`
	Options    []OptionDescriptor    `json:"options,omitempty"`
	HelpText   string                `json:"help_text,omitempty"`
	Value      any                   `json:"value,omitempty"`
}

// ValidationDescriptor describes client-side validation rules.
type ValidationDescriptor struct {
	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
}

// Action IDs offered on a step.
const (
	ActionAdvance = "advance"
	ActionRetreat = "retreat"
	ActionSubmit  = "submit"
	ActionRetry   = "retry"
	ActionCancel  = "cancel"
)

// ActionDescriptor is a resolved action sent to the frontend.
type ActionDescriptor struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Enabled bool   `json:"enabled"`
}

// StepSummary is a summary of a workflow step shown in the progress indicator.
type StepSummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// HistoryEntry is an audit trail entry for a workflow.
type HistoryEntry struct {
	StepName  string `json:"step_name"`
	Event     string `json:"event"`
	Actor     string `json:"actor"`
	Timestamp string `json:"timestamp"`
	Comment   string `json:"comment,omitempty"`
}

// ListResponse wraps a page of items for list endpoints.
type ListResponse[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
}
