package model

import "time"

// Workflow instance status constants.
const (
	WorkflowStatusActive    = "active"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusCancelled = "cancelled"
	WorkflowStatusAbandoned = "abandoned"
)

// Stage is the coarse position of an instance within a wizard. Exactly one
// stage is active at a time.
type Stage string

const (
	StageSelecting  Stage = "selecting"
	StageDetailing  Stage = "detailing"
	StageReviewing  Stage = "reviewing"
	StageSubmitting Stage = "submitting"
	StageDone       Stage = "done"
)

// Workflow step status constants used in progress indicators.
const (
	StepStatusCompleted  = "completed"
	StepStatusInProgress = "in_progress"
	StepStatusFuture     = "future"
)

// Workflow event names recorded in the audit trail.
const (
	EventStepEntered         = "step_entered"
	EventFieldSet            = "field_set"
	EventSelected            = "selected"
	EventAdvanced            = "advanced"
	EventRetreated           = "retreated"
	EventPrefillNotFound     = "prefill_not_found"
	EventSubmissionStarted   = "submission_started"
	EventSubmissionFailed    = "submission_failed"
	EventSubmissionRecovered = "submission_recovered"
	EventCompleted           = "workflow_completed"
	EventCancelled           = "cancelled"
	EventAbandoned           = "abandoned"
)

// WorkflowInstance is one user's pass through a wizard. Draft holds every
// value collected so far and survives backward navigation.
type WorkflowInstance struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	TenantID       string            `json:"tenant_id"`
	SubjectID      string            `json:"subject_id"`
	CurrentStep    string            `json:"current_step"`
	Stage          Stage             `json:"stage"`
	Status         string            `json:"status"`
	Draft          map[string]any    `json:"draft"`
	Selections     map[string]string `json:"selections,omitempty"`
	Confirmation   *Confirmation     `json:"confirmation,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	SubmitAttempts int               `json:"submit_attempts"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Version        int               `json:"version"`
}

// Confirmation is the terminal summary shown once a draft has been accepted.
type Confirmation struct {
	Title     string              `json:"title"`
	Message   string              `json:"message"`
	Reference string              `json:"reference,omitempty"`
	Fields    []ConfirmationField `json:"fields"`
	Estimate  *Estimate           `json:"estimate,omitempty"`
}

// ConfirmationField echoes one draft value on the confirmation screen.
type ConfirmationField struct {
	Field string `json:"field"`
	Label string `json:"label"`
	Value any    `json:"value"`
}

// Estimate is a label/value pair derived from a fixed lookup table.
type Estimate struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// WorkflowSummary is a lightweight representation of a workflow instance
// used in list views.
type WorkflowSummary struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	Name        string    `json:"name"`
	CurrentStep string    `json:"current_step"`
	Stage       Stage     `json:"stage"`
	Status      string    `json:"status"`
	SubjectID   string    `json:"subject_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkflowEvent records an event in a workflow's audit trail.
type WorkflowEvent struct {
	ID                 string         `json:"id"`
	WorkflowInstanceID string         `json:"workflow_instance_id"`
	StepID             string         `json:"step_id"`
	Event              string         `json:"event"`
	ActorID            string         `json:"actor_id"`
	Data               map[string]any `json:"data,omitempty"`
	Comment            string         `json:"comment,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// WorkflowFilters describes filters for listing workflow instances.
type WorkflowFilters struct {
	Status     string `json:"status,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	SubjectID  string `json:"subject_id,omitempty"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
}
