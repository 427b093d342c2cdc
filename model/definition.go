package model

// DomainDefinition is the root structure of a definition file. Each file
// declares one portal area's workflows.
type DomainDefinition struct {
	Domain    string               `yaml:"domain"    json:"domain"`
	Version   string               `yaml:"version"   json:"version"`
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows,omitempty"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// Step types. Definitions declare selection, detail and review steps; the
// engine appends the submitting and done steps itself.
const (
	StepTypeSelection  = "selection"
	StepTypeDetail     = "detail"
	StepTypeReview     = "review"
	StepTypeSubmitting = "submitting"
	StepTypeDone       = "done"
)

// Built-in step IDs.
const (
	StepIDSubmitting = "submitting"
	StepIDDone       = "done"
)

// Field types accepted in detail steps.
const (
	FieldTypeString  = "string"
	FieldTypeText    = "text"
	FieldTypeNumber  = "number"
	FieldTypeInteger = "integer"
	FieldTypeBoolean = "boolean"
	FieldTypeDate    = "date"
)

// WorkflowDefinition describes a linear wizard.
type WorkflowDefinition struct {
	ID           string                 `yaml:"id"           json:"id"`
	Name         string                 `yaml:"name"         json:"name"`
	Description  string                 `yaml:"description"  json:"description,omitempty"`
	Capabilities []string               `yaml:"capabilities" json:"capabilities"`
	Timeout      string                 `yaml:"timeout"      json:"timeout,omitempty"`
	Prefill      *PrefillDefinition     `yaml:"prefill"      json:"prefill,omitempty"`
	Steps        []StepDefinition       `yaml:"steps"        json:"steps"`
	Submission   SubmissionDefinition   `yaml:"submission"   json:"submission"`
	Confirmation ConfirmationDefinition `yaml:"confirmation" json:"confirmation"`
}

// PrefillDefinition lets a caller skip a selection step by passing the
// entity ID as a start parameter.
type PrefillDefinition struct {
	Param string `yaml:"param" json:"param"`
	Step  string `yaml:"step"  json:"step"`
}

// StepDefinition describes a single interactive step.
type StepDefinition struct {
	ID           string               `yaml:"id"           json:"id"`
	Name         string               `yaml:"name"         json:"name"`
	Type         string               `yaml:"type"         json:"type"`
	Capabilities []string             `yaml:"capabilities" json:"capabilities,omitempty"`
	Selection    *SelectionDefinition `yaml:"selection"    json:"selection,omitempty"`
	Fields       []FieldDefinition    `yaml:"fields"       json:"fields,omitempty"`
	// Summary lists the draft fields a review step displays, in order.
	Summary []SummaryField `yaml:"summary" json:"summary,omitempty"`
}

// SelectionDefinition binds a selection step to a catalog kind.
type SelectionDefinition struct {
	Catalog      string             `yaml:"catalog"       json:"catalog"`
	Field        string             `yaml:"field"         json:"field"`
	SearchFields []string           `yaml:"search_fields" json:"search_fields,omitempty"`
	Filters      []FilterDefinition `yaml:"filters"       json:"filters,omitempty"`
	// Constraints are fixed equality predicates always applied.
	Constraints map[string]string `yaml:"constraints" json:"constraints,omitempty"`
	// Flags are fixed boolean predicates always applied.
	Flags map[string]bool `yaml:"flags" json:"flags,omitempty"`
	// Match maps an entity attribute to the draft field it must equal.
	Match map[string]string `yaml:"match" json:"match,omitempty"`
	// OwnerField restricts entities to those whose attribute equals the
	// caller's subject ID. Providers and admins are not restricted.
	OwnerField string `yaml:"owner_field" json:"owner_field,omitempty"`
	// Assign copies entity values into the draft: draft field -> entity field.
	Assign       map[string]string `yaml:"assign"        json:"assign,omitempty"`
	EmptyMessage string            `yaml:"empty_message" json:"empty_message,omitempty"`
}

// Filter control types.
const (
	FilterTypeEquals = "equals"
	FilterTypeFlag   = "flag"
)

// FilterDefinition describes a user-facing filter control on a selection step.
type FilterDefinition struct {
	Field   string             `yaml:"field"   json:"field"`
	Label   string             `yaml:"label"   json:"label"`
	Type    string             `yaml:"type"    json:"type"`
	Options []OptionDefinition `yaml:"options" json:"options,omitempty"`
}

// OptionDefinition is a static label/value option.
type OptionDefinition struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// FieldDefinition describes a typed draft field collected by a detail step.
type FieldDefinition struct {
	Name        string             `yaml:"name"         json:"name"`
	Label       string             `yaml:"label"        json:"label"`
	Type        string             `yaml:"type"         json:"type"`
	Required    bool               `yaml:"required"     json:"required"`
	Default     any                `yaml:"default"      json:"default,omitempty"`
	DefaultFrom string             `yaml:"default_from" json:"default_from,omitempty"`
	Options     []OptionDefinition `yaml:"options"      json:"options,omitempty"`
	Min         *float64           `yaml:"min"          json:"min,omitempty"`
	Max         *float64           `yaml:"max"          json:"max,omitempty"`
	MinLength   *int               `yaml:"min_length"   json:"min_length,omitempty"`
	MaxLength   *int               `yaml:"max_length"   json:"max_length,omitempty"`
	Pattern     string             `yaml:"pattern"      json:"pattern,omitempty"`
	HelpText    string             `yaml:"help_text"    json:"help_text,omitempty"`
}

// SummaryField is one read-only line on a review step.
type SummaryField struct {
	Field string `yaml:"field" json:"field"`
	Label string `yaml:"label" json:"label"`
}

// SubmissionDefinition names the operation a confirmed draft is handed to.
type SubmissionDefinition struct {
	Operation OperationBinding `yaml:"operation" json:"operation"`
	Timeout   string           `yaml:"timeout"   json:"timeout,omitempty"`
}

// Binding types understood by the submission layer.
const (
	BindingSDK  = "sdk"
	BindingHTTP = "http"
)

// OperationBinding describes the backend operation to invoke.
type OperationBinding struct {
	Type      string `yaml:"type"       json:"type"`
	Handler   string `yaml:"handler"    json:"handler,omitempty"`
	ServiceID string `yaml:"service_id" json:"service_id,omitempty"`
	Method    string `yaml:"method"     json:"method,omitempty"`
	Path      string `yaml:"path"       json:"path,omitempty"`
}

// ConfirmationDefinition describes the terminal screen. Title and Message may
// reference draft fields as {field}.
type ConfirmationDefinition struct {
	Title    string              `yaml:"title"    json:"title"`
	Message  string              `yaml:"message"  json:"message"`
	Echo     []SummaryField      `yaml:"echo"     json:"echo,omitempty"`
	Estimate *EstimateDefinition `yaml:"estimate" json:"estimate,omitempty"`
}

// EstimateDefinition is a fixed lookup table keyed on a draft field.
type EstimateDefinition struct {
	Label   string            `yaml:"label"   json:"label"`
	Field   string            `yaml:"field"   json:"field"`
	Table   map[string]string `yaml:"table"   json:"table"`
	Default string            `yaml:"default" json:"default,omitempty"`
}

// StepIndex returns the position of the step in Steps, or -1.
func (w WorkflowDefinition) StepIndex(stepID string) int {
	for i, s := range w.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// DraftFields maps every draft field the workflow can hold to the ID of the
// step that writes it: detail fields, selection fields and selection
// assignments.
func (w WorkflowDefinition) DraftFields() map[string]string {
	out := make(map[string]string)
	for _, s := range w.Steps {
		if s.Selection != nil {
			if s.Selection.Field != "" {
				out[s.Selection.Field] = s.ID
			}
			for field := range s.Selection.Assign {
				out[field] = s.ID
			}
		}
		for _, f := range s.Fields {
			out[f.Name] = s.ID
		}
	}
	return out
}
