package workflow

import (
	"testing"

	"github.com/pitabwire/careportal/model"
)

func TestBuildConfirmation(t *testing.T) {
	def := testWorkflowDefinitions()[0].Workflows[0]
	draft := map[string]any{
		"medication_name": "Lisinopril",
		"quantity":        30.0,
		"urgency":         "urgent",
	}

	c := BuildConfirmation(def, draft, "RF-1")
	if c.Title != "Refill requested" {
		t.Errorf("Title = %q", c.Title)
	}
	if c.Message != "Your refill of Lisinopril is on its way." {
		t.Errorf("Message = %q", c.Message)
	}
	if c.Reference != "RF-1" {
		t.Errorf("Reference = %q", c.Reference)
	}
	if len(c.Fields) != 2 {
		t.Fatalf("len(Fields) = %d, want 2", len(c.Fields))
	}
	if c.Fields[1].Value != "Urgent" {
		t.Errorf("urgency echoed as %v, want its option label", c.Fields[1].Value)
	}
	if c.Estimate == nil || c.Estimate.Label != "Ready" || c.Estimate.Value != "24 hours" {
		t.Errorf("Estimate = %+v", c.Estimate)
	}
}

func TestBuildConfirmation_estimateFallsBackToDefault(t *testing.T) {
	def := testWorkflowDefinitions()[0].Workflows[0]

	c := BuildConfirmation(def, map[string]any{"urgency": "someday"}, "")
	if c.Estimate == nil || c.Estimate.Value != "3-5 days" {
		t.Errorf("Estimate = %+v, want the default", c.Estimate)
	}

	def.Confirmation.Estimate.Default = ""
	if c := BuildConfirmation(def, map[string]any{}, ""); c.Estimate != nil {
		t.Errorf("Estimate = %+v, want nil without a match or default", c.Estimate)
	}
}

func TestBuildConfirmation_missingPlaceholder(t *testing.T) {
	def := model.WorkflowDefinition{Confirmation: model.ConfirmationDefinition{
		Title:   "Sent to {pharmacy_name}",
		Message: "{quantity} x {medication}",
	}}
	c := BuildConfirmation(def, map[string]any{"quantity": 21.0}, "")
	if c.Title != "Sent to " {
		t.Errorf("Title = %q", c.Title)
	}
	if c.Message != "21 x " {
		t.Errorf("Message = %q", c.Message)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{30.0, "30"},
		{2.5, "2.5"},
		{true, "Yes"},
		{false, "No"},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
