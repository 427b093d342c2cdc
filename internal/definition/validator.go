package definition

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pitabwire/careportal/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var validStepTypes = map[string]bool{
	model.StepTypeSelection: true,
	model.StepTypeDetail:    true,
	model.StepTypeReview:    true,
}

var validFieldTypes = map[string]bool{
	model.FieldTypeString:  true,
	model.FieldTypeText:    true,
	model.FieldTypeNumber:  true,
	model.FieldTypeInteger: true,
	model.FieldTypeBoolean: true,
	model.FieldTypeDate:    true,
}

var validFilterTypes = map[string]bool{
	model.FilterTypeEquals: true,
	model.FilterTypeFlag:   true,
}

var validBindingTypes = map[string]bool{
	model.BindingSDK:  true,
	model.BindingHTTP: true,
}

// Validator checks definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions. catalogKinds may be nil to skip checking
// that selection steps reference a known catalog.
func (v *Validator) Validate(defs []model.DomainDefinition, catalogKinds []string) []VError {
	var kinds map[string]bool
	if catalogKinds != nil {
		kinds = make(map[string]bool, len(catalogKinds))
		for _, k := range catalogKinds {
			kinds[k] = true
		}
	}

	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.validateDomain(prefix, def, kinds)...)

		for j, w := range def.Workflows {
			if w.ID == "" {
				continue
			}
			path := fmt.Sprintf("%s.workflows[%d].id", prefix, j)
			if first, dup := seen[w.ID]; dup {
				errs = append(errs, VError{Path: path, Code: "DUPLICATE", Message: fmt.Sprintf("workflow %q already defined at %s", w.ID, first)})
				continue
			}
			seen[w.ID] = path
		}
	}
	return errs
}

func (v *Validator) validateDomain(prefix string, def model.DomainDefinition, kinds map[string]bool) []VError {
	var errs []VError

	if def.Domain == "" {
		errs = append(errs, VError{Path: prefix + ".domain", Code: "REQUIRED", Message: "domain is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}
	if len(def.Workflows) == 0 {
		errs = append(errs, VError{Path: prefix + ".workflows", Code: "REQUIRED", Message: "at least one workflow is required"})
	}

	for i, w := range def.Workflows {
		wp := fmt.Sprintf("%s.workflows[%d]", prefix, i)
		errs = append(errs, v.validateWorkflow(wp, w, kinds)...)
	}
	return errs
}

func (v *Validator) validateWorkflow(prefix string, w model.WorkflowDefinition, kinds map[string]bool) []VError {
	var errs []VError

	if w.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if w.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if w.Timeout != "" {
		if _, err := time.ParseDuration(w.Timeout); err != nil {
			errs = append(errs, VError{Path: prefix + ".timeout", Code: "INVALID_DURATION", Message: err.Error()})
		}
	}
	if len(w.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	stepIDs := make(map[string]int)
	fieldOwners := make(map[string]string)
	reviewCount := 0
	for i, s := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		errs = append(errs, v.validateStep(sp, s, kinds)...)

		if s.ID != "" {
			if _, dup := stepIDs[s.ID]; dup {
				errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("step %q already defined", s.ID)})
			}
			if s.ID == model.StepIDSubmitting || s.ID == model.StepIDDone {
				errs = append(errs, VError{Path: sp + ".id", Code: "RESERVED", Message: fmt.Sprintf("step id %q is reserved", s.ID)})
			}
			stepIDs[s.ID] = i
		}
		if s.Type == model.StepTypeReview {
			reviewCount++
			if i != len(w.Steps)-1 {
				errs = append(errs, VError{Path: sp + ".type", Code: "INVALID_ORDER", Message: "the review step must be the last step"})
			}
		}

		var written []string
		if s.Selection != nil {
			written = append(written, s.Selection.Field)
			for f := range s.Selection.Assign {
				written = append(written, f)
			}
		}
		for _, f := range s.Fields {
			written = append(written, f.Name)
		}
		for _, name := range written {
			if name == "" {
				continue
			}
			if owner, dup := fieldOwners[name]; dup && owner != s.ID {
				errs = append(errs, VError{Path: sp, Code: "DUPLICATE", Message: fmt.Sprintf("draft field %q is already written by step %q", name, owner)})
				continue
			}
			fieldOwners[name] = s.ID
		}
	}
	if reviewCount != 1 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "exactly one review step is required"})
	}

	for i, s := range w.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.Selection != nil {
			for attr, field := range s.Selection.Match {
				owner, ok := fieldOwners[field]
				if !ok || stepIDs[owner] >= i {
					errs = append(errs, VError{Path: sp + ".selection.match." + attr, Code: "REF_NOT_FOUND", Message: fmt.Sprintf("draft field %q is not collected before this step", field)})
				}
			}
		}
		for j, f := range s.Fields {
			if f.DefaultFrom == "" {
				continue
			}
			owner, ok := fieldOwners[f.DefaultFrom]
			if !ok || stepIDs[owner] >= i {
				errs = append(errs, VError{Path: fmt.Sprintf("%s.fields[%d].default_from", sp, j), Code: "REF_NOT_FOUND", Message: fmt.Sprintf("draft field %q is not collected before this step", f.DefaultFrom)})
			}
		}
		for j, sf := range s.Summary {
			if _, ok := fieldOwners[sf.Field]; !ok {
				errs = append(errs, VError{Path: fmt.Sprintf("%s.summary[%d].field", sp, j), Code: "REF_NOT_FOUND", Message: fmt.Sprintf("draft field %q not found", sf.Field)})
			}
		}
	}

	if w.Prefill != nil {
		pp := prefix + ".prefill"
		if w.Prefill.Param == "" {
			errs = append(errs, VError{Path: pp + ".param", Code: "REQUIRED", Message: "prefill param is required"})
		}
		idx, ok := stepIDs[w.Prefill.Step]
		if !ok {
			errs = append(errs, VError{Path: pp + ".step", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("step %q not found", w.Prefill.Step)})
		} else if w.Steps[idx].Type != model.StepTypeSelection {
			errs = append(errs, VError{Path: pp + ".step", Code: "INVALID_REF", Message: "prefill must target a selection step"})
		} else if idx != 0 {
			errs = append(errs, VError{Path: pp + ".step", Code: "INVALID_REF", Message: "prefill must target the first step"})
		}
	}

	errs = append(errs, v.validateSubmission(prefix+".submission", w.Submission)...)
	errs = append(errs, v.validateConfirmation(prefix+".confirmation", w.Confirmation, fieldOwners)...)
	return errs
}

func (v *Validator) validateStep(prefix string, s model.StepDefinition, kinds map[string]bool) []VError {
	var errs []VError

	if s.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "step id is required"})
	}
	if s.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "step name is required"})
	}
	if s.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "step type is required"})
		return errs
	}
	if !validStepTypes[s.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid step type %q", s.Type)})
		return errs
	}

	switch s.Type {
	case model.StepTypeSelection:
		if s.Selection == nil {
			errs = append(errs, VError{Path: prefix + ".selection", Code: "REQUIRED", Message: "selection steps need a selection block"})
			break
		}
		errs = append(errs, v.validateSelection(prefix+".selection", *s.Selection, kinds)...)
		if len(s.Fields) > 0 {
			errs = append(errs, VError{Path: prefix + ".fields", Code: "UNEXPECTED", Message: "selection steps cannot declare fields"})
		}
	case model.StepTypeDetail:
		if len(s.Fields) == 0 {
			errs = append(errs, VError{Path: prefix + ".fields", Code: "REQUIRED", Message: "detail steps need at least one field"})
		}
		if s.Selection != nil {
			errs = append(errs, VError{Path: prefix + ".selection", Code: "UNEXPECTED", Message: "only selection steps declare a selection block"})
		}
	case model.StepTypeReview:
		if s.Selection != nil || len(s.Fields) > 0 {
			errs = append(errs, VError{Path: prefix, Code: "UNEXPECTED", Message: "review steps only declare a summary"})
		}
	}

	names := make(map[string]bool)
	for i, f := range s.Fields {
		fp := fmt.Sprintf("%s.fields[%d]", prefix, i)
		if names[f.Name] {
			errs = append(errs, VError{Path: fp + ".name", Code: "DUPLICATE", Message: fmt.Sprintf("field %q already defined", f.Name)})
		}
		names[f.Name] = true
		errs = append(errs, v.validateField(fp, f)...)
	}
	return errs
}

func (v *Validator) validateSelection(prefix string, sel model.SelectionDefinition, kinds map[string]bool) []VError {
	var errs []VError

	if sel.Catalog == "" {
		errs = append(errs, VError{Path: prefix + ".catalog", Code: "REQUIRED", Message: "catalog is required"})
	} else if kinds != nil && !kinds[sel.Catalog] {
		errs = append(errs, VError{Path: prefix + ".catalog", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("catalog %q not found", sel.Catalog)})
	}
	if sel.Field == "" {
		errs = append(errs, VError{Path: prefix + ".field", Code: "REQUIRED", Message: "field is required"})
	}
	for i, f := range sel.Filters {
		fp := fmt.Sprintf("%s.filters[%d]", prefix, i)
		if f.Field == "" {
			errs = append(errs, VError{Path: fp + ".field", Code: "REQUIRED", Message: "filter field is required"})
		}
		if !validFilterTypes[f.Type] {
			errs = append(errs, VError{Path: fp + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid filter type %q", f.Type)})
		}
	}
	return errs
}

func (v *Validator) validateField(prefix string, f model.FieldDefinition) []VError {
	var errs []VError

	if f.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "field name is required"})
	}
	if f.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "field type is required"})
	} else if !validFieldTypes[f.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid field type %q", f.Type)})
	}
	if f.Pattern != "" {
		if _, err := regexp.Compile(f.Pattern); err != nil {
			errs = append(errs, VError{Path: prefix + ".pattern", Code: "INVALID_PATTERN", Message: err.Error()})
		}
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		errs = append(errs, VError{Path: prefix + ".min", Code: "INVALID_RANGE", Message: "min is greater than max"})
	}
	if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
		errs = append(errs, VError{Path: prefix + ".min_length", Code: "INVALID_RANGE", Message: "min_length is greater than max_length"})
	}
	if f.Default != nil && f.DefaultFrom != "" {
		errs = append(errs, VError{Path: prefix + ".default_from", Code: "CONFLICT", Message: "default and default_from are mutually exclusive"})
	}
	return errs
}

func (v *Validator) validateSubmission(prefix string, s model.SubmissionDefinition) []VError {
	var errs []VError
	op := s.Operation

	if !validBindingTypes[op.Type] {
		errs = append(errs, VError{Path: prefix + ".operation.type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid operation type %q", op.Type)})
	}
	switch op.Type {
	case model.BindingSDK:
		if op.Handler == "" {
			errs = append(errs, VError{Path: prefix + ".operation.handler", Code: "REQUIRED", Message: "sdk operations need a handler"})
		}
	case model.BindingHTTP:
		if op.ServiceID == "" {
			errs = append(errs, VError{Path: prefix + ".operation.service_id", Code: "REQUIRED", Message: "http operations need a service_id"})
		}
		if op.Path == "" {
			errs = append(errs, VError{Path: prefix + ".operation.path", Code: "REQUIRED", Message: "http operations need a path"})
		}
	}
	if s.Timeout != "" {
		if _, err := time.ParseDuration(s.Timeout); err != nil {
			errs = append(errs, VError{Path: prefix + ".timeout", Code: "INVALID_DURATION", Message: err.Error()})
		}
	}
	return errs
}

func (v *Validator) validateConfirmation(prefix string, c model.ConfirmationDefinition, fields map[string]string) []VError {
	var errs []VError

	if c.Title == "" {
		errs = append(errs, VError{Path: prefix + ".title", Code: "REQUIRED", Message: "confirmation title is required"})
	}
	for i, e := range c.Echo {
		if _, ok := fields[e.Field]; !ok {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.echo[%d].field", prefix, i), Code: "REF_NOT_FOUND", Message: fmt.Sprintf("draft field %q not found", e.Field)})
		}
	}
	if c.Estimate != nil {
		if _, ok := fields[c.Estimate.Field]; !ok {
			errs = append(errs, VError{Path: prefix + ".estimate.field", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("draft field %q not found", c.Estimate.Field)})
		}
		if len(c.Estimate.Table) == 0 {
			errs = append(errs, VError{Path: prefix + ".estimate.table", Code: "REQUIRED", Message: "estimate table is required"})
		}
	}
	return errs
}
