package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/spf13/cast"

	"github.com/pitabwire/careportal/model"
)

const dateLayout = "2006-01-02"

// fieldSchema compiles a detail field into the JSON schema its values must
// satisfy.
func fieldSchema(f model.FieldDefinition) *openapi3.Schema {
	var s *openapi3.Schema
	switch f.Type {
	case model.FieldTypeNumber:
		s = openapi3.NewFloat64Schema()
	case model.FieldTypeInteger:
		s = openapi3.NewIntegerSchema()
	case model.FieldTypeBoolean:
		return openapi3.NewBoolSchema()
	case model.FieldTypeDate:
		s = openapi3.NewStringSchema().WithPattern(`^\d{4}-\d{2}-\d{2}$`)
	default:
		s = openapi3.NewStringSchema()
	}

	if f.Min != nil {
		s = s.WithMin(*f.Min)
	}
	if f.Max != nil {
		s = s.WithMax(*f.Max)
	}
	if f.MinLength != nil {
		s = s.WithMinLength(int64(*f.MinLength))
	}
	if f.MaxLength != nil {
		s = s.WithMaxLength(int64(*f.MaxLength))
	}
	if f.Pattern != "" {
		s = s.WithPattern(f.Pattern)
	}
	if len(f.Options) > 0 {
		values := make([]any, 0, len(f.Options))
		for _, o := range f.Options {
			switch f.Type {
			case model.FieldTypeNumber, model.FieldTypeInteger:
				values = append(values, cast.ToFloat64(o.Value))
			default:
				values = append(values, o.Value)
			}
		}
		s = s.WithEnum(values...)
	}
	return s
}

// validateValue checks one non-empty value against its field definition.
func validateValue(f model.FieldDefinition, v any) *model.FieldError {
	if err := fieldSchema(f).VisitJSON(v); err != nil {
		return &model.FieldError{Field: f.Name, Code: model.FieldInvalid, Message: schemaMessage(f, err)}
	}
	if f.Type == model.FieldTypeDate {
		if _, err := time.Parse(dateLayout, v.(string)); err != nil {
			return &model.FieldError{Field: f.Name, Code: model.FieldInvalid, Message: fmt.Sprintf("%s is not a valid date", f.Label)}
		}
	}
	return nil
}

func schemaMessage(f model.FieldDefinition, err error) string {
	var se *openapi3.SchemaError
	if errors.As(err, &se) && se.Reason != "" {
		if len(f.Options) > 0 && se.SchemaField == "enum" {
			return fmt.Sprintf("%s must be one of the listed options", f.Label)
		}
		return fmt.Sprintf("%s: %s", f.Label, se.Reason)
	}
	return fmt.Sprintf("%s is invalid", f.Label)
}

// validateThrough checks every step up to and including index upto against
// the draft. Selection steps need their field set; detail steps need their
// required fields present and every present value valid.
func validateThrough(def model.WorkflowDefinition, upto int, draft map[string]any) []model.FieldError {
	var errs []model.FieldError
	for i := 0; i <= upto && i < len(def.Steps); i++ {
		step := def.Steps[i]
		switch step.Type {
		case model.StepTypeSelection:
			if isEmpty(draft[step.Selection.Field]) {
				errs = append(errs, model.FieldError{
					Field:   step.Selection.Field,
					Code:    model.FieldRequired,
					Message: fmt.Sprintf("%s: a selection is required", step.Name),
				})
			}
		case model.StepTypeDetail:
			for _, f := range step.Fields {
				v := draft[f.Name]
				if isEmpty(v) {
					if f.Required {
						errs = append(errs, model.FieldError{
							Field:   f.Name,
							Code:    model.FieldRequired,
							Message: fmt.Sprintf("%s is required", f.Label),
						})
					}
					continue
				}
				if fe := validateValue(f, v); fe != nil {
					errs = append(errs, *fe)
				}
			}
		}
	}
	return errs
}

// missingFields lists the required fields of one step that are still empty.
func missingFields(step model.StepDefinition, draft map[string]any) []string {
	var out []string
	switch step.Type {
	case model.StepTypeSelection:
		if isEmpty(draft[step.Selection.Field]) {
			out = append(out, step.Selection.Field)
		}
	case model.StepTypeDetail:
		for _, f := range step.Fields {
			if f.Required && isEmpty(draft[f.Name]) {
				out = append(out, f.Name)
			}
		}
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

// normalizeValue brings Go numeric types to float64 so drafts hold the same
// shapes whether they arrived as JSON or from a catalog attribute.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32:
		return cast.ToFloat64(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	}
	return v
}
