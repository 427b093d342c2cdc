package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pitabwire/careportal/model"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// BuildConfirmation renders the confirmation screen for an accepted draft.
// {field} placeholders in the title and message take the draft value; the
// estimate comes from the definition's lookup table with its default as the
// fallback.
func BuildConfirmation(def model.WorkflowDefinition, draft map[string]any, reference string) *model.Confirmation {
	cd := def.Confirmation
	conf := &model.Confirmation{
		Title:     interpolate(def, cd.Title, draft),
		Message:   interpolate(def, cd.Message, draft),
		Reference: reference,
		Fields:    make([]model.ConfirmationField, 0, len(cd.Echo)),
	}
	for _, echo := range cd.Echo {
		conf.Fields = append(conf.Fields, model.ConfirmationField{
			Field: echo.Field,
			Label: echo.Label,
			Value: displayValue(def, echo.Field, draft[echo.Field]),
		})
	}
	if cd.Estimate != nil {
		value, ok := cd.Estimate.Table[formatValue(draft[cd.Estimate.Field])]
		if !ok {
			value = cd.Estimate.Default
		}
		if value != "" {
			conf.Estimate = &model.Estimate{Label: cd.Estimate.Label, Value: value}
		}
	}
	return conf
}

func interpolate(def model.WorkflowDefinition, tmpl string, draft map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		return formatValue(displayValue(def, name, draft[name]))
	})
}

// displayValue swaps an option value for its label when the field declares
// options.
func displayValue(def model.WorkflowDefinition, field string, v any) any {
	if v == nil {
		return nil
	}
	f, ok := findField(def, field)
	if !ok || len(f.Options) == 0 {
		return v
	}
	raw := formatValue(v)
	for _, o := range f.Options {
		if o.Value == raw {
			return o.Label
		}
	}
	return v
}

func findField(def model.WorkflowDefinition, name string) (model.FieldDefinition, bool) {
	for _, s := range def.Steps {
		for _, f := range s.Fields {
			if f.Name == name {
				return f, true
			}
		}
	}
	return model.FieldDefinition{}, false
}

// formatValue renders a draft value as text. Whole numbers drop their
// fraction so 30 is not shown as 30.000000.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "Yes"
		}
		return "No"
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
