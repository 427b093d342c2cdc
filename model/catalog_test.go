package model

import "testing"

func TestEntity_Value(t *testing.T) {
	e := Entity{
		ID:       "rx-1",
		Kind:     "prescriptions",
		Name:     "Lisinopril 10mg",
		Category: "cardiology",
		Attributes: map[string]any{
			"refills_remaining": 2,
			"refillable":        true,
		},
	}

	tests := []struct {
		field  string
		want   string
		wantOK bool
	}{
		{"id", "rx-1", true},
		{"name", "Lisinopril 10mg", true},
		{"kind", "prescriptions", true},
		{"category", "cardiology", true},
		{"refills_remaining", "2", true},
		{"refillable", "true", true},
		{"missing", "", false},
	}
	for _, tt := range tests {
		_, ok := e.Value(tt.field)
		if ok != tt.wantOK {
			t.Errorf("Value(%q) ok = %v, want %v", tt.field, ok, tt.wantOK)
		}
		if got := e.StringValue(tt.field); got != tt.want {
			t.Errorf("StringValue(%q) = %q, want %q", tt.field, got, tt.want)
		}
	}
}

func TestEntity_Value_nil_attributes(t *testing.T) {
	e := Entity{ID: "p-1"}
	if _, ok := e.Value("specialty"); ok {
		t.Error("Value on nil attributes should report missing")
	}
}
