package model

import (
	"context"
	"fmt"
)

// Entity is a read-only catalog item a selection step can pick: a provider,
// an appointment slot, a prescription, a patient, a pharmacy.
type Entity struct {
	ID         string         `yaml:"id"         json:"id"`
	Kind       string         `yaml:"kind"       json:"kind"`
	Name       string         `yaml:"name"       json:"name"`
	Category   string         `yaml:"category"   json:"category,omitempty"`
	Attributes map[string]any `yaml:"attributes" json:"attributes,omitempty"`
}

// Value returns the named field of the entity. "id", "name", "kind" and
// "category" address the top-level fields; anything else is an attribute.
func (e Entity) Value(field string) (any, bool) {
	switch field {
	case "id":
		return e.ID, true
	case "name":
		return e.Name, true
	case "kind":
		return e.Kind, true
	case "category":
		return e.Category, true
	}
	v, ok := e.Attributes[field]
	return v, ok
}

// StringValue is Value formatted as a string; missing fields are "".
func (e Entity) StringValue(field string) string {
	v, ok := e.Value(field)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// CatalogQuery is the AND of all active predicates over one entity kind.
type CatalogQuery struct {
	Kind string `json:"kind"`
	// Query is matched case-insensitively as a substring of any SearchFields
	// value. An empty query matches everything.
	Query        string   `json:"query,omitempty"`
	SearchFields []string `json:"search_fields,omitempty"`
	// Equals holds case-insensitive equality predicates. An empty value or
	// "all" leaves the predicate inactive.
	Equals map[string]string `json:"equals,omitempty"`
	// Flags holds boolean predicates compared against attribute truthiness.
	Flags  map[string]bool `json:"flags,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// EntityPage is a page of catalog results.
type EntityPage struct {
	Items        []Entity `json:"items"`
	TotalCount   int      `json:"total_count"`
	EmptyMessage string   `json:"empty_message,omitempty"`
}

// Catalog is a read-only source of selectable entities.
type Catalog interface {
	// Get returns a single entity, or a NOT_FOUND error.
	Get(ctx context.Context, kind, id string) (*Entity, error)

	// Query returns the entities matching every active predicate, ordered by
	// name then ID.
	Query(ctx context.Context, q CatalogQuery) (EntityPage, error)
}
