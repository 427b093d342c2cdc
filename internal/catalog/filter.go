// Package catalog provides the read-only entity sources that selection steps
// pick from, together with the predicate semantics every backend honours.
package catalog

import (
	"sort"
	"strings"

	"github.com/spf13/cast"

	"github.com/pitabwire/careportal/model"
)

// AllValue is the sentinel equality value that disables a predicate.
const AllValue = "all"

var defaultSearchFields = []string{"name"}

// Matches reports whether e satisfies every active predicate of q. Kind is
// not checked here; callers scope by kind before filtering.
func Matches(e model.Entity, q model.CatalogQuery) bool {
	if q.Query != "" {
		needle := strings.ToLower(q.Query)
		fields := q.SearchFields
		if len(fields) == 0 {
			fields = defaultSearchFields
		}
		found := false
		for _, f := range fields {
			if strings.Contains(strings.ToLower(e.StringValue(f)), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for field, want := range q.Equals {
		if !equalityActive(want) {
			continue
		}
		if !strings.EqualFold(e.StringValue(field), want) {
			return false
		}
	}

	for field, want := range q.Flags {
		v, _ := e.Value(field)
		if Truthy(v) != want {
			return false
		}
	}
	return true
}

// Filter returns the entities of q.Kind that satisfy q, sorted by name then
// ID, paginated by q.Limit and q.Offset. TotalCount counts the unpaginated
// matches.
func Filter(entities []model.Entity, q model.CatalogQuery) model.EntityPage {
	var matched []model.Entity
	for _, e := range entities {
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if Matches(e, q) {
			matched = append(matched, e)
		}
	}
	sortEntities(matched)

	total := len(matched)
	matched = paginate(matched, q.Offset, q.Limit)
	if matched == nil {
		matched = []model.Entity{}
	}
	return model.EntityPage{Items: matched, TotalCount: total}
}

// Truthy interprets an attribute value as a boolean flag. Seed data also
// spells flags "yes" and "y", which cast does not accept.
func Truthy(v any) bool {
	if s, ok := v.(string); ok {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "yes" || s == "y" {
			return true
		}
		v = s
	}
	b, err := cast.ToBoolE(v)
	return err == nil && b
}

func equalityActive(v string) bool {
	return v != "" && !strings.EqualFold(v, AllValue)
}

func sortEntities(entities []model.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		ni, nj := strings.ToLower(entities[i].Name), strings.ToLower(entities[j].Name)
		if ni != nj {
			return ni < nj
		}
		return entities[i].ID < entities[j].ID
	})
}

func paginate(entities []model.Entity, offset, limit int) []model.Entity {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entities) {
		return nil
	}
	entities = entities[offset:]
	if limit > 0 && limit < len(entities) {
		entities = entities[:limit]
	}
	return entities
}
