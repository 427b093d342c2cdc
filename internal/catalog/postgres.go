package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/careportal/model"
)

// PgCatalog is a PostgreSQL-backed Catalog over the catalog_entities table.
// Predicates are pushed down into SQL with the same semantics as Matches.
type PgCatalog struct {
	pool *pgxpool.Pool
}

// NewPgCatalog creates a new PostgreSQL catalog.
func NewPgCatalog(pool *pgxpool.Pool) *PgCatalog {
	return &PgCatalog{pool: pool}
}

// Get retrieves a single entity.
func (c *PgCatalog) Get(ctx context.Context, kind, id string) (*model.Entity, error) {
	var e model.Entity
	var attrsJSON []byte

	err := c.pool.QueryRow(ctx, `
		SELECT id, kind, name, category, attributes
		FROM catalog_entities
		WHERE kind = $1 AND id = $2`,
		kind, id,
	).Scan(&e.ID, &e.Kind, &e.Name, &e.Category, &attrsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("%s %q not found", kind, id))
	}
	if err != nil {
		return nil, fmt.Errorf("query catalog entity: %w", err)
	}
	if err := unmarshalAttributes(attrsJSON, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Query runs the filtered query for q.Kind.
func (c *PgCatalog) Query(ctx context.Context, q model.CatalogQuery) (model.EntityPage, error) {
	sql, args := buildQuery(q)
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return model.EntityPage{}, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()

	page := model.EntityPage{Items: []model.Entity{}}
	for rows.Next() {
		var e model.Entity
		var attrsJSON []byte
		var total int
		if err := rows.Scan(&e.ID, &e.Kind, &e.Name, &e.Category, &attrsJSON, &total); err != nil {
			return model.EntityPage{}, fmt.Errorf("scan catalog entity: %w", err)
		}
		if err := unmarshalAttributes(attrsJSON, &e); err != nil {
			return model.EntityPage{}, err
		}
		page.TotalCount = total
		page.Items = append(page.Items, e)
	}
	if err := rows.Err(); err != nil {
		return model.EntityPage{}, fmt.Errorf("query catalog: %w", err)
	}

	// The window count is only carried by returned rows.
	if len(page.Items) == 0 && q.Offset > 0 {
		sql, args := buildCountQuery(q)
		if err := c.pool.QueryRow(ctx, sql, args...).Scan(&page.TotalCount); err != nil {
			return model.EntityPage{}, fmt.Errorf("count catalog: %w", err)
		}
	}
	return page, nil
}

// HealthCheck pings the pool.
func (c *PgCatalog) HealthCheck(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// buildQuery renders q as a parameterised SELECT. Field names are passed as
// parameters too, so callers cannot inject SQL through filter keys.
func buildQuery(q model.CatalogQuery) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, kind, name, category, attributes, count(*) OVER () AS total
		FROM catalog_entities
		WHERE kind = $1`)
	args := []any{q.Kind}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Query != "" {
		fields := q.SearchFields
		if len(fields) == 0 {
			fields = defaultSearchFields
		}
		pattern := next("%" + escapeLike(q.Query) + "%")
		var ors []string
		for _, f := range fields {
			ors = append(ors, fmt.Sprintf("%s ILIKE %s", columnExpr(f, next), pattern))
		}
		b.WriteString(" AND (" + strings.Join(ors, " OR ") + ")")
	}

	for _, field := range sortedKeys(q.Equals) {
		want := q.Equals[field]
		if !equalityActive(want) {
			continue
		}
		fmt.Fprintf(&b, " AND lower(%s) = lower(%s)", columnExpr(field, next), next(want))
	}

	flagFields := make([]string, 0, len(q.Flags))
	for f := range q.Flags {
		flagFields = append(flagFields, f)
	}
	sort.Strings(flagFields)
	for _, field := range flagFields {
		f := next(field)
		fmt.Fprintf(&b, " AND %s = %s", truthyExpr(f), next(q.Flags[field]))
	}

	b.WriteString(" ORDER BY lower(name), id")
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + next(q.Limit))
	}
	if q.Offset > 0 {
		b.WriteString(" OFFSET " + next(q.Offset))
	}
	return b.String(), args
}

// buildCountQuery counts every match of q, ignoring its page window.
func buildCountQuery(q model.CatalogQuery) (string, []any) {
	q.Limit, q.Offset = 0, 0
	sql, args := buildQuery(q)
	return "SELECT count(*) FROM (" + sql + ") AS matched", args
}

// truthyExpr mirrors Truthy for the jsonb attribute named by param: boolean
// spellings of strings, and any non-zero number.
func truthyExpr(param string) string {
	param += "::text"
	return fmt.Sprintf(`(CASE jsonb_typeof(attributes -> %[1]s)
			WHEN 'boolean' THEN (attributes ->> %[1]s)::boolean
			WHEN 'number' THEN (attributes ->> %[1]s)::numeric <> 0
			WHEN 'string' THEN lower(trim(attributes ->> %[1]s)) IN ('true', 't', 'yes', 'y', '1')
			ELSE false END)`, param)
}

// columnExpr maps a field name to a text expression.
func columnExpr(field string, next func(any) string) string {
	switch field {
	case "id", "name", "kind", "category":
		return field
	}
	return "coalesce(attributes ->> " + next(field) + ", '')"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unmarshalAttributes(data []byte, e *model.Entity) error {
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, &e.Attributes); err != nil {
		return fmt.Errorf("unmarshal attributes of %s %q: %w", e.Kind, e.ID, err)
	}
	return nil
}
