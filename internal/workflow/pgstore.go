package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/careportal/model"
)

const instanceColumns = `id, workflow_id, tenant_id, subject_id,
	current_step, stage, status, draft, selections, confirmation,
	last_error, submit_attempts, version,
	created_at, updated_at, expires_at`

// PgWorkflowStore is a PostgreSQL-backed WorkflowStore using pgx/v5.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
}

// NewPgWorkflowStore creates a new PostgreSQL workflow store.
func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool}
}

// Create inserts a new workflow instance.
func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	cols, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		inst.ID, inst.WorkflowID, inst.TenantID, inst.SubjectID,
		inst.CurrentStep, inst.Stage, inst.Status, cols.draft, cols.selections, cols.confirmation,
		inst.LastError, inst.SubmitAttempts, inst.Version,
		inst.CreatedAt, inst.UpdatedAt, inst.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

// Get retrieves a workflow instance by ID, scoped to tenant.
func (s *PgWorkflowStore) Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, notFound(instanceID)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Update persists an updated instance with optimistic locking.
func (s *PgWorkflowStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	cols, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	updatedAt := inst.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			current_step = $1,
			stage = $2,
			status = $3,
			draft = $4,
			selections = $5,
			confirmation = $6,
			last_error = $7,
			submit_attempts = $8,
			version = $9,
			updated_at = $10,
			expires_at = $11
		WHERE id = $12 AND version = $13`,
		inst.CurrentStep, inst.Stage, inst.Status, cols.draft, cols.selections, cols.confirmation,
		inst.LastError, inst.SubmitAttempts, inst.Version+1,
		updatedAt, inst.ExpiresAt,
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the workflow audit trail.
func (s *PgWorkflowStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_events (
			id, workflow_instance_id, step_id, event, actor_id, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.WorkflowInstanceID, event.StepID, event.Event,
		event.ActorID, dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for a workflow instance.
func (s *PgWorkflowStore) GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.id, e.workflow_instance_id, e.step_id, e.event, e.actor_id, e.data, e.comment, e.created_at
		FROM workflow_events e
		JOIN workflow_instances i ON i.id = e.workflow_instance_id
		WHERE e.workflow_instance_id = $1 AND i.tenant_id = $2
		ORDER BY e.created_at ASC, e.id ASC`,
		instanceID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowInstanceID, &evt.StepID, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		// Distinguish an instance with no events from a missing one.
		if _, err := s.Get(ctx, tenantID, instanceID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Find returns a tenant's instances matching filters, newest first.
func (s *PgWorkflowStore) Find(ctx context.Context, tenantID string, filters WorkflowFilters) ([]model.WorkflowInstance, int, error) {
	where, args := filterClause(tenantID, filters)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workflow_instances WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflow instances: %w", err)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE ` + where +
		` ORDER BY created_at DESC, id ASC`
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	instances, err := s.queryInstances(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return instances, total, nil
}

// FindExpired returns active instances past their expiration time.
func (s *PgWorkflowStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE status = 'active' AND stage <> 'submitting'
		  AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC`, cutoff)
}

// FindStaleSubmissions returns instances stuck in the submitting stage.
func (s *PgWorkflowStore) FindStaleSubmissions(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE status = 'active' AND stage = 'submitting' AND updated_at < $1
		ORDER BY updated_at ASC`, cutoff)
}

// FindFinished returns terminal instances last updated before cutoff.
func (s *PgWorkflowStore) FindFinished(ctx context.Context, cutoff time.Time) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE status <> 'active' AND updated_at < $1
		ORDER BY updated_at ASC`, cutoff)
}

// Delete removes a workflow instance; its events go with it.
func (s *PgWorkflowStore) Delete(ctx context.Context, tenantID, instanceID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(instanceID)
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgWorkflowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// queryInstances executes a query and returns workflow instances.
func (s *PgWorkflowStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func filterClause(tenantID string, filters WorkflowFilters) (string, []any) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("workflow_id", filters.WorkflowID)
	add("status", filters.Status)
	add("subject_id", filters.SubjectID)
	return strings.Join(conds, " AND "), args
}

type encodedColumns struct {
	draft        []byte
	selections   []byte
	confirmation []byte
}

func encodeInstance(inst model.WorkflowInstance) (encodedColumns, error) {
	var out encodedColumns
	var err error

	draft := inst.Draft
	if draft == nil {
		draft = map[string]any{}
	}
	if out.draft, err = json.Marshal(draft); err != nil {
		return out, fmt.Errorf("marshal draft: %w", err)
	}
	selections := inst.Selections
	if selections == nil {
		selections = map[string]string{}
	}
	if out.selections, err = json.Marshal(selections); err != nil {
		return out, fmt.Errorf("marshal selections: %w", err)
	}
	if inst.Confirmation != nil {
		if out.confirmation, err = json.Marshal(inst.Confirmation); err != nil {
			return out, fmt.Errorf("marshal confirmation: %w", err)
		}
	}
	return out, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var draftJSON, selectionsJSON, confirmationJSON []byte
	if err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.TenantID, &inst.SubjectID,
		&inst.CurrentStep, &inst.Stage, &inst.Status, &draftJSON, &selectionsJSON, &confirmationJSON,
		&inst.LastError, &inst.SubmitAttempts, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.ExpiresAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}

	inst.Draft = map[string]any{}
	if len(draftJSON) > 0 {
		if err := json.Unmarshal(draftJSON, &inst.Draft); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal draft: %w", err)
		}
	}
	if len(selectionsJSON) > 0 {
		if err := json.Unmarshal(selectionsJSON, &inst.Selections); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal selections: %w", err)
		}
	}
	if len(confirmationJSON) > 0 {
		inst.Confirmation = &model.Confirmation{}
		if err := json.Unmarshal(confirmationJSON, inst.Confirmation); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal confirmation: %w", err)
		}
	}
	return inst, nil
}
