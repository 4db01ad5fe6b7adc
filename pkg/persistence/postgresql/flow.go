package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
)

// FlowRepository handles flow, task and edge rows.
type FlowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func (r *FlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	query := `
		SELECT
			id
		  , tenant_id
		  , project_id
		  , flow_group_id
		  , name
		  , description
		  , version_group_id
		  , version
		  , schedule
		  , is_schedule_active
		  , archived
		  , parameters
		  , environment
		  , storage
		  , core_version
		  , serialized_flow
		  , created_at
		FROM flows
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	flow, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}

	if err := r.loadTasksAndEdges(ctx, flow); err != nil {
		return nil, err
	}

	return flow, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var (
		flow        models.Flow
		schedule    []byte
		parameters  []byte
		environment []byte
		storage     []byte
		serialized  []byte
	)

	err := row.Scan(
		&flow.ID,
		&flow.TenantID,
		&flow.ProjectID,
		&flow.FlowGroupID,
		&flow.Name,
		&flow.Description,
		&flow.VersionGroupID,
		&flow.Version,
		&schedule,
		&flow.IsScheduleActive,
		&flow.Archived,
		&parameters,
		&environment,
		&storage,
		&flow.CoreVersion,
		&serialized,
		&flow.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	flow.Schedule = schedule
	flow.Serialized = serialized

	if parameters != nil {
		if err := json.Unmarshal(parameters, &flow.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}

	if environment != nil {
		if err := json.Unmarshal(environment, &flow.Environment); err != nil {
			return nil, fmt.Errorf("failed to unmarshal environment: %w", err)
		}
	}

	if storage != nil {
		if err := json.Unmarshal(storage, &flow.Storage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal storage: %w", err)
		}
	}

	return &flow, nil
}

func (r *FlowRepository) loadTasksAndEdges(ctx context.Context, flow *models.Flow) error {
	taskQuery := `
		SELECT
			id, flow_id, tenant_id, name, slug, type, tags, max_retries,
			retry_delay_seconds, cache_key, trigger, auto_generated, mapped,
			is_reference_task, is_root_task, is_terminal_task
		FROM tasks
		WHERE flow_id = $1
		ORDER BY slug
	`

	rows, err := r.db.QueryContext(ctx, taskQuery, flow.ID)
	if err != nil {
		return fmt.Errorf("failed to query tasks: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	for rows.Next() {
		var (
			task models.Task
			tags []byte
		)

		err := rows.Scan(
			&task.ID, &task.FlowID, &task.TenantID, &task.Name, &task.Slug,
			&task.Type, &tags, &task.MaxRetries, &task.RetryDelaySeconds,
			&task.CacheKey, &task.Trigger, &task.AutoGenerated, &task.Mapped,
			&task.IsReferenceTask, &task.IsRootTask, &task.IsTerminalTask,
		)
		if err != nil {
			return fmt.Errorf("failed to scan task: %w", err)
		}

		if tags != nil {
			if err := json.Unmarshal(tags, &task.Tags); err != nil {
				return fmt.Errorf("failed to unmarshal task tags: %w", err)
			}
		}

		flow.Tasks = append(flow.Tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tasks: %w", err)
	}

	edgeQuery := `
		SELECT id, flow_id, tenant_id, upstream_task_id, downstream_task_id, key, mapped
		FROM edges
		WHERE flow_id = $1
	`

	edgeRows, err := r.db.QueryContext(ctx, edgeQuery, flow.ID)
	if err != nil {
		return fmt.Errorf("failed to query edges: %w", err)
	}

	defer func() {
		if err := edgeRows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	for edgeRows.Next() {
		var edge models.Edge

		err := edgeRows.Scan(
			&edge.ID, &edge.FlowID, &edge.TenantID,
			&edge.UpstreamTaskID, &edge.DownstreamTaskID, &edge.Key, &edge.Mapped,
		)
		if err != nil {
			return fmt.Errorf("failed to scan edge: %w", err)
		}

		flow.Edges = append(flow.Edges, &edge)
	}

	if err := edgeRows.Err(); err != nil {
		return fmt.Errorf("error iterating edges: %w", err)
	}

	return nil
}

// Save persists the flow with its tasks and edges in one transaction. The
// unique index on (tenant_id, version_group_id, version) turns a lost
// version-assignment race into ErrVersionConflict.
func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	parametersJSON, err := json.Marshal(flow.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	environmentJSON, err := json.Marshal(flow.Environment)
	if err != nil {
		return fmt.Errorf("failed to marshal environment: %w", err)
	}

	storageJSON, err := json.Marshal(flow.Storage)
	if err != nil {
		return fmt.Errorf("failed to marshal storage: %w", err)
	}

	flowQuery := `
		INSERT INTO flows (
			id, tenant_id, project_id, flow_group_id, name, description,
			version_group_id, version, schedule, is_schedule_active, archived,
			parameters, environment, storage, core_version, serialized_flow,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = tx.ExecContext(ctx, flowQuery,
		flow.ID,
		flow.TenantID,
		flow.ProjectID,
		flow.FlowGroupID,
		flow.Name,
		flow.Description,
		flow.VersionGroupID,
		flow.Version,
		nullableJSON(flow.Schedule),
		flow.IsScheduleActive,
		flow.Archived,
		parametersJSON,
		environmentJSON,
		storageJSON,
		flow.CoreVersion,
		nullableJSON(flow.Serialized),
		flow.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewFlowError("Save", flow.ID, persistence.ErrVersionConflict)
		}

		return fmt.Errorf("failed to insert flow: %w", err)
	}

	taskQuery := `
		INSERT INTO tasks (
			id, flow_id, tenant_id, name, slug, type, tags, max_retries,
			retry_delay_seconds, cache_key, trigger, auto_generated, mapped,
			is_reference_task, is_root_task, is_terminal_task
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	for _, task := range flow.Tasks {
		tagsJSON, err := json.Marshal(task.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal task tags: %w", err)
		}

		_, err = tx.ExecContext(ctx, taskQuery,
			task.ID, flow.ID, flow.TenantID, task.Name, task.Slug, task.Type,
			tagsJSON, task.MaxRetries, task.RetryDelaySeconds, task.CacheKey,
			task.Trigger, task.AutoGenerated, task.Mapped,
			task.IsReferenceTask, task.IsRootTask, task.IsTerminalTask,
		)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.Slug, err)
		}
	}

	edgeQuery := `
		INSERT INTO edges (id, flow_id, tenant_id, upstream_task_id, downstream_task_id, key, mapped)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	for _, edge := range flow.Edges {
		_, err = tx.ExecContext(ctx, edgeQuery,
			edge.ID, flow.ID, flow.TenantID,
			edge.UpstreamTaskID, edge.DownstreamTaskID, edge.Key, edge.Mapped,
		)
		if err != nil {
			return fmt.Errorf("failed to insert edge: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit flow: %w", err)
	}

	return nil
}

func (r *FlowRepository) MaxVersion(ctx context.Context, tenantID, versionGroupID string) (int, error) {
	var version int

	query := `
		SELECT COALESCE(MAX(version), 0)
		FROM flows
		WHERE tenant_id = $1 AND version_group_id = $2
	`

	err := r.db.QueryRowContext(ctx, query, tenantID, versionGroupID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query max version: %w", err)
	}

	return version, nil
}

func (r *FlowRepository) SetArchived(ctx context.Context, id string, archived bool) (bool, error) {
	return r.exec(ctx, "UPDATE flows SET archived = $2 WHERE id = $1", id, archived)
}

func (r *FlowRepository) SetScheduleActive(ctx context.Context, id string, active bool) (bool, error) {
	return r.exec(ctx, "UPDATE flows SET is_schedule_active = $2 WHERE id = $1", id, active)
}

// UpdateProject moves the flow only to a project of the same tenant.
func (r *FlowRepository) UpdateProject(ctx context.Context, id, projectID string) (bool, error) {
	query := `
		UPDATE flows
		SET project_id = $2
		WHERE id = $1
		  AND EXISTS (
			SELECT 1 FROM projects
			WHERE projects.id = $2 AND projects.tenant_id = flows.tenant_id
		  )
	`

	return r.exec(ctx, query, id, projectID)
}

func (r *FlowRepository) Delete(ctx context.Context, id string) (bool, error) {
	return r.exec(ctx, "DELETE FROM flows WHERE id = $1", id)
}

func (r *FlowRepository) ListSchedulable(ctx context.Context) ([]string, error) {
	query := `
		SELECT id
		FROM flows
		WHERE NOT archived AND is_schedule_active
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedulable flows: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var ids []string

	for rows.Next() {
		var id string

		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan flow id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedulable flows: %w", err)
	}

	return ids, nil
}

func (r *FlowRepository) exec(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to execute flow update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected > 0, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return []byte(raw)
}
