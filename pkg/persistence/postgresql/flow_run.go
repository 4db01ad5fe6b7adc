package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tideflow-io/tideflow/pkg/models"
)

// FlowRunRepository handles flow run rows.
type FlowRunRepository struct {
	db *sql.DB
}

// Create inserts the run; ON CONFLICT on the idempotency index makes a
// duplicate occurrence a no-op, and the existing run's id is returned with
// created=false.
func (r *FlowRunRepository) Create(ctx context.Context, run *models.FlowRun) (string, bool, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	parametersJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal run parameters: %w", err)
	}

	query := `
		INSERT INTO flow_runs (
			id, flow_id, tenant_id, scheduled_start_time, parameters, state,
			auto_scheduled, idempotency_key, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)
		ON CONFLICT (flow_id, idempotency_key) WHERE idempotency_key IS NOT NULL
		DO NOTHING
		RETURNING id
	`

	var id string

	err = r.db.QueryRowContext(ctx, query,
		run.ID, run.FlowID, run.TenantID, run.ScheduledStartTime,
		parametersJSON, run.State, run.AutoScheduled, run.IdempotencyKey,
		run.CreatedAt,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: the occurrence is already scheduled.
		existing := ""

		lookupErr := r.db.QueryRowContext(ctx,
			"SELECT id FROM flow_runs WHERE flow_id = $1 AND idempotency_key = $2",
			run.FlowID, run.IdempotencyKey,
		).Scan(&existing)
		if lookupErr != nil {
			return "", false, fmt.Errorf("failed to resolve existing run: %w", lookupErr)
		}

		return existing, false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("failed to insert flow run: %w", err)
	}

	return id, true, nil
}

func (r *FlowRunRepository) MaxAutoScheduledStart(ctx context.Context, flowID string) (*time.Time, error) {
	query := `
		SELECT MAX(scheduled_start_time)
		FROM flow_runs
		WHERE flow_id = $1 AND auto_scheduled = TRUE
	`

	var watermark sql.NullTime

	err := r.db.QueryRowContext(ctx, query, flowID).Scan(&watermark)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduling watermark: %w", err)
	}

	if !watermark.Valid {
		return nil, nil
	}

	t := watermark.Time.UTC()

	return &t, nil
}

func (r *FlowRunRepository) MarkAutoScheduled(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		"UPDATE flow_runs SET auto_scheduled = TRUE WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("failed to mark runs auto-scheduled: %w", err)
	}

	return nil
}

func (r *FlowRunRepository) DeleteScheduled(ctx context.Context, flowID string, autoOnly bool) (int64, error) {
	query := "DELETE FROM flow_runs WHERE flow_id = $1 AND state = $2"
	args := []any{flowID, models.RunStateScheduled}

	if autoOnly {
		query += " AND auto_scheduled = TRUE"
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete scheduled runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected, nil
}

func (r *FlowRunRepository) ListByFlow(ctx context.Context, flowID string) ([]*models.FlowRun, error) {
	query := `
		SELECT id, flow_id, tenant_id, scheduled_start_time, parameters,
			state, auto_scheduled, COALESCE(idempotency_key, ''), created_at
		FROM flow_runs
		WHERE flow_id = $1
		ORDER BY scheduled_start_time
	`

	rows, err := r.db.QueryContext(ctx, query, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow runs: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	runs := make([]*models.FlowRun, 0)

	for rows.Next() {
		var (
			run        models.FlowRun
			parameters []byte
		)

		err := rows.Scan(
			&run.ID, &run.FlowID, &run.TenantID, &run.ScheduledStartTime,
			&parameters, &run.State, &run.AutoScheduled, &run.IdempotencyKey,
			&run.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow run: %w", err)
		}

		if parameters != nil {
			if err := json.Unmarshal(parameters, &run.Parameters); err != nil {
				return nil, fmt.Errorf("failed to unmarshal run parameters: %w", err)
			}
		}

		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow runs: %w", err)
	}

	return runs, nil
}
