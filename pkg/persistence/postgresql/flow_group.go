package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// FlowGroupRepository handles flow group rows.
type FlowGroupRepository struct {
	db *sql.DB
}

func (r *FlowGroupRepository) GetByID(ctx context.Context, id string) (*models.FlowGroup, error) {
	query := `
		SELECT id, tenant_id, name, settings, schedule, created_at
		FROM flow_groups
		WHERE id = $1
	`

	return r.scanGroup(r.db.QueryRowContext(ctx, query, id))
}

func (r *FlowGroupRepository) GetByName(ctx context.Context, tenantID, name string) (*models.FlowGroup, error) {
	query := `
		SELECT id, tenant_id, name, settings, schedule, created_at
		FROM flow_groups
		WHERE tenant_id = $1 AND name = $2
	`

	return r.scanGroup(r.db.QueryRowContext(ctx, query, tenantID, name))
}

func (r *FlowGroupRepository) scanGroup(row *sql.Row) (*models.FlowGroup, error) {
	var (
		group    models.FlowGroup
		settings []byte
		schedule []byte
	)

	err := row.Scan(&group.ID, &group.TenantID, &group.Name, &settings, &schedule, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan flow group: %w", err)
	}

	if err := json.Unmarshal(settings, &group.Settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	group.Schedule = schedule

	return &group, nil
}

func (r *FlowGroupRepository) Create(ctx context.Context, group *models.FlowGroup) error {
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now().UTC()
	}

	settingsJSON, err := json.Marshal(group.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO flow_groups (id, tenant_id, name, settings, schedule, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(ctx, query,
		group.ID, group.TenantID, group.Name, settingsJSON,
		nullableJSON(group.Schedule), group.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert flow group: %w", err)
	}

	return nil
}

// UpdateSettings replaces the full settings map. The affected-rows count lets
// callers detect a deleted group or a lost concurrent write.
func (r *FlowGroupRepository) UpdateSettings(ctx context.Context, id string, settings map[string]any) (int64, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal settings: %w", err)
	}

	result, err := r.db.ExecContext(ctx, "UPDATE flow_groups SET settings = $2 WHERE id = $1", id, settingsJSON)
	if err != nil {
		return 0, fmt.Errorf("failed to update settings: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return affected, nil
}
