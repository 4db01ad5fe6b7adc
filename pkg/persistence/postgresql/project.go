package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// ProjectRepository handles project lookups and creation.
type ProjectRepository struct {
	db *sql.DB
}

func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*models.Project, error) {
	query := `
		SELECT id, tenant_id, name, created_at
		FROM projects
		WHERE id = $1
	`

	var project models.Project

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&project.ID,
		&project.TenantID,
		&project.Name,
		&project.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query project: %w", err)
	}

	return &project, nil
}

func (r *ProjectRepository) Create(ctx context.Context, project *models.Project) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO projects (id, tenant_id, name, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.ExecContext(ctx, query, project.ID, project.TenantID, project.Name, project.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}

	return nil
}
