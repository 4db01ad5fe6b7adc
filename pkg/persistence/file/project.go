package file

import (
	"context"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
)

const projectKind = "projects"

// ProjectRepository stores projects as JSON files.
type ProjectRepository struct {
	persistence *Persistence
}

func (r *ProjectRepository) GetByID(_ context.Context, id string) (*models.Project, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	var project models.Project

	found, err := r.persistence.read(projectKind, id, &project)
	if err != nil || !found {
		return nil, err
	}

	return &project, nil
}

func (r *ProjectRepository) Create(_ context.Context, project *models.Project) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}

	return r.persistence.write(projectKind, project.ID, project)
}
