package file

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
)

const flowKind = "flows"

// FlowRepository stores flows (with tasks and edges inline) as JSON files.
type FlowRepository struct {
	persistence *Persistence
}

func (r *FlowRepository) GetByID(_ context.Context, id string) (*models.Flow, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	return r.getLocked(id)
}

func (r *FlowRepository) getLocked(id string) (*models.Flow, error) {
	var flow models.Flow

	found, err := r.persistence.read(flowKind, id, &flow)
	if err != nil || !found {
		return nil, err
	}

	return &flow, nil
}

// Save writes the flow as one file, which makes the flow+tasks+edges unit
// naturally atomic. The version uniqueness check mirrors the SQL store's
// unique index.
func (r *FlowRepository) Save(_ context.Context, flow *models.Flow) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}

	conflict := false

	err := r.persistence.each(flowKind, func(data []byte) error {
		var existing models.Flow

		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("failed to unmarshal flow: %w", err)
		}

		if existing.ID != flow.ID &&
			existing.TenantID == flow.TenantID &&
			existing.VersionGroupID == flow.VersionGroupID &&
			existing.Version == flow.Version {
			conflict = true
		}

		return nil
	})
	if err != nil {
		return err
	}

	if conflict {
		return persistence.NewFlowError("Save", flow.ID, persistence.ErrVersionConflict)
	}

	return r.persistence.write(flowKind, flow.ID, flow)
}

func (r *FlowRepository) MaxVersion(_ context.Context, tenantID, versionGroupID string) (int, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	maxVersion := 0

	err := r.persistence.each(flowKind, func(data []byte) error {
		var flow models.Flow

		if err := json.Unmarshal(data, &flow); err != nil {
			return fmt.Errorf("failed to unmarshal flow: %w", err)
		}

		if flow.TenantID == tenantID && flow.VersionGroupID == versionGroupID && flow.Version > maxVersion {
			maxVersion = flow.Version
		}

		return nil
	})

	return maxVersion, err
}

func (r *FlowRepository) SetArchived(_ context.Context, id string, archived bool) (bool, error) {
	return r.update(id, func(flow *models.Flow) {
		flow.Archived = archived
	})
}

func (r *FlowRepository) SetScheduleActive(_ context.Context, id string, active bool) (bool, error) {
	return r.update(id, func(flow *models.Flow) {
		flow.IsScheduleActive = active
	})
}

func (r *FlowRepository) UpdateProject(ctx context.Context, id, projectID string) (bool, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	flow, err := r.getLocked(id)
	if err != nil || flow == nil {
		return false, err
	}

	var project models.Project

	found, err := r.persistence.read(projectKind, projectID, &project)
	if err != nil {
		return false, err
	}

	// The target project must belong to the flow's tenant.
	if !found || project.TenantID != flow.TenantID {
		return false, nil
	}

	flow.ProjectID = projectID

	return true, r.persistence.write(flowKind, id, flow)
}

func (r *FlowRepository) Delete(_ context.Context, id string) (bool, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	removed, err := r.persistence.remove(flowKind, id)
	if err != nil || !removed {
		return false, err
	}

	// Runs are owned by the flow.
	var runIDs []string

	err = r.persistence.each(runKind, func(data []byte) error {
		var run models.FlowRun

		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("failed to unmarshal flow run: %w", err)
		}

		if run.FlowID == id {
			runIDs = append(runIDs, run.ID)
		}

		return nil
	})
	if err != nil {
		return true, err
	}

	for _, runID := range runIDs {
		if _, err := r.persistence.remove(runKind, runID); err != nil {
			return true, err
		}
	}

	return true, nil
}

func (r *FlowRepository) ListSchedulable(_ context.Context) ([]string, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	var ids []string

	err := r.persistence.each(flowKind, func(data []byte) error {
		var flow models.Flow

		if err := json.Unmarshal(data, &flow); err != nil {
			return fmt.Errorf("failed to unmarshal flow: %w", err)
		}

		if !flow.Archived && flow.IsScheduleActive {
			ids = append(ids, flow.ID)
		}

		return nil
	})

	return ids, err
}

func (r *FlowRepository) update(id string, apply func(*models.Flow)) (bool, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	flow, err := r.getLocked(id)
	if err != nil || flow == nil {
		return false, err
	}

	apply(flow)

	return true, r.persistence.write(flowKind, id, flow)
}
