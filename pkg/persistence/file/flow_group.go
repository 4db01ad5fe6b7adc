package file

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
)

const groupKind = "flow_groups"

// FlowGroupRepository stores flow groups as JSON files.
type FlowGroupRepository struct {
	persistence *Persistence
}

func (r *FlowGroupRepository) GetByID(_ context.Context, id string) (*models.FlowGroup, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	var group models.FlowGroup

	found, err := r.persistence.read(groupKind, id, &group)
	if err != nil || !found {
		return nil, err
	}

	return &group, nil
}

func (r *FlowGroupRepository) GetByName(_ context.Context, tenantID, name string) (*models.FlowGroup, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	var match *models.FlowGroup

	err := r.persistence.each(groupKind, func(data []byte) error {
		var group models.FlowGroup

		if err := json.Unmarshal(data, &group); err != nil {
			return fmt.Errorf("failed to unmarshal flow group: %w", err)
		}

		if group.TenantID == tenantID && group.Name == name {
			match = &group
		}

		return nil
	})

	return match, err
}

func (r *FlowGroupRepository) Create(_ context.Context, group *models.FlowGroup) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now().UTC()
	}

	return r.persistence.write(groupKind, group.ID, group)
}

// UpdateSettings replaces the settings map. The shared lock makes the
// read-modify-write of callers atomic in-process, eliminating the lost-update
// window the SQL store can only detect.
func (r *FlowGroupRepository) UpdateSettings(_ context.Context, id string, settings map[string]any) (int64, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	var group models.FlowGroup

	found, err := r.persistence.read(groupKind, id, &group)
	if err != nil {
		return 0, err
	}

	if !found {
		return 0, nil
	}

	group.Settings = settings

	if err := r.persistence.write(groupKind, id, &group); err != nil {
		return 0, err
	}

	return 1, nil
}
