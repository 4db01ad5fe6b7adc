package file

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
)

const runKind = "flow_runs"

// FlowRunRepository stores flow runs as JSON files.
type FlowRunRepository struct {
	persistence *Persistence
}

// Create inserts the run unless its idempotency key is already taken for the
// flow, mirroring the SQL store's unique index + ON CONFLICT DO NOTHING.
func (r *FlowRunRepository) Create(_ context.Context, run *models.FlowRun) (string, bool, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	if run.IdempotencyKey != "" {
		existingID := ""

		err := r.persistence.each(runKind, func(data []byte) error {
			var existing models.FlowRun

			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("failed to unmarshal flow run: %w", err)
			}

			if existing.FlowID == run.FlowID && existing.IdempotencyKey == run.IdempotencyKey {
				existingID = existing.ID
			}

			return nil
		})
		if err != nil {
			return "", false, err
		}

		if existingID != "" {
			return existingID, false, nil
		}
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	if err := r.persistence.write(runKind, run.ID, run); err != nil {
		return "", false, err
	}

	return run.ID, true, nil
}

func (r *FlowRunRepository) MaxAutoScheduledStart(_ context.Context, flowID string) (*time.Time, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	var watermark *time.Time

	err := r.persistence.each(runKind, func(data []byte) error {
		var run models.FlowRun

		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("failed to unmarshal flow run: %w", err)
		}

		if run.FlowID != flowID || !run.AutoScheduled {
			return nil
		}

		if watermark == nil || run.ScheduledStartTime.After(*watermark) {
			t := run.ScheduledStartTime

			watermark = &t
		}

		return nil
	})

	return watermark, err
}

func (r *FlowRunRepository) MarkAutoScheduled(_ context.Context, ids []string) error {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	for _, id := range ids {
		var run models.FlowRun

		found, err := r.persistence.read(runKind, id, &run)
		if err != nil {
			return err
		}

		if !found {
			continue
		}

		run.AutoScheduled = true

		if err := r.persistence.write(runKind, id, &run); err != nil {
			return err
		}
	}

	return nil
}

func (r *FlowRunRepository) DeleteScheduled(_ context.Context, flowID string, autoOnly bool) (int64, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	var doomed []string

	err := r.persistence.each(runKind, func(data []byte) error {
		var run models.FlowRun

		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("failed to unmarshal flow run: %w", err)
		}

		if run.FlowID != flowID || run.State != models.RunStateScheduled {
			return nil
		}

		if autoOnly && !run.AutoScheduled {
			return nil
		}

		doomed = append(doomed, run.ID)

		return nil
	})
	if err != nil {
		return 0, err
	}

	var deleted int64

	for _, id := range doomed {
		removed, err := r.persistence.remove(runKind, id)
		if err != nil {
			return deleted, err
		}

		if removed {
			deleted++
		}
	}

	return deleted, nil
}

func (r *FlowRunRepository) ListByFlow(_ context.Context, flowID string) ([]*models.FlowRun, error) {
	r.persistence.mu.Lock()
	defer r.persistence.mu.Unlock()

	runs := make([]*models.FlowRun, 0)

	err := r.persistence.each(runKind, func(data []byte) error {
		var run models.FlowRun

		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("failed to unmarshal flow run: %w", err)
		}

		if run.FlowID == flowID {
			runs = append(runs, &run)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].ScheduledStartTime.Before(runs[j].ScheduledStartTime)
	})

	return runs, nil
}
