// Package persistence provides the storage abstraction for flows, flow
// groups and flow runs.
package persistence

import (
	"context"
	"time"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// Persistence aggregates the repositories of one backing store.
type Persistence interface {
	Projects() ProjectRepository
	Flows() FlowRepository
	FlowGroups() FlowGroupRepository
	FlowRuns() FlowRunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ProjectRepository resolves project existence and tenancy.
type ProjectRepository interface {
	// GetByID returns nil, nil when the project does not exist.
	GetByID(ctx context.Context, id string) (*models.Project, error)
	Create(ctx context.Context, project *models.Project) error
}

// FlowRepository persists flows together with their tasks and edges.
type FlowRepository interface {
	// GetByID returns the flow with its tasks and edges, or nil, nil when
	// absent.
	GetByID(ctx context.Context, id string) (*models.Flow, error)

	// Save persists the flow, its tasks and its edges as one atomic unit.
	// A duplicate (tenant_id, version_group_id, version) fails with
	// ErrVersionConflict and leaves nothing behind.
	Save(ctx context.Context, flow *models.Flow) error

	// MaxVersion returns the highest version in the version group, or 0
	// when the group has no flows.
	MaxVersion(ctx context.Context, tenantID, versionGroupID string) (int, error)

	// SetArchived flips the archived flag; false when no row matched.
	SetArchived(ctx context.Context, id string, archived bool) (bool, error)

	// SetScheduleActive flips the schedule flag; false when no row matched.
	SetScheduleActive(ctx context.Context, id string, active bool) (bool, error)

	// UpdateProject moves the flow to another project of the same tenant;
	// false when no row matched the (flow, tenant-scoped project) pair.
	UpdateProject(ctx context.Context, id, projectID string) (bool, error)

	// Delete removes the flow and, through ownership, its tasks, edges and
	// runs; false when no row matched.
	Delete(ctx context.Context, id string) (bool, error)

	// ListSchedulable returns the ids of flows eligible for schedule
	// materialization: not archived and schedule active.
	ListSchedulable(ctx context.Context) ([]string, error)
}

// FlowGroupRepository persists version-group settings and schedule overrides.
type FlowGroupRepository interface {
	GetByID(ctx context.Context, id string) (*models.FlowGroup, error)

	// GetByName looks a group up by (tenant_id, version_group_id); nil, nil
	// when absent.
	GetByName(ctx context.Context, tenantID, name string) (*models.FlowGroup, error)

	Create(ctx context.Context, group *models.FlowGroup) error

	// UpdateSettings replaces the full settings map and reports affected
	// rows, so a lost race or deleted group is detectable.
	UpdateSettings(ctx context.Context, id string, settings map[string]any) (int64, error)
}

// FlowRunRepository persists execution requests.
type FlowRunRepository interface {
	// Create inserts the run unless a run with the same
	// (flow_id, idempotency_key) exists; then it reports created=false and
	// the existing run's id.
	Create(ctx context.Context, run *models.FlowRun) (id string, created bool, err error)

	// MaxAutoScheduledStart returns the scheduling watermark: the latest
	// scheduled start time across auto-scheduled runs, or nil when none.
	MaxAutoScheduledStart(ctx context.Context, flowID string) (*time.Time, error)

	// MarkAutoScheduled flips auto_scheduled on the given runs in one
	// batch update.
	MarkAutoScheduled(ctx context.Context, ids []string) error

	// DeleteScheduled removes Scheduled runs of the flow; autoOnly
	// restricts the purge to auto-scheduled ones.
	DeleteScheduled(ctx context.Context, flowID string, autoOnly bool) (int64, error)

	ListByFlow(ctx context.Context, flowID string) ([]*models.FlowRun, error)
}
