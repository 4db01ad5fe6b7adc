package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/tideflow-io/tideflow/pkg/events"
	"github.com/tideflow-io/tideflow/pkg/eventbus"
	"github.com/tideflow-io/tideflow/pkg/graph"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/schema"
)

const defaultMaxScheduledRuns = 10

// FlowService owns the flow lifecycle: versioned registration, archival,
// schedule toggling and run materialization.
type FlowService struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger

	// coreVersionCutoff, when set (e.g. "0.6.1"), rejects submissions whose
	// producer version tag is older.
	coreVersionCutoff string

	// maxScheduledRuns caps how many future runs one materialization pass
	// creates per flow.
	maxScheduledRuns int
}

// NewFlowService creates a flow service. eventBus may be nil; mutations then
// happen without notifications.
func NewFlowService(p persistence.Persistence, bus eventbus.EventBus, logger *slog.Logger) *FlowService {
	return &FlowService{
		persistence:      p,
		eventBus:         bus,
		logger:           logger.With("module", "flow_service"),
		maxScheduledRuns: defaultMaxScheduledRuns,
	}
}

// WithCoreVersionCutoff sets the minimum accepted producer version.
func (s *FlowService) WithCoreVersionCutoff(version string) *FlowService {
	s.coreVersionCutoff = version

	return s
}

// WithMaxScheduledRuns overrides the per-pass materialization cap.
func (s *FlowService) WithMaxScheduledRuns(limit int) *FlowService {
	if limit > 0 {
		s.maxScheduledRuns = limit
	}

	return s
}

// HealthCheck checks the health of the persistence layer.
func (s *FlowService) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// CreateFlowRequest carries one flow submission.
type CreateFlowRequest struct {
	TenantID  string `validate:"required"`
	ProjectID string `validate:"required"`

	// Submission is the raw serialized flow definition.
	Submission []byte `validate:"required"`

	// VersionGroupID pins the submission to an existing version lineage.
	// Empty means derive one from (tenant, project, name).
	VersionGroupID string

	// SetScheduleActive activates the schedule immediately, which also runs
	// a first materialization pass.
	SetScheduleActive bool

	Description string
}

// CreateFlow registers a new flow version. Identical re-submissions land in
// the same version group with an incremented version; the group's settings
// are created once and shared by every version. It returns the new flow's id.
func (s *FlowService) CreateFlow(ctx context.Context, req CreateFlowRequest) (string, error) {
	const op = "create_flow"

	if req.TenantID == "" {
		return "", NewValidationError(op, "MISSING_TENANT", "tenant id is required", ErrInvalidFlowID)
	}

	if req.ProjectID == "" {
		return "", NewValidationError(op, "MISSING_PROJECT", "project id is required", ErrInvalidProjectID)
	}

	submission, err := schema.Decode(req.Submission)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if err := s.checkCoreVersion(submission); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	// All validation happens before the first write, so a rejected
	// submission leaves no orphaned group or half-registered flow.
	if err := checkRequiredParameters(submission); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	project, err := s.persistence.Projects().GetByID(ctx, req.ProjectID)
	if err != nil {
		return "", fmt.Errorf("%s: failed to load project: %w", op, err)
	}

	if project == nil || project.TenantID != req.TenantID {
		return "", fmt.Errorf("%s: project %s: %w", op, req.ProjectID, ErrProjectNotFound)
	}

	roles, err := analyzeGraph(submission)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	versionGroupID := req.VersionGroupID
	if versionGroupID == "" {
		versionGroupID = deriveVersionGroupID(req.TenantID, req.ProjectID, submission.Name)
	}

	group, err := s.resolveFlowGroup(ctx, req.TenantID, versionGroupID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	flow, err := s.buildFlow(ctx, req, submission, roles, versionGroupID, group.ID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	// Save is atomic; losing the version race to a concurrent submission
	// surfaces as ErrVersionConflict with nothing persisted.
	if err := s.persistence.Flows().Save(ctx, flow); err != nil {
		return "", fmt.Errorf("%s: failed to save flow: %w", op, err)
	}

	s.logger.InfoContext(ctx, "flow created",
		"flow_id", flow.ID,
		"version_group_id", flow.VersionGroupID,
		"version", flow.Version,
		"tenant_id", flow.TenantID,
	)

	s.publish(ctx, flow.ID, events.FlowCreated{
		BaseEvent:      s.baseEvent(events.FlowCreatedEvent, flow.TenantID, flow.ID),
		ProjectID:      flow.ProjectID,
		VersionGroupID: flow.VersionGroupID,
		Version:        flow.Version,
	})

	if flow.IsScheduleActive {
		if _, err := s.ScheduleFlowRuns(ctx, flow.ID, nil); err != nil {
			// The flow is registered; materialization retries on the next
			// sweep.
			s.logger.WarnContext(ctx, "initial run materialization failed",
				"flow_id", flow.ID, "error", err)
		}
	}

	return flow.ID, nil
}

// GetFlow loads a flow with its tasks and edges.
func (s *FlowService) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	const op = "get_flow"

	flow, err := s.loadFlow(ctx, op, flowID)
	if err != nil {
		return nil, err
	}

	return flow, nil
}

// ListFlowRuns returns the runs of a flow ordered by scheduled start time.
func (s *FlowService) ListFlowRuns(ctx context.Context, flowID string) ([]*models.FlowRun, error) {
	const op = "list_flow_runs"

	if _, err := s.loadFlow(ctx, op, flowID); err != nil {
		return nil, err
	}

	runs, err := s.persistence.FlowRuns().ListByFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return runs, nil
}

// DeleteFlow removes a flow version and everything it owns. Other versions of
// the group and the group itself survive.
func (s *FlowService) DeleteFlow(ctx context.Context, flowID string) error {
	const op = "delete_flow"

	flow, err := s.loadFlow(ctx, op, flowID)
	if err != nil {
		return err
	}

	deleted, err := s.persistence.Flows().Delete(ctx, flowID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if !deleted {
		return fmt.Errorf("%s: flow %s: %w", op, flowID, ErrFlowNotFound)
	}

	s.logger.InfoContext(ctx, "flow deleted", "flow_id", flowID)

	s.publish(ctx, flowID, events.FlowDeleted{
		BaseEvent: s.baseEvent(events.FlowDeletedEvent, flow.TenantID, flowID),
	})

	return nil
}

// ArchiveFlow retires a flow version: it stops materialization and purges all
// its not-yet-started Scheduled runs, manually created ones included. The
// purge runs on every call, so re-archiving sweeps up runs created after the
// first archive.
func (s *FlowService) ArchiveFlow(ctx context.Context, flowID string) error {
	const op = "archive_flow"

	flow, err := s.loadFlow(ctx, op, flowID)
	if err != nil {
		return err
	}

	if !flow.Archived {
		if _, err := s.persistence.Flows().SetArchived(ctx, flowID, true); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	deleted, err := s.persistence.FlowRuns().DeleteScheduled(ctx, flowID, false)
	if err != nil {
		return fmt.Errorf("%s: failed to purge scheduled runs: %w", op, err)
	}

	s.logger.InfoContext(ctx, "flow archived", "flow_id", flowID, "deleted_runs", deleted)

	if !flow.Archived {
		s.publish(ctx, flowID, events.FlowArchived{
			BaseEvent:   s.baseEvent(events.FlowArchivedEvent, flow.TenantID, flowID),
			DeletedRuns: deleted,
		})
	}

	return nil
}

// UnarchiveFlow brings an archived flow back. When its schedule flag is still
// active, a materialization pass refills the run horizon immediately.
func (s *FlowService) UnarchiveFlow(ctx context.Context, flowID string) error {
	const op = "unarchive_flow"

	flow, err := s.loadFlow(ctx, op, flowID)
	if err != nil {
		return err
	}

	if !flow.Archived {
		return nil
	}

	if _, err := s.persistence.Flows().SetArchived(ctx, flowID, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if flow.IsScheduleActive {
		if _, err := s.ScheduleFlowRuns(ctx, flowID, nil); err != nil {
			s.logger.WarnContext(ctx, "post-unarchive materialization failed",
				"flow_id", flowID, "error", err)
		}
	}

	s.publish(ctx, flowID, events.FlowUnarchived{
		BaseEvent: s.baseEvent(events.FlowUnarchivedEvent, flow.TenantID, flowID),
	})

	return nil
}

// UpdateFlowProject moves a flow to another project of the same tenant.
func (s *FlowService) UpdateFlowProject(ctx context.Context, flowID, projectID string) error {
	const op = "update_flow_project"

	if projectID == "" {
		return NewValidationError(op, "MISSING_PROJECT", "project id is required", ErrInvalidProjectID)
	}

	flow, err := s.loadFlow(ctx, op, flowID)
	if err != nil {
		return err
	}

	project, err := s.persistence.Projects().GetByID(ctx, projectID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if project == nil || project.TenantID != flow.TenantID {
		return fmt.Errorf("%s: project %s: %w", op, projectID, ErrProjectNotFound)
	}

	moved, err := s.persistence.Flows().UpdateProject(ctx, flowID, projectID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if !moved {
		return fmt.Errorf("%s: flow %s: %w", op, flowID, ErrFlowNotFound)
	}

	return nil
}

// SetScheduleActive turns the schedule on and immediately materializes the
// run horizon.
func (s *FlowService) SetScheduleActive(ctx context.Context, flowID string) error {
	const op = "set_schedule_active"

	if _, err := s.loadFlow(ctx, op, flowID); err != nil {
		return err
	}

	if _, err := s.persistence.Flows().SetScheduleActive(ctx, flowID, true); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := s.ScheduleFlowRuns(ctx, flowID, nil); err != nil {
		s.logger.WarnContext(ctx, "post-activation materialization failed",
			"flow_id", flowID, "error", err)
	}

	return nil
}

// SetScheduleInactive turns the schedule off and deletes the auto-scheduled
// Scheduled runs. Manually created runs survive, unlike archiving.
func (s *FlowService) SetScheduleInactive(ctx context.Context, flowID string) error {
	const op = "set_schedule_inactive"

	if _, err := s.loadFlow(ctx, op, flowID); err != nil {
		return err
	}

	if _, err := s.persistence.Flows().SetScheduleActive(ctx, flowID, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	deleted, err := s.persistence.FlowRuns().DeleteScheduled(ctx, flowID, true)
	if err != nil {
		return fmt.Errorf("%s: failed to purge auto-scheduled runs: %w", op, err)
	}

	s.logger.InfoContext(ctx, "schedule deactivated", "flow_id", flowID, "deleted_runs", deleted)

	return nil
}

func (s *FlowService) loadFlow(ctx context.Context, op, flowID string) (*models.Flow, error) {
	if flowID == "" {
		return nil, NewValidationError(op, "MISSING_FLOW_ID", "flow id is required", ErrInvalidFlowID)
	}

	flow, err := s.persistence.Flows().GetByID(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to load flow: %w", op, err)
	}

	if flow == nil {
		return nil, fmt.Errorf("%s: flow %s: %w", op, flowID, ErrFlowNotFound)
	}

	return flow, nil
}

func (s *FlowService) checkCoreVersion(submission *schema.FlowSubmission) error {
	if s.coreVersionCutoff == "" {
		return nil
	}

	version := submission.CoreVersion()
	if version == "" {
		return nil
	}

	if !semver.IsValid("v" + version) {
		return nil
	}

	if semver.Compare("v"+version, "v"+s.coreVersionCutoff) < 0 {
		return fmt.Errorf("core version %s is below cutoff %s: %w",
			version, s.coreVersionCutoff, ErrCoreVersionCutoff)
	}

	return nil
}

// resolveFlowGroup finds the version group's settings holder, creating it
// with default settings on first use. A creation race falls back to the
// winner's group.
func (s *FlowService) resolveFlowGroup(ctx context.Context, tenantID, versionGroupID string) (*models.FlowGroup, error) {
	groups := s.persistence.FlowGroups()

	group, err := groups.GetByName(ctx, tenantID, versionGroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow group: %w", err)
	}

	if group != nil {
		return group, nil
	}

	group = &models.FlowGroup{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      versionGroupID,
		Settings:  models.DefaultFlowGroupSettings(),
		CreatedAt: time.Now().UTC(),
	}

	if err := groups.Create(ctx, group); err != nil {
		existing, getErr := groups.GetByName(ctx, tenantID, versionGroupID)
		if getErr == nil && existing != nil {
			return existing, nil
		}

		return nil, fmt.Errorf("failed to create flow group: %w", err)
	}

	return group, nil
}

func (s *FlowService) buildFlow(
	ctx context.Context,
	req CreateFlowRequest,
	submission *schema.FlowSubmission,
	roles map[string]graph.Roles,
	versionGroupID, flowGroupID string,
) (*models.Flow, error) {
	maxVersion, err := s.persistence.Flows().MaxVersion(ctx, req.TenantID, versionGroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve version: %w", err)
	}

	flowID := uuid.New().String()

	tasks := make([]*models.Task, 0, len(submission.Tasks))
	taskIDs := make(map[string]string, len(submission.Tasks))

	for _, spec := range submission.Tasks {
		taskID := spec.ID
		if taskID == "" {
			taskID = uuid.New().String()
		}

		taskIDs[spec.Slug] = taskID
		role := roles[spec.Slug]

		tasks = append(tasks, &models.Task{
			ID:                taskID,
			FlowID:            flowID,
			TenantID:          req.TenantID,
			Name:              spec.Name,
			Slug:              spec.Slug,
			Type:              spec.Type,
			Tags:              spec.Tags,
			MaxRetries:        spec.MaxRetries,
			RetryDelaySeconds: spec.RetryDelaySeconds,
			CacheKey:          spec.CacheKey,
			Trigger:           string(spec.Trigger),
			AutoGenerated:     spec.AutoGenerated,
			Mapped:            role.Mapped,
			IsReferenceTask:   role.Reference,
			IsRootTask:        role.Root,
			IsTerminalTask:    role.Terminal,
		})
	}

	edges := make([]*models.Edge, 0, len(submission.Edges))

	for _, spec := range submission.Edges {
		edges = append(edges, &models.Edge{
			ID:               uuid.New().String(),
			FlowID:           flowID,
			TenantID:         req.TenantID,
			UpstreamTaskID:   taskIDs[string(spec.UpstreamTask)],
			DownstreamTaskID: taskIDs[string(spec.DownstreamTask)],
			Key:              spec.Key,
			Mapped:           spec.Mapped,
		})
	}

	parameters := make([]models.Parameter, 0, len(submission.Parameters))
	for _, spec := range submission.Parameters {
		parameters = append(parameters, models.Parameter{
			Name:     spec.Name,
			Slug:     spec.Slug,
			Required: spec.Required,
			Default:  spec.Default,
		})
	}

	flow := &models.Flow{
		ID:               flowID,
		TenantID:         req.TenantID,
		ProjectID:        req.ProjectID,
		Name:             submission.Name,
		Description:      req.Description,
		VersionGroupID:   versionGroupID,
		Version:          maxVersion + 1,
		FlowGroupID:      flowGroupID,
		IsScheduleActive: req.SetScheduleActive,
		Parameters:       parameters,
		Environment:      submission.Environment,
		Storage:          submission.Storage,
		CoreVersion:      submission.CoreVersion(),
		Serialized:       submission.Raw,
		Tasks:            tasks,
		Edges:            edges,
		CreatedAt:        time.Now().UTC(),
	}

	if submission.Schedule != nil {
		flow.Schedule = submission.Schedule.Raw
	}

	return flow, nil
}

func (s *FlowService) baseEvent(eventType events.EventType, tenantID, flowID string) events.BaseEvent {
	id := uuid.New().String()
	if s.eventBus != nil {
		id = s.eventBus.GenerateID()
	}

	return events.BaseEvent{
		ID:        id,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		FlowID:    flowID,
	}
}

// publish is best-effort; a bus failure never rolls back the mutation.
func (s *FlowService) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.eventBus == nil {
		return
	}

	if err := s.eventBus.Publish(ctx, key, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish event",
			"event_type", event.GetType(), "flow_id", key, "error", err)
	}
}

// analyzeGraph derives the structural task roles from a submission.
func analyzeGraph(submission *schema.FlowSubmission) (map[string]graph.Roles, error) {
	slugs := make([]string, 0, len(submission.Tasks))
	for _, task := range submission.Tasks {
		slugs = append(slugs, task.Slug)
	}

	edges := make([]graph.Edge, 0, len(submission.Edges))
	for _, edge := range submission.Edges {
		edges = append(edges, graph.Edge{
			Upstream:   string(edge.UpstreamTask),
			Downstream: string(edge.DownstreamTask),
			Mapped:     edge.Mapped,
		})
	}

	roles, err := graph.Analyze(slugs, edges, submission.ReferenceTaskSlugs())
	if err != nil {
		var unknownRef *graph.UnknownReferenceTaskError
		if errors.As(err, &unknownRef) {
			return nil, &schema.ValidationError{
				Field:   "reference_tasks",
				Message: err.Error(),
			}
		}

		return nil, err
	}

	return roles, nil
}

// checkRequiredParameters rejects a scheduled flow unless every clock's
// parameter defaults cover every required parameter. Coverage is per clock; a
// flow-level default does not count. Unscheduled flows may carry uncovered
// required parameters; they just cannot be auto-run.
func checkRequiredParameters(submission *schema.FlowSubmission) error {
	if submission.Schedule == nil || len(submission.Schedule.Clocks) == 0 {
		return nil
	}

	for _, param := range submission.Parameters {
		if !param.Required {
			continue
		}

		for i, clock := range submission.Schedule.Clocks {
			if _, ok := clock.ParameterDefaults[param.Slug]; !ok {
				return &schema.ValidationError{
					Field: fmt.Sprintf("schedule.clocks[%d].parameter_defaults", i),
					Message: fmt.Sprintf(
						"required parameter %q has no default on this clock: %v",
						param.Slug, ErrUncoveredParameter),
				}
			}
		}
	}

	return nil
}

// deriveVersionGroupID builds a stable lineage key for submissions that do
// not pin one, so re-registering the same named flow versions it instead of
// forking a new lineage.
func deriveVersionGroupID(tenantID, projectID, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL,
		[]byte("tideflow://"+tenantID+"/"+projectID+"/"+name)).String()
}
