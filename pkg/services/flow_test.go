package services

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tideflow-io/tideflow/pkg/channels/gochannel"
	"github.com/tideflow-io/tideflow/pkg/eventbus"
	"github.com/tideflow-io/tideflow/pkg/events"
	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/persistence/file"
	"github.com/tideflow-io/tideflow/pkg/schema"
)

const (
	testTenantID  = "tenant-1"
	testProjectID = "project-1"
)

func newTestService(t *testing.T) (*FlowService, persistence.Persistence) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	err := p.Projects().Create(t.Context(), &models.Project{
		ID:        testProjectID,
		TenantID:  testTenantID,
		Name:      "Test Project",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	return NewFlowService(p, nil, slog.Default()), p
}

// pipelineSubmission is a three-task chain: extract -> transform -> load.
func pipelineSubmission(extra string) []byte {
	return []byte(fmt.Sprintf(`{
		"name": "etl-pipeline",
		"tasks": [
			{"slug": "extract", "name": "Extract"},
			{"slug": "transform", "name": "Transform", "max_retries": 3, "retry_delay_seconds": 60},
			{"slug": "load", "name": "Load"}
		],
		"edges": [
			{"upstream_task": "extract", "downstream_task": "transform"},
			{"upstream_task": "transform", "downstream_task": "load", "mapped": true}
		]%s
	}`, extra))
}

func TestNewFlowService(t *testing.T) {
	service, p := newTestService(t)

	assert.NotNil(t, service)
	assert.Equal(t, p, service.persistence)
	assert.Equal(t, defaultMaxScheduledRuns, service.maxScheduledRuns)
}

func TestFlowService_CreateFlow(t *testing.T) {
	service, p := newTestService(t)

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)
	require.NotEmpty(t, flowID)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	require.NotNil(t, flow)

	assert.Equal(t, "etl-pipeline", flow.Name)
	assert.Equal(t, 1, flow.Version)
	assert.NotEmpty(t, flow.VersionGroupID)
	assert.NotEmpty(t, flow.FlowGroupID)
	assert.False(t, flow.Archived)
	assert.False(t, flow.IsScheduleActive)
	assert.Len(t, flow.Tasks, 3)
	assert.Len(t, flow.Edges, 2)
	assert.JSONEq(t, string(pipelineSubmission("")), string(flow.Serialized))
}

func TestFlowService_CreateFlow_TaskRoles(t *testing.T) {
	service, p := newTestService(t)

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)

	bySlug := make(map[string]*models.Task, len(flow.Tasks))
	for _, task := range flow.Tasks {
		bySlug[task.Slug] = task
	}

	extract := bySlug["extract"]
	assert.True(t, extract.IsRootTask)
	assert.False(t, extract.IsTerminalTask)
	assert.False(t, extract.IsReferenceTask)
	assert.False(t, extract.Mapped)

	transform := bySlug["transform"]
	assert.False(t, transform.IsRootTask)
	assert.False(t, transform.IsTerminalTask)

	// No declared reference tasks: terminal tasks become the references.
	load := bySlug["load"]
	assert.False(t, load.IsRootTask)
	assert.True(t, load.IsTerminalTask)
	assert.True(t, load.IsReferenceTask)
	assert.True(t, load.Mapped)
}

func TestFlowService_CreateFlow_DeclaredReferenceTasks(t *testing.T) {
	service, p := newTestService(t)

	submission := pipelineSubmission(`, "reference_tasks": ["transform"]`)

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: submission,
	})
	require.NoError(t, err)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)

	for _, task := range flow.Tasks {
		assert.Equal(t, task.Slug == "transform", task.IsReferenceTask, task.Slug)
	}
}

func TestFlowService_CreateFlow_UnknownReferenceTask(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(`, "reference_tasks": ["ghost"]`),
	})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestFlowService_CreateFlow_VersionsShareGroup(t *testing.T) {
	service, p := newTestService(t)

	firstID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)

	secondID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)
	require.NotEqual(t, firstID, secondID)

	first, err := p.Flows().GetByID(t.Context(), firstID)
	require.NoError(t, err)

	second, err := p.Flows().GetByID(t.Context(), secondID)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, first.VersionGroupID, second.VersionGroupID)
	assert.Equal(t, first.FlowGroupID, second.FlowGroupID)
}

func TestFlowService_CreateFlow_ExplicitVersionGroup(t *testing.T) {
	service, p := newTestService(t)

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:       testTenantID,
		ProjectID:      testProjectID,
		Submission:     pipelineSubmission(""),
		VersionGroupID: "pinned-lineage",
	})
	require.NoError(t, err)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	assert.Equal(t, "pinned-lineage", flow.VersionGroupID)

	group, err := p.FlowGroups().GetByName(t.Context(), testTenantID, "pinned-lineage")
	require.NoError(t, err)
	require.NotNil(t, group)
	assert.Equal(t, models.DefaultFlowGroupSettings(), group.Settings)
}

func TestFlowService_CreateFlow_UnknownProject(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  "no-such-project",
		Submission: pipelineSubmission(""),
	})
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestFlowService_CreateFlow_ProjectOfOtherTenant(t *testing.T) {
	service, p := newTestService(t)

	err := p.Projects().Create(t.Context(), &models.Project{
		ID:       "foreign-project",
		TenantID: "tenant-2",
		Name:     "Foreign",
	})
	require.NoError(t, err)

	_, err = service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  "foreign-project",
		Submission: pipelineSubmission(""),
	})
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestFlowService_CreateFlow_InvalidSubmission(t *testing.T) {
	service, _ := newTestService(t)

	tests := []struct {
		name       string
		submission string
	}{
		{"not json", `{"tasks": [`},
		{"edge without downstream", `{"tasks": [{"slug": "a"}], "edges": [{"upstream_task": "a"}]}`},
		{"duplicate slug", `{"tasks": [{"slug": "a"}, {"slug": "a"}]}`},
		{"edge to unknown task", `{"tasks": [{"slug": "a"}], "edges": [{"upstream_task": "a", "downstream_task": "b"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CreateFlow(t.Context(), CreateFlowRequest{
				TenantID:   testTenantID,
				ProjectID:  testProjectID,
				Submission: []byte(tt.submission),
			})
			require.Error(t, err)
			assert.True(t, IsValidationError(err), err.Error())
		})
	}
}

func TestFlowService_CreateFlow_UncoveredRequiredParameter(t *testing.T) {
	service, p := newTestService(t)

	submission := pipelineSubmission(`,
		"parameters": [{"slug": "region", "required": true}],
		"schedule": {"clocks": [
			{"interval_seconds": 3600, "parameter_defaults": {"region": "eu"}},
			{"interval_seconds": 7200}
		]}`)

	_, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: submission,
	})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	var validationErr *schema.ValidationError

	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, validationErr.Field, "clocks[1]")

	// Rejection happens before any write; no flow group materialized.
	group, err := p.FlowGroups().GetByName(t.Context(), testTenantID,
		deriveVersionGroupID(testTenantID, testProjectID, "etl-pipeline"))
	require.NoError(t, err)
	assert.Nil(t, group)
}

func TestFlowService_CreateFlow_RequiredParameterDefaultDoesNotCoverClocks(t *testing.T) {
	service, _ := newTestService(t)

	// A flow-level default is not clock coverage: the bare clock still fails.
	submission := pipelineSubmission(`,
		"parameters": [{"slug": "region", "required": true, "default": "us"}],
		"schedule": {"clocks": [{"interval_seconds": 3600}]}`)

	_, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: submission,
	})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	// The same submission passes once the clock itself covers the parameter.
	covered := pipelineSubmission(`,
		"parameters": [{"slug": "region", "required": true, "default": "us"}],
		"schedule": {"clocks": [{"interval_seconds": 3600, "parameter_defaults": {"region": "eu"}}]}`)

	_, err = service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: covered,
	})
	require.NoError(t, err)
}

func TestFlowService_CreateFlow_CoreVersionCutoff(t *testing.T) {
	service, _ := newTestService(t)
	service.WithCoreVersionCutoff("0.6.0")

	_, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(`, "environment": {"__version__": "0.5.3"}`),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCoreVersionCutoff)
	assert.True(t, IsConstraintError(err))

	// At or above the cutoff passes.
	_, err = service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(`, "environment": {"__version__": "0.6.0"}`),
	})
	require.NoError(t, err)

	// Untagged submissions are not rejected.
	_, err = service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)
}

func TestFlowService_CreateFlow_PublishesEvent(t *testing.T) {
	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	received := make(chan *events.FlowCreated, 1)

	require.NoError(t, bus.Handle(events.FlowCreatedEvent, func(_ context.Context, event any) error {
		if created, ok := event.(*events.FlowCreated); ok {
			received <- created
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(t.Context()))

	p := file.NewPersistence(t.TempDir())
	require.NoError(t, p.Projects().Create(t.Context(), &models.Project{
		ID:       testProjectID,
		TenantID: testTenantID,
		Name:     "Test Project",
	}))

	service := NewFlowService(p, bus, slog.Default())

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.NotEmpty(t, event.ID)
		assert.Equal(t, events.FlowCreatedEvent, event.Type)
		assert.Equal(t, flowID, event.FlowID)
		assert.Equal(t, testTenantID, event.TenantID)
		assert.Equal(t, testProjectID, event.ProjectID)
		assert.NotEmpty(t, event.VersionGroupID)
		assert.Equal(t, 1, event.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("flow.created event never arrived")
	}
}

func TestFlowService_DeleteFlow(t *testing.T) {
	service, p := newTestService(t)

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)

	err = service.DeleteFlow(t.Context(), flowID)
	require.NoError(t, err)

	gone, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	// The version group's settings holder survives its flows.
	group, err := p.FlowGroups().GetByID(t.Context(), flow.FlowGroupID)
	require.NoError(t, err)
	assert.NotNil(t, group)

	err = service.DeleteFlow(t.Context(), flowID)
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestFlowService_ArchiveFlow_PurgesAllScheduledRuns(t *testing.T) {
	service, p := newTestService(t)

	flowID := createScheduledFlow(t, service)

	// Registration with an active schedule already materialized the horizon.
	runs, err := p.FlowRuns().ListByFlow(t.Context(), flowID)
	require.NoError(t, err)
	require.NotEmpty(t, runs)

	// A manually created Scheduled run, not auto-scheduled.
	_, _, err = p.FlowRuns().Create(t.Context(), &models.FlowRun{
		ID:                 "manual-run",
		FlowID:             flowID,
		TenantID:           testTenantID,
		ScheduledStartTime: time.Now().UTC().Add(time.Hour),
		State:              models.RunStateScheduled,
	})
	require.NoError(t, err)

	err = service.ArchiveFlow(t.Context(), flowID)
	require.NoError(t, err)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	assert.True(t, flow.Archived)

	// Archiving is total: manual Scheduled runs are purged too.
	runs, err = p.FlowRuns().ListByFlow(t.Context(), flowID)
	require.NoError(t, err)
	assert.Empty(t, runs)

	// A Scheduled run slipping in after the archive is swept by re-archiving.
	_, _, err = p.FlowRuns().Create(t.Context(), &models.FlowRun{
		ID:                 "late-run",
		FlowID:             flowID,
		TenantID:           testTenantID,
		ScheduledStartTime: time.Now().UTC().Add(2 * time.Hour),
		State:              models.RunStateScheduled,
	})
	require.NoError(t, err)

	require.NoError(t, service.ArchiveFlow(t.Context(), flowID))

	runs, err = p.FlowRuns().ListByFlow(t.Context(), flowID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestFlowService_UnarchiveFlow_RefillsHorizon(t *testing.T) {
	service, p := newTestService(t)

	flowID := createScheduledFlow(t, service)

	require.NoError(t, service.ArchiveFlow(t.Context(), flowID))

	runs, err := p.FlowRuns().ListByFlow(t.Context(), flowID)
	require.NoError(t, err)
	require.Empty(t, runs)

	require.NoError(t, service.UnarchiveFlow(t.Context(), flowID))

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	assert.False(t, flow.Archived)

	// The schedule flag survived archiving, so unarchive re-materializes.
	runs, err = p.FlowRuns().ListByFlow(t.Context(), flowID)
	require.NoError(t, err)
	assert.Len(t, runs, defaultMaxScheduledRuns)
}

func TestFlowService_UpdateFlowProject(t *testing.T) {
	service, p := newTestService(t)

	err := p.Projects().Create(t.Context(), &models.Project{
		ID:       "project-2",
		TenantID: testTenantID,
		Name:     "Second Project",
	})
	require.NoError(t, err)

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)

	err = service.UpdateFlowProject(t.Context(), flowID, "project-2")
	require.NoError(t, err)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	assert.Equal(t, "project-2", flow.ProjectID)
}

func TestFlowService_UpdateFlowProject_CrossTenant(t *testing.T) {
	service, p := newTestService(t)

	err := p.Projects().Create(t.Context(), &models.Project{
		ID:       "foreign-project",
		TenantID: "tenant-2",
		Name:     "Foreign",
	})
	require.NoError(t, err)

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)

	err = service.UpdateFlowProject(t.Context(), flowID, "foreign-project")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	assert.Equal(t, testProjectID, flow.ProjectID)
}

// createScheduledFlow registers a flow with an hourly interval schedule
// anchored at the current time, with the schedule flag active. The anchor
// makes occurrence times absolute, so repeated materialization passes agree
// on them.
func createScheduledFlow(t *testing.T, service *FlowService) string {
	t.Helper()

	anchor := time.Now().UTC().Truncate(time.Second)

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:  testTenantID,
		ProjectID: testProjectID,
		Submission: pipelineSubmission(fmt.Sprintf(`,
			"schedule": {"clocks": [{"interval_seconds": 3600, "start_at": %q}]}`,
			anchor.Format(time.RFC3339))),
		SetScheduleActive: true,
	})
	require.NoError(t, err)

	return flowID
}
