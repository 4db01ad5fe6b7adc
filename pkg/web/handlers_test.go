package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tideflow-io/tideflow/pkg/models"
	"github.com/tideflow-io/tideflow/pkg/persistence"
	"github.com/tideflow-io/tideflow/pkg/persistence/file"
	"github.com/tideflow-io/tideflow/pkg/services"
	"github.com/tideflow-io/tideflow/pkg/web"
)

const (
	testTenantID  = "tenant-1"
	testProjectID = "project-1"
)

var testSubmission = json.RawMessage(`{
	"name": "nightly-report",
	"tasks": [
		{"slug": "collect"},
		{"slug": "render"}
	],
	"edges": [
		{"upstream_task": "collect", "downstream_task": "render"}
	],
	"schedule": {"clocks": [{"interval_seconds": 3600}]}
}`)

func setupTestApp(t *testing.T) (*fiber.App, persistence.Persistence) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	err := p.Projects().Create(t.Context(), &models.Project{
		ID:        testProjectID,
		TenantID:  testTenantID,
		Name:      "Test Project",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	flowService := services.NewFlowService(p, nil, slog.Default())
	handlers := web.NewAPIHandlers(flowService, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	handlers.RegisterRoutes(app)

	return app, p
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Buffer

	switch payload := body.(type) {
	case nil:
		reader = bytes.NewBuffer(nil)
	case string:
		reader = bytes.NewBufferString(payload)
	default:
		data, err := json.Marshal(payload)
		require.NoError(t, err)

		reader = bytes.NewBuffer(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func createTestFlow(t *testing.T, app *fiber.App, active bool) string {
	t.Helper()

	resp := doJSON(t, app, http.MethodPost, "/flows", web.CreateFlowRequest{
		TenantID:          testTenantID,
		ProjectID:         testProjectID,
		Submission:        testSubmission,
		SetScheduleActive: &active,
	})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created web.CreateFlowResponse

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)

	return created.ID
}

func TestAPIHandlers_CreateFlow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
	}{
		{
			name: "successful creation",
			requestBody: web.CreateFlowRequest{
				TenantID:   testTenantID,
				ProjectID:  testProjectID,
				Submission: testSubmission,
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "missing tenant",
			requestBody: web.CreateFlowRequest{
				ProjectID:  testProjectID,
				Submission: testSubmission,
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "missing submission",
			requestBody: web.CreateFlowRequest{
				TenantID:  testTenantID,
				ProjectID: testProjectID,
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "unknown project",
			requestBody: web.CreateFlowRequest{
				TenantID:   testTenantID,
				ProjectID:  "no-such-project",
				Submission: testSubmission,
			},
			expectedStatus: http.StatusNotFound,
		},
		{
			name: "malformed submission",
			requestBody: web.CreateFlowRequest{
				TenantID:   testTenantID,
				ProjectID:  testProjectID,
				Submission: json.RawMessage(`{"tasks": [{"slug": "a"}, {"slug": "a"}]}`),
			},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON",
			requestBody:    "not-json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _ := setupTestApp(t)

			resp := doJSON(t, app, http.MethodPost, "/flows", tt.requestBody)

			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}
}

func TestAPIHandlers_CreateFlow_ScheduleActiveByDefault(t *testing.T) {
	t.Parallel()

	app, p := setupTestApp(t)

	// No set_schedule_active in the body at all.
	resp := doJSON(t, app, http.MethodPost, "/flows", map[string]any{
		"tenant_id":  testTenantID,
		"project_id": testProjectID,
		"submission": testSubmission,
	})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created web.CreateFlowResponse

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &created))

	flow, err := p.Flows().GetByID(t.Context(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, flow)
	assert.True(t, flow.IsScheduleActive)

	// An active schedule means registration already materialized runs.
	runs, err := p.FlowRuns().ListByFlow(t.Context(), created.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, runs)

	// An explicit false still opts out.
	inactiveID := createTestFlow(t, app, false)

	flow, err = p.Flows().GetByID(t.Context(), inactiveID)
	require.NoError(t, err)
	assert.False(t, flow.IsScheduleActive)
}

func TestAPIHandlers_GetFlow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	flowID := createTestFlow(t, app, false)

	resp := doJSON(t, app, http.MethodGet, "/flows/"+flowID, nil)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var flow models.Flow

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &flow))

	assert.Equal(t, flowID, flow.ID)
	assert.Equal(t, "nightly-report", flow.Name)
	assert.Len(t, flow.Tasks, 2)
	assert.Len(t, flow.Edges, 1)
}

func TestAPIHandlers_GetFlow_NotFound(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/flows/missing", nil)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_DeleteFlow(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	flowID := createTestFlow(t, app, false)

	resp := doJSON(t, app, http.MethodDelete, "/flows/"+flowID, nil)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	second := doJSON(t, app, http.MethodDelete, "/flows/"+flowID, nil)

	defer func() { _ = second.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, second.StatusCode)
}

func TestAPIHandlers_ArchiveUnarchive(t *testing.T) {
	t.Parallel()

	app, p := setupTestApp(t)
	flowID := createTestFlow(t, app, true)

	resp := doJSON(t, app, http.MethodPost, "/flows/"+flowID+"/archive", nil)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	assert.True(t, flow.Archived)

	resp = doJSON(t, app, http.MethodPost, "/flows/"+flowID+"/unarchive", nil)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	flow, err = p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	assert.False(t, flow.Archived)
}

func TestAPIHandlers_ScheduleRuns(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)
	flowID := createTestFlow(t, app, false)

	resp := doJSON(t, app, http.MethodPost, "/flows/"+flowID+"/schedule/activate", nil)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Activation already filled the horizon; a manual pass is a no-op.
	resp = doJSON(t, app, http.MethodPost, "/flows/"+flowID+"/runs/schedule", web.ScheduleRunsRequest{})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var scheduled web.ScheduleRunsResponse

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &scheduled))
	assert.Empty(t, scheduled.RunIDs)

	// The runs themselves are listable.
	resp = doJSON(t, app, http.MethodGet, "/flows/"+flowID+"/runs", nil)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []models.FlowRun

	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &runs))
	assert.NotEmpty(t, runs)
}

func TestAPIHandlers_UpdateFlowProject(t *testing.T) {
	t.Parallel()

	app, p := setupTestApp(t)
	flowID := createTestFlow(t, app, false)

	err := p.Projects().Create(t.Context(), &models.Project{
		ID:       "project-2",
		TenantID: testTenantID,
		Name:     "Second Project",
	})
	require.NoError(t, err)

	resp := doJSON(t, app, http.MethodPatch, "/flows/"+flowID+"/project",
		web.UpdateProjectRequest{ProjectID: "project-2"})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)
	assert.Equal(t, "project-2", flow.ProjectID)
}

func TestAPIHandlers_SettingsToggles(t *testing.T) {
	t.Parallel()

	app, p := setupTestApp(t)
	flowID := createTestFlow(t, app, false)

	resp := doJSON(t, app, http.MethodPost, "/flows/"+flowID+"/heartbeat/disable", nil)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	flow, err := p.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)

	group, err := p.FlowGroups().GetByID(t.Context(), flow.FlowGroupID)
	require.NoError(t, err)
	require.NotNil(t, group)

	assert.Equal(t, false, group.Settings[models.SettingHeartbeatEnabled])
	assert.Equal(t, true, group.Settings[models.SettingDisableHeartbeat])

	// Generic settings merge keyed by flow id.
	resp = doJSON(t, app, http.MethodPatch, "/flows/"+flowID+"/settings",
		web.UpdateSettingRequest{Key: "custom_flag", Value: "on"})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	group, err = p.FlowGroups().GetByID(t.Context(), flow.FlowGroupID)
	require.NoError(t, err)
	assert.Equal(t, "on", group.Settings["custom_flag"])
	assert.Equal(t, false, group.Settings[models.SettingHeartbeatEnabled])

	// The group-keyed variant reaches the same map.
	resp = doJSON(t, app, http.MethodPatch, "/flow-groups/"+flow.FlowGroupID+"/settings",
		web.UpdateSettingRequest{Key: "other_flag", Value: true})

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// An unknown flow id is a 404, not a new group.
	resp = doJSON(t, app, http.MethodPatch, "/flows/missing/settings",
		web.UpdateSettingRequest{Key: "custom_flag", Value: "on"})

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/health", nil)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
