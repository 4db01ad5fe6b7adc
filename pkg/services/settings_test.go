package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tideflow-io/tideflow/pkg/models"
)

func createFlowWithGroup(t *testing.T, service *FlowService) (string, string) {
	t.Helper()

	flowID, err := service.CreateFlow(t.Context(), CreateFlowRequest{
		TenantID:   testTenantID,
		ProjectID:  testProjectID,
		Submission: pipelineSubmission(""),
	})
	require.NoError(t, err)

	flow, err := service.persistence.Flows().GetByID(t.Context(), flowID)
	require.NoError(t, err)

	return flowID, flow.FlowGroupID
}

func groupSettings(t *testing.T, service *FlowService, groupID string) map[string]any {
	t.Helper()

	group, err := service.persistence.FlowGroups().GetByID(t.Context(), groupID)
	require.NoError(t, err)
	require.NotNil(t, group)

	return group.Settings
}

func TestFlowService_NewGroupDefaults(t *testing.T) {
	service, _ := newTestService(t)

	_, groupID := createFlowWithGroup(t, service)
	settings := groupSettings(t, service, groupID)

	assert.Equal(t, true, settings[models.SettingHeartbeatEnabled])
	assert.Equal(t, true, settings[models.SettingLazarusEnabled])
	assert.Equal(t, false, settings[models.SettingVersionLockingEnabled])
}

func TestFlowService_HeartbeatToggleWritesBothKeys(t *testing.T) {
	service, _ := newTestService(t)

	flowID, groupID := createFlowWithGroup(t, service)

	require.NoError(t, service.DisableFlowHeartbeat(t.Context(), flowID))

	settings := groupSettings(t, service, groupID)
	assert.Equal(t, false, settings[models.SettingHeartbeatEnabled])
	assert.Equal(t, true, settings[models.SettingDisableHeartbeat])

	require.NoError(t, service.EnableFlowHeartbeat(t.Context(), flowID))

	settings = groupSettings(t, service, groupID)
	assert.Equal(t, true, settings[models.SettingHeartbeatEnabled])
	assert.Equal(t, false, settings[models.SettingDisableHeartbeat])
}

func TestFlowService_TogglesMergeNotReplace(t *testing.T) {
	service, _ := newTestService(t)

	flowID, groupID := createFlowWithGroup(t, service)

	require.NoError(t, service.UpdateFlowGroupSetting(t.Context(), groupID, "custom_flag", "kept"))
	require.NoError(t, service.DisableFlowLazarusProcess(t.Context(), flowID))
	require.NoError(t, service.EnableFlowVersionLock(t.Context(), flowID))

	settings := groupSettings(t, service, groupID)

	// Each toggle touched only its own keys.
	assert.Equal(t, "kept", settings["custom_flag"])
	assert.Equal(t, false, settings[models.SettingLazarusEnabled])
	assert.Equal(t, true, settings[models.SettingVersionLockingEnabled])
	assert.Equal(t, true, settings[models.SettingHeartbeatEnabled])
}

func TestFlowService_UpdateFlowSetting(t *testing.T) {
	service, _ := newTestService(t)

	flowID, groupID := createFlowWithGroup(t, service)

	require.NoError(t, service.UpdateFlowSetting(t.Context(), flowID, "custom_flag", "on"))

	// The key lands on the version group, merged over the defaults.
	settings := groupSettings(t, service, groupID)
	assert.Equal(t, "on", settings["custom_flag"])
	assert.Equal(t, true, settings[models.SettingHeartbeatEnabled])

	err := service.UpdateFlowSetting(t.Context(), flowID, "", true)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	// An unresolvable flow id is a not-found, not a silent group create.
	err = service.UpdateFlowSetting(t.Context(), "no-such-flow", "custom_flag", "on")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestFlowService_UpdateFlowGroupSetting_Validation(t *testing.T) {
	service, _ := newTestService(t)

	_, groupID := createFlowWithGroup(t, service)

	err := service.UpdateFlowGroupSetting(t.Context(), groupID, "", true)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	err = service.UpdateFlowGroupSetting(t.Context(), "no-such-group", "key", true)
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestFlowService_Toggle_UnknownFlow(t *testing.T) {
	service, _ := newTestService(t)

	err := service.EnableFlowHeartbeat(t.Context(), "no-such-flow")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlowNotFound)
}
