package services

import (
	"context"
	"fmt"

	"github.com/tideflow-io/tideflow/pkg/models"
)

// UpdateFlowSetting merges one key into the settings map of the flow's
// version group. Keys not named by the update are preserved; the map is never
// replaced wholesale. The flow resolves to its group, so every version of the
// group sees the change.
func (s *FlowService) UpdateFlowSetting(ctx context.Context, flowID, key string, value any) error {
	const op = "update_flow_setting"

	if key == "" {
		return NewValidationError(op, "MISSING_KEY", "setting key is required", ErrInvalidSettingKey)
	}

	return s.toggleByFlow(ctx, op, flowID, map[string]any{key: value})
}

// UpdateFlowGroupSetting is the group-keyed variant of UpdateFlowSetting, for
// callers that already hold the group id.
func (s *FlowService) UpdateFlowGroupSetting(ctx context.Context, flowGroupID, key string, value any) error {
	const op = "update_flow_group_setting"

	if key == "" {
		return NewValidationError(op, "MISSING_KEY", "setting key is required", ErrInvalidSettingKey)
	}

	return s.mergeGroupSettings(ctx, op, flowGroupID, map[string]any{key: value})
}

// EnableFlowHeartbeat turns heartbeats on for the flow's whole version group.
// Both heartbeat keys are written so old and new consumers agree.
func (s *FlowService) EnableFlowHeartbeat(ctx context.Context, flowID string) error {
	return s.toggleByFlow(ctx, "enable_flow_heartbeat", flowID, map[string]any{
		models.SettingHeartbeatEnabled: true,
		models.SettingDisableHeartbeat: false,
	})
}

// DisableFlowHeartbeat turns heartbeats off for the flow's whole version
// group.
func (s *FlowService) DisableFlowHeartbeat(ctx context.Context, flowID string) error {
	return s.toggleByFlow(ctx, "disable_flow_heartbeat", flowID, map[string]any{
		models.SettingHeartbeatEnabled: false,
		models.SettingDisableHeartbeat: true,
	})
}

// EnableFlowLazarusProcess opts the flow's version group into distress-run
// resurrection.
func (s *FlowService) EnableFlowLazarusProcess(ctx context.Context, flowID string) error {
	return s.toggleByFlow(ctx, "enable_flow_lazarus_process", flowID, map[string]any{
		models.SettingLazarusEnabled: true,
	})
}

// DisableFlowLazarusProcess opts the flow's version group out of distress-run
// resurrection.
func (s *FlowService) DisableFlowLazarusProcess(ctx context.Context, flowID string) error {
	return s.toggleByFlow(ctx, "disable_flow_lazarus_process", flowID, map[string]any{
		models.SettingLazarusEnabled: false,
	})
}

// EnableFlowVersionLock pins run submissions of the group to the current
// version.
func (s *FlowService) EnableFlowVersionLock(ctx context.Context, flowID string) error {
	return s.toggleByFlow(ctx, "enable_flow_version_lock", flowID, map[string]any{
		models.SettingVersionLockingEnabled: true,
	})
}

// DisableFlowVersionLock releases the group's version pin.
func (s *FlowService) DisableFlowVersionLock(ctx context.Context, flowID string) error {
	return s.toggleByFlow(ctx, "disable_flow_version_lock", flowID, map[string]any{
		models.SettingVersionLockingEnabled: false,
	})
}

func (s *FlowService) toggleByFlow(ctx context.Context, op, flowID string, updates map[string]any) error {
	flow, err := s.loadFlow(ctx, op, flowID)
	if err != nil {
		return err
	}

	return s.mergeGroupSettings(ctx, op, flow.FlowGroupID, updates)
}

// mergeGroupSettings is a read-modify-write on the group's settings map. The
// store reports affected rows, so a group deleted between the read and the
// write surfaces as ErrSettingsConflict instead of silently resurrecting it.
func (s *FlowService) mergeGroupSettings(ctx context.Context, op, flowGroupID string, updates map[string]any) error {
	group, err := s.persistence.FlowGroups().GetByID(ctx, flowGroupID)
	if err != nil {
		return fmt.Errorf("%s: failed to load flow group: %w", op, err)
	}

	if group == nil {
		return fmt.Errorf("%s: flow group %s: %w", op, flowGroupID, ErrFlowGroupNotFound)
	}

	settings := make(map[string]any, len(group.Settings)+len(updates))
	for key, value := range group.Settings {
		settings[key] = value
	}

	for key, value := range updates {
		settings[key] = value
	}

	affected, err := s.persistence.FlowGroups().UpdateSettings(ctx, flowGroupID, settings)
	if err != nil {
		return fmt.Errorf("%s: failed to update settings: %w", op, err)
	}

	if affected == 0 {
		return fmt.Errorf("%s: flow group %s: %w", op, flowGroupID, ErrSettingsConflict)
	}

	s.logger.InfoContext(ctx, "flow group settings updated",
		"flow_group_id", flowGroupID, "keys", settingKeys(updates))

	return nil
}

func settingKeys(updates map[string]any) []string {
	keys := make([]string, 0, len(updates))
	for key := range updates {
		keys = append(keys, key)
	}

	return keys
}
