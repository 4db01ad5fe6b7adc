package models

import (
	"encoding/json"
	"time"
)

// Flow group setting keys toggled by operators.
const (
	SettingHeartbeatEnabled      = "heartbeat_enabled"
	SettingDisableHeartbeat      = "disable_heartbeat"
	SettingLazarusEnabled        = "lazarus_enabled"
	SettingVersionLockingEnabled = "version_locking_enabled"
)

// FlowGroup owns the settings of a version group within a tenant, plus an
// optional schedule that overrides the schedule of any flow in the group.
// It is created lazily on the first submission of a version group and reused
// by every later version.
type FlowGroup struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id" validate:"required"`

	// Name is the version_group_id this group owns.
	Name string `json:"name" validate:"required"`

	Settings map[string]any  `json:"settings"`
	Schedule json.RawMessage `json:"schedule,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DefaultFlowGroupSettings is the settings map a new flow group starts with.
func DefaultFlowGroupSettings() map[string]any {
	return map[string]any{
		SettingHeartbeatEnabled:      true,
		SettingLazarusEnabled:        true,
		SettingVersionLockingEnabled: false,
	}
}
