// Package models defines the core domain records for versioned flows and their runs.
package models

import (
	"encoding/json"
	"time"
)

// Flow is one immutable version of a task graph plus an optional recurring
// schedule. Content changes never mutate a row; they produce a new Flow with
// an incremented version inside the same version group. Only Archived,
// IsScheduleActive and ProjectID may change after creation.
type Flow struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"       validate:"required"`
	ProjectID      string `json:"project_id"      validate:"required"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	VersionGroupID string `json:"version_group_id" validate:"required"`
	Version        int    `json:"version"          validate:"min=1"`
	FlowGroupID    string `json:"flow_group_id"    validate:"required"`

	// Schedule is kept as raw JSON and deserialized lazily by the
	// materializer, so a malformed schedule fails one pass instead of the
	// whole row.
	Schedule         json.RawMessage `json:"schedule,omitempty"`
	IsScheduleActive bool            `json:"is_schedule_active"`
	Archived         bool            `json:"archived"`

	Parameters  []Parameter     `json:"parameters,omitempty"`
	Environment map[string]any  `json:"environment,omitempty"`
	Storage     map[string]any  `json:"storage,omitempty"`
	CoreVersion string          `json:"core_version,omitempty"`
	Serialized  json.RawMessage `json:"serialized_flow,omitempty"`

	Tasks []*Task `json:"tasks,omitempty"`
	Edges []*Edge `json:"edges,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Parameter is a named flow input. Required parameters without a default must
// be covered by every schedule clock's parameter defaults before the flow can
// carry a schedule.
type Parameter struct {
	Name     string `json:"name"`
	Slug     string `json:"slug"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Project scopes flows within a tenant.
type Project struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id" validate:"required"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
