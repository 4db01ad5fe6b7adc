// Package web provides the REST API for flow registration and scheduling.
package web

import "encoding/json"

// CreateFlowRequest is the request body for registering a flow version.
type CreateFlowRequest struct {
	TenantID  string `json:"tenant_id"  validate:"required"`
	ProjectID string `json:"project_id" validate:"required"`

	// Submission is the serialized flow definition: tasks, edges, parameters
	// and an optional schedule.
	Submission json.RawMessage `json:"submission" validate:"required"`

	// VersionGroupID pins the flow to an existing version lineage.
	VersionGroupID string `json:"version_group_id,omitempty"`

	// SetScheduleActive defaults to true when omitted: registering a
	// scheduled flow activates it unless the caller opts out.
	SetScheduleActive *bool  `json:"set_schedule_active,omitempty"`
	Description       string `json:"description,omitempty"`
}

// CreateFlowResponse carries the id of the newly registered version.
type CreateFlowResponse struct {
	ID string `json:"id"`
}

// UpdateProjectRequest moves a flow to another project of its tenant.
type UpdateProjectRequest struct {
	ProjectID string `json:"project_id" validate:"required"`
}

// ScheduleRunsRequest optionally caps a manual materialization pass.
type ScheduleRunsRequest struct {
	MaxRuns *int `json:"max_runs,omitempty" validate:"omitempty,min=1,max=100"`
}

// ScheduleRunsResponse lists the runs created by a materialization pass.
type ScheduleRunsResponse struct {
	RunIDs []string `json:"run_ids"`
}

// UpdateSettingRequest merges one key into a flow group's settings.
type UpdateSettingRequest struct {
	Key   string `json:"key" validate:"required"`
	Value any    `json:"value"`
}
