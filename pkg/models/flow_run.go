package models

import "time"

// RunState is the lifecycle state of a flow run. This service only creates
// runs; executing them and advancing their state belongs to the executor.
type RunState string

const (
	RunStateScheduled RunState = "Scheduled"
)

// FlowRun is one concrete, idempotent execution request for a flow.
// IdempotencyKey is unique per flow; for auto-scheduled runs it is derived
// from the occurrence start time, so re-materializing an overlapping window
// never creates a second run for the same occurrence.
type FlowRun struct {
	ID                 string         `json:"id"`
	FlowID             string         `json:"flow_id" validate:"required"`
	TenantID           string         `json:"tenant_id"`
	ScheduledStartTime time.Time      `json:"scheduled_start_time"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	State              RunState       `json:"state"`
	AutoScheduled      bool           `json:"auto_scheduled"`
	IdempotencyKey     string         `json:"idempotency_key,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}
