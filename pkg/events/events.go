// Package events defines event types for flow lifecycle notifications.
package events

import (
	"time"
)

type EventType string

// Topic carries every flow lifecycle event.
const Topic = "tideflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	FlowCreatedEvent       EventType = "flow.created"
	FlowDeletedEvent       EventType = "flow.deleted"
	FlowArchivedEvent      EventType = "flow.archived"
	FlowUnarchivedEvent    EventType = "flow.unarchived"
	FlowRunsScheduledEvent EventType = "flow.runs.scheduled"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id,omitempty"`
	FlowID    string         `json:"flow_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type FlowCreated struct {
	BaseEvent

	ProjectID      string `json:"project_id"`
	VersionGroupID string `json:"version_group_id"`
	Version        int    `json:"version"`
}

func (e FlowCreated) GetType() EventType {
	return FlowCreatedEvent
}

type FlowDeleted struct {
	BaseEvent
}

func (e FlowDeleted) GetType() EventType {
	return FlowDeletedEvent
}

type FlowArchived struct {
	BaseEvent

	// DeletedRuns is the number of scheduled runs purged by archiving.
	DeletedRuns int64 `json:"deleted_runs"`
}

func (e FlowArchived) GetType() EventType {
	return FlowArchivedEvent
}

type FlowUnarchived struct {
	BaseEvent
}

func (e FlowUnarchived) GetType() EventType {
	return FlowUnarchivedEvent
}

type FlowRunsScheduled struct {
	BaseEvent

	RunIDs []string `json:"run_ids"`
}

func (e FlowRunsScheduled) GetType() EventType {
	return FlowRunsScheduledEvent
}
