package models

// Task is one node of a flow's graph. The structural flags (root, terminal,
// reference, mapped) are derived from the edge list on every submission and
// are never taken from the caller.
type Task struct {
	ID       string `json:"id"`
	FlowID   string `json:"flow_id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name,omitempty"`
	Slug     string `json:"slug" validate:"required"`
	Type     string `json:"type,omitempty"`

	Tags              []string `json:"tags,omitempty"`
	MaxRetries        int      `json:"max_retries"`
	RetryDelaySeconds int64    `json:"retry_delay_seconds,omitempty"`
	CacheKey          string   `json:"cache_key,omitempty"`
	Trigger           string   `json:"trigger,omitempty"`
	AutoGenerated     bool     `json:"auto_generated"`

	Mapped          bool `json:"mapped"`
	IsReferenceTask bool `json:"is_reference_task"`
	IsRootTask      bool `json:"is_root_task"`
	IsTerminalTask  bool `json:"is_terminal_task"`
}

// Edge is a dependency between two tasks of the same flow. Task references
// are persisted as resolved task ids, not slugs.
type Edge struct {
	ID               string `json:"id"`
	FlowID           string `json:"flow_id"`
	TenantID         string `json:"tenant_id"`
	UpstreamTaskID   string `json:"upstream_task_id"   validate:"required"`
	DownstreamTaskID string `json:"downstream_task_id" validate:"required"`
	Key              string `json:"key,omitempty"`
	Mapped           bool   `json:"mapped"`
}
