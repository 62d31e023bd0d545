package types

import "time"

// UsageRecord is emitted exactly once per completed agent runtime call,
// regardless of how many backends were attempted internally during failover.
// Only the final attempt is billed; BackendsTried tags the full set.
type UsageRecord struct {
	AgentID          string        `json:"agent_id"`
	TaskID           string        `json:"task_id,omitempty"`
	Model            string        `json:"model"`
	Backend          string        `json:"backend"`
	BackendsTried    []string      `json:"backends_tried,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Cost             float64       `json:"cost,omitempty"`
	Elapsed          time.Duration `json:"elapsed"`
	Timestamp        time.Time     `json:"timestamp"`
}

// UsageSink receives usage records. The core does not persist history beyond
// the current process; sinks that need durability live outside the core.
type UsageSink interface {
	Record(rec UsageRecord)
}
