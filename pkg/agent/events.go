// Package agent implements the session runtime: the turn engine state
// machine, message log, compaction, sub-agent fan-out, and the session
// supervisor tree.
package agent

// EventType enumerates every event the runtime publishes. Providers and
// tools never invent event types; everything flows through this taxonomy.
type EventType string

const (
	// Lifecycle
	EventAgentStart     EventType = "agent_start"
	EventAgentEnd       EventType = "agent_end"
	EventAgentAbort     EventType = "agent_abort"
	EventAgentRecovered EventType = "agent_recovered"

	// Assistant content
	EventMessageStart  EventType = "message_start"
	EventMessageDelta  EventType = "message_delta"
	EventThinkingStart EventType = "thinking_start"
	EventThinkingDelta EventType = "thinking_delta"

	// Tool execution
	EventToolExecutionStart EventType = "tool_execution_start"
	EventToolExecutionEnd   EventType = "tool_execution_end"
	EventToolOutput         EventType = "tool_output"
	EventToolSkipped        EventType = "tool_skipped"

	// Housekeeping
	EventStatusUpdate      EventType = "status_update"
	EventUsageUpdate       EventType = "usage_update"
	EventContextDiscovered EventType = "context_discovered"
	EventSkillLoaded       EventType = "skill_loaded"
	EventRetry             EventType = "retry"
	EventCompactionStart   EventType = "compaction_start"
	EventCompactionEnd     EventType = "compaction_end"
	EventStreamStalled     EventType = "stream_stalled"
	EventError             EventType = "error"
	EventLagged            EventType = "lagged"

	// Sub-agents
	EventSubAgentStart EventType = "sub_agent_start"
	EventSubAgentEvent EventType = "sub_agent_event"
)

// TokenUsage is the engine's running usage accounting for a session.
// LastUsageMsgIndex marks the log position at the most recent authoritative
// provider report; hybrid estimation only estimates messages after it.
type TokenUsage struct {
	Prompt               int `json:"prompt"`
	Completion           int `json:"completion"`
	Total                int `json:"total"`
	ContextWindow        int `json:"context_window,omitempty"`
	CurrentContextTokens int `json:"current_context_tokens,omitempty"`
	LastUsageMsgIndex    int `json:"last_usage_msg_index,omitempty"`
}

// ToolResultInfo is the result payload of a tool_execution_end event.
type ToolResultInfo struct {
	OK     bool   `json:"ok"`
	Output string `json:"output"`
	Meta   string `json:"meta,omitempty"`
}

// Event is one runtime event. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`

	// message_delta / thinking_delta / tool_output chunks
	Delta string `json:"delta,omitempty"`

	// status_update text, error reason, retry reason
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`

	// usage_update / agent_end
	Usage *TokenUsage `json:"usage,omitempty"`

	// tool_* events
	Tool   string          `json:"tool,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Args   map[string]any  `json:"args,omitempty"`
	Meta   string          `json:"meta,omitempty"`
	Result *ToolResultInfo `json:"result,omitempty"`

	// retry
	Attempt int   `json:"attempt,omitempty"`
	DelayMs int64 `json:"delay_ms,omitempty"`

	// compaction_end (token estimates)
	Before int `json:"before,omitempty"`
	After  int `json:"after,omitempty"`

	// stream_stalled
	SecondsIdle int `json:"seconds_idle,omitempty"`

	// context_discovered
	Files []string `json:"files,omitempty"`

	// skill_loaded / sub_agent_start
	Name  string   `json:"name,omitempty"`
	Desc  string   `json:"desc,omitempty"`
	Model string   `json:"model,omitempty"`
	Label string   `json:"label,omitempty"`
	Tools []string `json:"tools,omitempty"`

	// lagged
	Dropped int `json:"dropped,omitempty"`

	// sub_agent_event wrapping
	ParentCallID string `json:"parent_call_id,omitempty"`
	SubSessionID string `json:"sub_session_id,omitempty"`
	Inner        *Event `json:"inner,omitempty"`
}

// wrapSubAgentEvent rebadges a child session event for the parent's bus.
func wrapSubAgentEvent(parentSessionID, parentCallID, subSessionID string, inner Event) Event {
	in := inner
	return Event{
		Type:         EventSubAgentEvent,
		SessionID:    parentSessionID,
		ParentCallID: parentCallID,
		SubSessionID: subSessionID,
		Inner:        &in,
	}
}
