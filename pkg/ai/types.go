// Package ai defines the canonical message, model, and streaming types the
// agent runtime exchanges with LLM providers. Provider adapters translate
// their native wire formats into these types; the turn engine consumes only
// what is defined here.
package ai

import (
	"encoding/json"
	"strings"
)

// ---------------------------------------------------------------------------
// Roles and stop reasons
// ---------------------------------------------------------------------------

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// StopReason explains why the assistant stopped generating.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"     // natural end of turn
	StopReasonLength  StopReason = "length"   // hit max output tokens
	StopReasonTool    StopReason = "tool_use" // model wants tool calls executed
	StopReasonError   StopReason = "error"    // provider reported an error
	StopReasonAborted StopReason = "aborted"  // user aborted the stream
)

// ---------------------------------------------------------------------------
// Content blocks
// ---------------------------------------------------------------------------

// ContentBlock is one element of a message body. Concrete types carry a Type
// discriminator so they survive JSON round-trips.
type ContentBlock interface {
	BlockType() string
}

type TextContent struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

func (TextContent) BlockType() string { return "text" }

func Text(s string) TextContent { return TextContent{Type: "text", Text: s} }

type ThinkingContent struct {
	Type     string `json:"type"` // "thinking"
	Thinking string `json:"thinking"`
}

func (ThinkingContent) BlockType() string { return "thinking" }

type ImageContent struct {
	Type     string `json:"type"` // "image"
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

func (ImageContent) BlockType() string { return "image" }

// ToolCall is a tool invocation the model requested. The ID is opaque and
// unique within its assistant message.
type ToolCall struct {
	Type      string         `json:"type"` // "tool_call"
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (ToolCall) BlockType() string { return "tool_call" }

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Message is an entry in a session's message log. Every message carries a
// stable ID assigned when it is appended.
type Message interface {
	GetID() string
	GetRole() Role
}

type SystemMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func (m SystemMessage) GetID() string { return m.ID }
func (m SystemMessage) GetRole() Role { return RoleSystem }

type UserMessage struct {
	ID        string         `json:"id"`
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

func (m UserMessage) GetID() string { return m.ID }
func (m UserMessage) GetRole() Role { return RoleUser }

// Text returns the concatenated text blocks of the message.
func (m UserMessage) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if t, ok := c.(TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// UserText builds a user message holding a single text block. The ID is
// assigned by the message log on append.
func UserText(s string) UserMessage {
	return UserMessage{Content: []ContentBlock{Text(s)}}
}

type AssistantMessage struct {
	ID         string         `json:"id"`
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason,omitempty"`
	Model      string         `json:"model,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Usage      Usage          `json:"usage,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`

	// ErrorMessage is set when the stream ended with a provider error. The
	// message is still appended so the history stays coherent.
	ErrorMessage string `json:"error_message,omitempty"`
}

func (m AssistantMessage) GetID() string { return m.ID }
func (m AssistantMessage) GetRole() Role { return RoleAssistant }

// Text returns the user-visible text of the message (thinking excluded).
func (m *AssistantMessage) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if t, ok := c.(TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool_call blocks in order of appearance.
func (m *AssistantMessage) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, c := range m.Content {
		if tc, ok := c.(ToolCall); ok {
			out = append(out, tc)
		}
	}
	return out
}

type ToolResultMessage struct {
	ID         string         `json:"id"`
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name,omitempty"`
	Content    []ContentBlock `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
}

func (m ToolResultMessage) GetID() string { return m.ID }
func (m ToolResultMessage) GetRole() Role { return RoleTool }

func (m ToolResultMessage) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if t, ok := c.(TextContent); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// SkillMessage records skill instructions injected into the conversation by
// the use_skill effect. Providers render it as user content.
type SkillMessage struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

func (m SkillMessage) GetID() string { return m.ID }
func (m SkillMessage) GetRole() Role { return RoleUser }

// ---------------------------------------------------------------------------
// Usage
// ---------------------------------------------------------------------------

// Usage is a provider-reported token count. Prompt covers the full request
// context; Completion covers generated output.
type Usage struct {
	Prompt     int `json:"prompt,omitempty"`
	Completion int `json:"completion,omitempty"`
	CacheRead  int `json:"cache_read,omitempty"`
	CacheWrite int `json:"cache_write,omitempty"`
	Total      int `json:"total,omitempty"`
}

// Add accumulates another usage report into u.
func (u *Usage) Add(o Usage) {
	u.Prompt += o.Prompt
	u.Completion += o.Completion
	u.CacheRead += o.CacheRead
	u.CacheWrite += o.CacheWrite
	u.Total += o.Total
}

func (u Usage) IsZero() bool { return u == Usage{} }

// ---------------------------------------------------------------------------
// Model descriptor
// ---------------------------------------------------------------------------

// ThinkingLevel selects how much extended reasoning the model may spend.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// Model is an immutable model descriptor. A model switch replaces the whole
// value; nothing mutates it in place.
type Model struct {
	Provider      string        `json:"provider"`
	ID            string        `json:"id"`
	Thinking      ThinkingLevel `json:"thinking,omitempty"`
	ContextWindow int           `json:"context_window,omitempty"`
}

// String renders the provider:model_id form used in settings files.
func (m Model) String() string {
	if m.Provider == "" {
		return m.ID
	}
	return m.Provider + ":" + m.ID
}

// ParseModel parses a provider:model_id string. A bare model id is returned
// with an empty provider.
func ParseModel(s string) Model {
	provider, id, ok := strings.Cut(s, ":")
	if !ok {
		return Model{ID: s}
	}
	return Model{Provider: provider, ID: id}
}

// ---------------------------------------------------------------------------
// Provider request types
// ---------------------------------------------------------------------------

// ToolDefinition describes a tool to the provider.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON schema
}

// Context is the full request context for one streaming call.
type Context struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
}

// StreamOptions tunes a single streaming request.
type StreamOptions struct {
	MaxTokens   int
	Temperature *float64
	Thinking    ThinkingLevel
}

// ---------------------------------------------------------------------------
// Stream events
// ---------------------------------------------------------------------------

// StreamEventType enumerates the canonical events a provider adapter may
// emit. Adapters must map their native chunk vocabulary onto exactly these.
type StreamEventType string

const (
	StreamTextStart     StreamEventType = "text_start"
	StreamTextDelta     StreamEventType = "text_delta"
	StreamTextDone      StreamEventType = "text_done"
	StreamThinkingStart StreamEventType = "thinking_start"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamToolCallStart StreamEventType = "tool_call_start"
	StreamToolCallDelta StreamEventType = "tool_call_delta"
	StreamToolCallDone  StreamEventType = "tool_call_done"
	StreamUsage         StreamEventType = "usage"
	StreamResponseDone  StreamEventType = "response_done"
	StreamError         StreamEventType = "error"
)

// StreamEvent is one canonical streaming event.
type StreamEvent struct {
	Type StreamEventType

	// Delta carries text for text_delta/thinking_delta and the raw JSON
	// arguments fragment for tool_call_delta.
	Delta string

	// Text is the final text for text_done.
	Text string

	// Tool call fields (tool_call_start / tool_call_done).
	CallID    string
	ToolName  string
	Arguments map[string]any

	// Usage for usage and response_done events.
	Usage *Usage

	// Err for error events. Adapters should wrap with a ProviderError so the
	// engine can classify it.
	Err error
}
