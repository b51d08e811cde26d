// Package store persists sessions, settings, and auth material under the
// opal data directory.
//
// ai.Message is an interface whose content fields hold ai.ContentBlock,
// also an interface. Standard json.Unmarshal cannot decode these without
// help; this file provides MarshalMessage / UnmarshalMessage covering the
// full type set.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
)

// rawBlock is a flat representation of any ContentBlock, used for both
// marshalling and unmarshalling (peek at "type", then decode).
type rawBlock struct {
	Type string `json:"type"`

	// TextContent / ThinkingContent
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// ImageContent
	Data     string `json:"data,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`

	// ToolCall
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func marshalBlocks(blocks []ai.ContentBlock) (json.RawMessage, error) {
	raws := make([]rawBlock, 0, len(blocks))
	for _, b := range blocks {
		switch c := b.(type) {
		case ai.TextContent:
			raws = append(raws, rawBlock{Type: "text", Text: c.Text})
		case ai.ThinkingContent:
			raws = append(raws, rawBlock{Type: "thinking", Thinking: c.Thinking})
		case ai.ImageContent:
			raws = append(raws, rawBlock{Type: "image", Data: c.Data, MIMEType: c.MIMEType})
		case ai.ToolCall:
			raws = append(raws, rawBlock{Type: "tool_call", ID: c.ID, Name: c.Name, Arguments: c.Arguments})
		}
	}
	return json.Marshal(raws)
}

func unmarshalBlocks(raw json.RawMessage) ([]ai.ContentBlock, error) {
	var raws []rawBlock
	if err := json.Unmarshal(raw, &raws); err != nil {
		return nil, err
	}
	blocks := make([]ai.ContentBlock, 0, len(raws))
	for _, r := range raws {
		switch r.Type {
		case "text":
			blocks = append(blocks, ai.TextContent{Type: "text", Text: r.Text})
		case "thinking":
			blocks = append(blocks, ai.ThinkingContent{Type: "thinking", Thinking: r.Thinking})
		case "image":
			blocks = append(blocks, ai.ImageContent{Type: "image", Data: r.Data, MIMEType: r.MIMEType})
		case "tool_call":
			blocks = append(blocks, ai.ToolCall{Type: "tool_call", ID: r.ID, Name: r.Name, Arguments: r.Arguments})
		}
	}
	return blocks, nil
}

// ---------------------------------------------------------------------------
// Message wire types (concrete, fully serialisable)
// ---------------------------------------------------------------------------

type wireUserMessage struct {
	Role      string          `json:"role"`
	ID        string          `json:"id,omitempty"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp"`
}

type wireAssistantMessage struct {
	Role         string          `json:"role"`
	ID           string          `json:"id,omitempty"`
	Content      json.RawMessage `json:"content"`
	Model        string          `json:"model"`
	Provider     string          `json:"provider"`
	Usage        ai.Usage        `json:"usage"`
	StopReason   ai.StopReason   `json:"stop_reason"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

type wireToolResultMessage struct {
	Role       string          `json:"role"`
	ID         string          `json:"id,omitempty"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Content    json.RawMessage `json:"content"`
	IsError    bool            `json:"is_error"`
	Timestamp  int64           `json:"timestamp"`
}

type wireSkillMessage struct {
	Role         string `json:"role"`
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
}

type wireSystemMessage struct {
	Role    string `json:"role"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// MarshalMessage serialises any ai.Message to JSON.
func MarshalMessage(m ai.Message) (json.RawMessage, error) {
	// Dereference pointer types; providers return *AssistantMessage.
	switch p := m.(type) {
	case *ai.UserMessage:
		return MarshalMessage(*p)
	case *ai.AssistantMessage:
		return MarshalMessage(*p)
	case *ai.ToolResultMessage:
		return MarshalMessage(*p)
	case *ai.SkillMessage:
		return MarshalMessage(*p)
	case *ai.SystemMessage:
		return MarshalMessage(*p)
	}

	switch msg := m.(type) {
	case ai.UserMessage:
		cb, err := marshalBlocks(msg.Content)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireUserMessage{Role: "user", ID: msg.ID, Content: cb, Timestamp: msg.Timestamp})

	case ai.AssistantMessage:
		cb, err := marshalBlocks(msg.Content)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireAssistantMessage{
			Role:         "assistant",
			ID:           msg.ID,
			Content:      cb,
			Model:        msg.Model,
			Provider:     msg.Provider,
			Usage:        msg.Usage,
			StopReason:   msg.StopReason,
			ErrorMessage: msg.ErrorMessage,
			Timestamp:    msg.Timestamp,
		})

	case ai.ToolResultMessage:
		cb, err := marshalBlocks(msg.Content)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wireToolResultMessage{
			Role:       "tool_result",
			ID:         msg.ID,
			ToolCallID: msg.ToolCallID,
			ToolName:   msg.ToolName,
			Content:    cb,
			IsError:    msg.IsError,
			Timestamp:  msg.Timestamp,
		})

	case ai.SkillMessage:
		return json.Marshal(wireSkillMessage{Role: "skill", ID: msg.ID, Name: msg.Name, Instructions: msg.Instructions})

	case ai.SystemMessage:
		return json.Marshal(wireSystemMessage{Role: "system", ID: msg.ID, Content: msg.Content})

	default:
		return nil, fmt.Errorf("store: unknown message type %T", m)
	}
}

// UnmarshalMessage deserialises a JSON blob into an ai.Message, dispatching
// on the embedded "role" discriminator.
func UnmarshalMessage(data json.RawMessage) (ai.Message, error) {
	var probe struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Role {
	case "user":
		var w wireUserMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		blocks, err := unmarshalBlocks(w.Content)
		if err != nil {
			return nil, err
		}
		if w.Timestamp == 0 {
			w.Timestamp = time.Now().UnixMilli()
		}
		return ai.UserMessage{ID: w.ID, Content: blocks, Timestamp: w.Timestamp}, nil

	case "assistant":
		var w wireAssistantMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		blocks, err := unmarshalBlocks(w.Content)
		if err != nil {
			return nil, err
		}
		if w.Timestamp == 0 {
			w.Timestamp = time.Now().UnixMilli()
		}
		return ai.AssistantMessage{
			ID:           w.ID,
			Content:      blocks,
			Model:        w.Model,
			Provider:     w.Provider,
			Usage:        w.Usage,
			StopReason:   w.StopReason,
			ErrorMessage: w.ErrorMessage,
			Timestamp:    w.Timestamp,
		}, nil

	case "tool_result":
		var w wireToolResultMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		blocks, err := unmarshalBlocks(w.Content)
		if err != nil {
			return nil, err
		}
		if w.Timestamp == 0 {
			w.Timestamp = time.Now().UnixMilli()
		}
		return ai.ToolResultMessage{
			ID:         w.ID,
			ToolCallID: w.ToolCallID,
			ToolName:   w.ToolName,
			Content:    blocks,
			IsError:    w.IsError,
			Timestamp:  w.Timestamp,
		}, nil

	case "skill":
		var w wireSkillMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return ai.SkillMessage{ID: w.ID, Name: w.Name, Instructions: w.Instructions}, nil

	case "system":
		var w wireSystemMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return ai.SystemMessage{ID: w.ID, Content: w.Content}, nil

	default:
		return nil, fmt.Errorf("store: unknown role %q", probe.Role)
	}
}
