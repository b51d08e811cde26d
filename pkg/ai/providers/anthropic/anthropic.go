// Package anthropic implements ai.Provider for the Anthropic Messages API
// (streaming via SSE).
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/ai/sse"
)

const defaultBaseURL = "https://api.anthropic.com/v1"
const apiVersion = "2023-06-01"

// Provider is the Anthropic streaming provider.
type Provider struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func New(baseURL, apiKey string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *Provider) Name() string { return "anthropic" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Tool use (assistant)
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
	// Tool result (user)
	ToolUseID string        `json:"tool_use_id,omitempty"`
	Content   []wireContent `json:"content,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	// Image
	Source *wireImageSource `json:"source,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/png"
	Data      string `json:"data"`
}

type wireMessage struct {
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type wireThinking struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	Thinking    *wireThinking `json:"thinking,omitempty"`
}

// SSE event payloads
type evContentBlockStart struct {
	Index        int         `json:"index"`
	ContentBlock wireContent `json:"content_block"`
}

type evContentBlockDelta struct {
	Index int `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type evMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type evMessageDelta struct {
	Delta struct {
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// thinkingBudget maps a thinking level to a token budget.
func thinkingBudget(level ai.ThinkingLevel) int {
	switch level {
	case ai.ThinkingLow:
		return 4096
	case ai.ThinkingMedium:
		return 8192
	case ai.ThinkingHigh:
		return 16384
	default:
		return 0
	}
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

func (p *Provider) Stream(ctx context.Context, model ai.Model, llmCtx ai.Context, opts ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	events := make(chan ai.StreamEvent, 64)
	var finalMsg *ai.AssistantMessage
	var finalErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		finalMsg, finalErr = p.stream(ctx, model, llmCtx, opts, events)
		if finalErr != nil {
			events <- ai.StreamEvent{Type: ai.StreamError, Err: finalErr}
		}
		close(events)
	}()

	return events, func() (*ai.AssistantMessage, error) {
		<-done
		return finalMsg, finalErr
	}
}

func (p *Provider) stream(ctx context.Context, model ai.Model, llmCtx ai.Context, opts ai.StreamOptions, events chan<- ai.StreamEvent) (*ai.AssistantMessage, error) {
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	req := wireRequest{
		Model:       model.ID,
		MaxTokens:   maxTokens,
		System:      llmCtx.SystemPrompt,
		Stream:      true,
		Temperature: opts.Temperature,
	}
	if budget := thinkingBudget(opts.Thinking); budget > 0 {
		req.Thinking = &wireThinking{Type: "enabled", BudgetTokens: budget}
		if budget >= maxTokens {
			req.MaxTokens = budget + maxTokens
		}
		// Thinking requires default temperature.
		req.Temperature = nil
	}

	for _, m := range llmCtx.Messages {
		wm, err := convertMessage(m)
		if err != nil {
			return nil, ai.Permanent(err)
		}
		req.Messages = append(req.Messages, wm)
	}
	for _, t := range llmCtx.Tools {
		req.Tools = append(req.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, ai.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ai.Transient(fmt.Errorf("anthropic: request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, classifyHTTP(resp.StatusCode, string(b), resp.Header.Get("Retry-After"))
	}

	final := &ai.AssistantMessage{
		Model:     model.ID,
		Provider:  "anthropic",
		Timestamp: time.Now().UnixMilli(),
	}

	// Track in-flight content blocks by stream index.
	type blockState struct {
		kind string // "text" | "thinking" | "tool_use"
		id   string
		name string
		args bytes.Buffer
	}
	blocks := map[int]*blockState{}

	reader := sse.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ai.Transient(fmt.Errorf("anthropic: sse read: %w", err))
		}
		if ev.Data == "" {
			continue
		}

		switch ev.Type {
		case "message_start":
			var ms evMessageStart
			if json.Unmarshal([]byte(ev.Data), &ms) == nil {
				final.Usage.Prompt = ms.Message.Usage.InputTokens
				final.Usage.CacheRead = ms.Message.Usage.CacheReadInputTokens
				final.Usage.CacheWrite = ms.Message.Usage.CacheCreationInputTokens
			}

		case "content_block_start":
			var cbs evContentBlockStart
			if json.Unmarshal([]byte(ev.Data), &cbs) != nil {
				continue
			}
			bs := &blockState{kind: cbs.ContentBlock.Type}
			blocks[cbs.Index] = bs
			switch cbs.ContentBlock.Type {
			case "text":
				events <- ai.StreamEvent{Type: ai.StreamTextStart}
			case "thinking":
				events <- ai.StreamEvent{Type: ai.StreamThinkingStart}
			case "tool_use":
				bs.id = cbs.ContentBlock.ID
				if bs.id == "" {
					bs.id = "call_" + uuid.NewString()[:8]
				}
				bs.name = cbs.ContentBlock.Name
				events <- ai.StreamEvent{Type: ai.StreamToolCallStart, CallID: bs.id, ToolName: bs.name}
			}

		case "content_block_delta":
			var cbd evContentBlockDelta
			if json.Unmarshal([]byte(ev.Data), &cbd) != nil {
				continue
			}
			bs := blocks[cbd.Index]
			if bs == nil {
				continue
			}
			switch cbd.Delta.Type {
			case "text_delta":
				events <- ai.StreamEvent{Type: ai.StreamTextDelta, Delta: cbd.Delta.Text}
			case "thinking_delta":
				events <- ai.StreamEvent{Type: ai.StreamThinkingDelta, Delta: cbd.Delta.Thinking}
			case "input_json_delta":
				bs.args.WriteString(cbd.Delta.PartialJSON)
				events <- ai.StreamEvent{Type: ai.StreamToolCallDelta, CallID: bs.id, Delta: cbd.Delta.PartialJSON}
			}

		case "content_block_stop":
			var idx struct {
				Index int `json:"index"`
			}
			if json.Unmarshal([]byte(ev.Data), &idx) != nil {
				break
			}
			bs := blocks[idx.Index]
			if bs == nil {
				break
			}
			switch bs.kind {
			case "text":
				events <- ai.StreamEvent{Type: ai.StreamTextDone}
			case "tool_use":
				var args map[string]any
				_ = json.Unmarshal(bs.args.Bytes(), &args)
				events <- ai.StreamEvent{Type: ai.StreamToolCallDone, CallID: bs.id, ToolName: bs.name, Arguments: args}
			}
			delete(blocks, idx.Index)

		case "message_delta":
			var md evMessageDelta
			if json.Unmarshal([]byte(ev.Data), &md) == nil {
				if md.Delta.StopReason != "" {
					final.StopReason = mapStopReason(md.Delta.StopReason)
				}
				final.Usage.Completion = md.Usage.OutputTokens
			}

		case "message_stop":
			final.Usage.Total = final.Usage.Prompt + final.Usage.Completion +
				final.Usage.CacheRead + final.Usage.CacheWrite
			u := final.Usage
			events <- ai.StreamEvent{Type: ai.StreamResponseDone, Usage: &u}

		case "error":
			var ee struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal([]byte(ev.Data), &ee) == nil && ee.Error.Message != "" {
				return nil, classifyStreamError(ee.Error.Type, ee.Error.Message)
			}
		}
	}

	if final.StopReason == "" {
		final.StopReason = ai.StopReasonStop
	}
	return final, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func classifyHTTP(status int, body, retryAfter string) error {
	err := fmt.Errorf("anthropic: HTTP %d: %s", status, body)
	switch {
	case status == 413 || ai.IsOverflowMessage(body):
		return ai.Overflow(err)
	case status == 429 || status >= 500:
		if secs, perr := strconv.Atoi(retryAfter); perr == nil && secs > 0 {
			return ai.TransientAfter(err, time.Duration(secs)*time.Second)
		}
		return ai.Transient(err)
	default:
		return ai.Permanent(err)
	}
}

// classifyStreamError handles the in-stream error event Anthropic sends when
// a request fails after the stream opened (e.g. overloaded_error).
func classifyStreamError(typ, msg string) error {
	err := fmt.Errorf("anthropic: %s: %s", typ, msg)
	switch {
	case ai.IsOverflowMessage(msg):
		return ai.Overflow(err)
	case typ == "overloaded_error" || typ == "api_error" || typ == "rate_limit_error":
		return ai.Transient(err)
	default:
		return ai.Permanent(err)
	}
}

func convertMessage(m ai.Message) (wireMessage, error) {
	switch msg := m.(type) {
	case ai.UserMessage:
		var content []wireContent
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case ai.TextContent:
				content = append(content, wireContent{Type: "text", Text: blk.Text})
			case ai.ImageContent:
				content = append(content, wireContent{
					Type:   "image",
					Source: &wireImageSource{Type: "base64", MediaType: blk.MIMEType, Data: blk.Data},
				})
			}
		}
		return wireMessage{Role: "user", Content: content}, nil

	case ai.AssistantMessage:
		var content []wireContent
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case ai.TextContent:
				content = append(content, wireContent{Type: "text", Text: blk.Text})
			case ai.ToolCall:
				content = append(content, wireContent{
					Type:  "tool_use",
					ID:    blk.ID,
					Name:  blk.Name,
					Input: blk.Arguments,
				})
			}
		}
		return wireMessage{Role: "assistant", Content: content}, nil

	case ai.ToolResultMessage:
		var inner []wireContent
		for _, c := range msg.Content {
			if tc, ok := c.(ai.TextContent); ok {
				inner = append(inner, wireContent{Type: "text", Text: tc.Text})
			}
		}
		return wireMessage{
			Role: "user",
			Content: []wireContent{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   inner,
				IsError:   msg.IsError,
			}},
		}, nil
	}

	return wireMessage{}, fmt.Errorf("anthropic: unsupported message type: %T", m)
}

func mapStopReason(s string) ai.StopReason {
	switch s {
	case "end_turn", "stop_sequence":
		return ai.StopReasonStop
	case "max_tokens":
		return ai.StopReasonLength
	case "tool_use":
		return ai.StopReasonTool
	default:
		return ai.StopReason(s)
	}
}
