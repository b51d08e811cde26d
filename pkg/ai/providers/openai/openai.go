// Package openai implements ai.Provider for the OpenAI chat-completions API
// (streaming). It also serves any OpenAI-compatible endpoint (Groq,
// OpenRouter, local servers) via BaseURL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/ai/sse"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider is the OpenAI-compatible streaming provider.
type Provider struct {
	// Tag names the provider in model descriptors ("openai", "groq", ...).
	Tag        string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New creates a Provider. Pass "" for baseURL to use the OpenAI endpoint.
func New(tag, baseURL, apiKey string) *Provider {
	if tag == "" {
		tag = "openai"
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		Tag:        tag,
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *Provider) Name() string { return p.Tag }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"` // string | []wirePart
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireTool struct {
	Type     string       `json:"type"` // "function"
	Function wireToolFunc `json:"function"`
}

type wireToolFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"` // "function"
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON string
	} `json:"function"`
}

type wireRequest struct {
	Model         string        `json:"model"`
	Messages      []wireMessage `json:"messages"`
	Tools         []wireTool    `json:"tools,omitempty"`
	Stream        bool          `json:"stream"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

// SSE chunk types
type chunkDelta struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason"`
}

type chunkUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type streamChunk struct {
	ID      string        `json:"id"`
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
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
	req, err := p.buildRequest(model.ID, llmCtx, opts)
	if err != nil {
		return nil, ai.Permanent(err)
	}

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, ai.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ai.Transient(fmt.Errorf("%s: request: %w", p.Tag, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, p.classifyHTTP(resp.StatusCode, string(b), resp.Header.Get("Retry-After"))
	}

	final := &ai.AssistantMessage{
		Model:     model.ID,
		Provider:  p.Tag,
		Timestamp: time.Now().UnixMilli(),
	}

	// Accumulate tool call fragments across deltas, keyed by choice index.
	type tcState struct {
		id   string
		name string
		args bytes.Buffer
	}
	tcMap := map[int]*tcState{}
	tcOrder := []int{}

	textStarted := false
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
			return nil, ai.Transient(fmt.Errorf("%s: sse read: %w", p.Tag, err))
		}
		if ev.Data == "[DONE]" {
			break
		}
		if ev.Data == "" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			continue
		}

		if len(chunk.Choices) == 0 {
			// Usage-only chunk (stream_options.include_usage).
			if chunk.Usage != nil {
				applyUsage(final, chunk.Usage)
				u := final.Usage
				events <- ai.StreamEvent{Type: ai.StreamUsage, Usage: &u}
			}
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !textStarted {
				textStarted = true
				events <- ai.StreamEvent{Type: ai.StreamTextStart}
			}
			events <- ai.StreamEvent{Type: ai.StreamTextDelta, Delta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			st, exists := tcMap[tc.Index]
			if !exists {
				st = &tcState{}
				tcMap[tc.Index] = st
				tcOrder = append(tcOrder, tc.Index)
			}
			if tc.ID != "" {
				st.id = tc.ID
			}
			if tc.Function.Name != "" {
				st.name = tc.Function.Name
				events <- ai.StreamEvent{Type: ai.StreamToolCallStart, CallID: st.id, ToolName: st.name}
			}
			if tc.Function.Arguments != "" {
				st.args.WriteString(tc.Function.Arguments)
				events <- ai.StreamEvent{Type: ai.StreamToolCallDelta, CallID: st.id, Delta: tc.Function.Arguments}
			}
		}

		if choice.FinishReason != "" {
			final.StopReason = mapStopReason(choice.FinishReason)
		}

		if chunk.Usage != nil {
			applyUsage(final, chunk.Usage)
		}
	}

	if textStarted {
		events <- ai.StreamEvent{Type: ai.StreamTextDone}
	}
	for _, idx := range tcOrder {
		st := tcMap[idx]
		var args map[string]any
		_ = json.Unmarshal(st.args.Bytes(), &args)
		events <- ai.StreamEvent{Type: ai.StreamToolCallDone, CallID: st.id, ToolName: st.name, Arguments: args}
	}

	if final.StopReason == "" {
		final.StopReason = ai.StopReasonStop
	}
	u := final.Usage
	events <- ai.StreamEvent{Type: ai.StreamResponseDone, Usage: &u}
	return final, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func applyUsage(msg *ai.AssistantMessage, u *chunkUsage) {
	msg.Usage.Prompt = u.PromptTokens
	msg.Usage.Completion = u.CompletionTokens
	msg.Usage.Total = u.TotalTokens
	if u.PromptTokensDetails != nil {
		msg.Usage.CacheRead = u.PromptTokensDetails.CachedTokens
		msg.Usage.Prompt -= u.PromptTokensDetails.CachedTokens
	}
}

func (p *Provider) classifyHTTP(status int, body, retryAfter string) error {
	err := fmt.Errorf("%s: HTTP %d: %s", p.Tag, status, body)
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

func (p *Provider) buildRequest(model string, llmCtx ai.Context, opts ai.StreamOptions) (wireRequest, error) {
	req := wireRequest{
		Model:       model,
		Stream:      true,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		StreamOptions: &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true},
	}

	if llmCtx.SystemPrompt != "" {
		req.Messages = append(req.Messages, wireMessage{Role: "system", Content: llmCtx.SystemPrompt})
	}
	for _, m := range llmCtx.Messages {
		wm, err := convertMessage(m)
		if err != nil {
			return wireRequest{}, err
		}
		req.Messages = append(req.Messages, wm)
	}
	for _, t := range llmCtx.Tools {
		req.Tools = append(req.Tools, wireTool{
			Type: "function",
			Function: wireToolFunc{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return req, nil
}

func convertMessage(m ai.Message) (wireMessage, error) {
	switch msg := m.(type) {
	case ai.UserMessage:
		wm := wireMessage{Role: "user"}
		parts := make([]wirePart, 0, len(msg.Content))
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case ai.TextContent:
				parts = append(parts, wirePart{Type: "text", Text: blk.Text})
			case ai.ImageContent:
				url := fmt.Sprintf("data:%s;base64,%s", blk.MIMEType, blk.Data)
				parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: url}})
			}
		}
		if len(parts) == 1 && parts[0].Type == "text" {
			wm.Content = parts[0].Text
		} else {
			wm.Content = parts
		}
		return wm, nil

	case ai.AssistantMessage:
		wm := wireMessage{Role: "assistant"}
		var text string
		for _, c := range msg.Content {
			switch blk := c.(type) {
			case ai.TextContent:
				text += blk.Text
			case ai.ToolCall:
				argsJSON, _ := json.Marshal(blk.Arguments)
				tc := wireToolCall{ID: blk.ID, Type: "function"}
				tc.Function.Name = blk.Name
				tc.Function.Arguments = string(argsJSON)
				wm.ToolCalls = append(wm.ToolCalls, tc)
			}
		}
		if text != "" {
			wm.Content = text
		}
		return wm, nil

	case ai.ToolResultMessage:
		var content string
		for _, c := range msg.Content {
			if tc, ok := c.(ai.TextContent); ok {
				content += tc.Text
			}
		}
		return wireMessage{Role: "tool", ToolCallID: msg.ToolCallID, Content: content}, nil
	}

	return wireMessage{}, fmt.Errorf("openai: unsupported message type: %T", m)
}

func mapStopReason(s string) ai.StopReason {
	switch s {
	case "stop":
		return ai.StopReasonStop
	case "length":
		return ai.StopReasonLength
	case "tool_calls":
		return ai.StopReasonTool
	default:
		return ai.StopReason(s)
	}
}
