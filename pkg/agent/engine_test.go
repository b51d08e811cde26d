package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/tools"
)

// ---------------------------------------------------------------------------
// Scripted provider
// ---------------------------------------------------------------------------

// scriptTurn is one scripted provider response for a main turn. Auxiliary
// requests (compaction, auto-title) are answered without consuming a turn so
// their timing cannot perturb the script.
type scriptTurn struct {
	text  string
	calls []ai.ToolCall
	err   error
	usage *ai.Usage
}

type scriptedProvider struct {
	mu    sync.Mutex
	turns []scriptTurn
}

func (p *scriptedProvider) Name() string { return "fake" }

func (p *scriptedProvider) Stream(ctx context.Context, model ai.Model, llmCtx ai.Context, opts ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	if strings.Contains(llmCtx.SystemPrompt, "summarising technical conversations") {
		return p.canned("## Goal\ncondensed checkpoint")
	}
	if len(llmCtx.Messages) == 1 {
		if u, ok := llmCtx.Messages[0].(ai.UserMessage); ok && strings.Contains(u.Text(), "3-6 word title") {
			return p.canned("Scripted Test Session")
		}
	}

	p.mu.Lock()
	if len(p.turns) == 0 {
		p.mu.Unlock()
		return p.failed(errors.New("script exhausted"))
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	p.mu.Unlock()

	if turn.err != nil {
		return p.failed(turn.err)
	}

	ch := make(chan ai.StreamEvent, 16)
	msg := &ai.AssistantMessage{Model: model.ID, Provider: model.Provider}
	go func() {
		defer close(ch)
		if turn.text != "" {
			ch <- ai.StreamEvent{Type: ai.StreamTextStart}
			ch <- ai.StreamEvent{Type: ai.StreamTextDelta, Delta: turn.text}
			ch <- ai.StreamEvent{Type: ai.StreamTextDone, Text: turn.text}
			msg.Content = append(msg.Content, ai.Text(turn.text))
		}
		for _, call := range turn.calls {
			ch <- ai.StreamEvent{Type: ai.StreamToolCallStart, CallID: call.ID, ToolName: call.Name}
			ch <- ai.StreamEvent{Type: ai.StreamToolCallDone, CallID: call.ID, ToolName: call.Name, Arguments: call.Arguments}
			msg.Content = append(msg.Content, call)
		}
		if turn.usage != nil {
			u := *turn.usage
			msg.Usage = u
			ch <- ai.StreamEvent{Type: ai.StreamResponseDone, Usage: &u}
		} else {
			ch <- ai.StreamEvent{Type: ai.StreamResponseDone}
		}
	}()

	if len(turn.calls) > 0 {
		msg.StopReason = ai.StopReasonTool
	} else {
		msg.StopReason = ai.StopReasonStop
	}
	return ch, func() (*ai.AssistantMessage, error) { return msg, nil }
}

func (p *scriptedProvider) canned(text string) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	ch := make(chan ai.StreamEvent, 2)
	ch <- ai.StreamEvent{Type: ai.StreamTextDelta, Delta: text}
	close(ch)
	msg := &ai.AssistantMessage{
		Content:    []ai.ContentBlock{ai.Text(text)},
		StopReason: ai.StopReasonStop,
	}
	return ch, func() (*ai.AssistantMessage, error) { return msg, nil }
}

func (p *scriptedProvider) failed(err error) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	ch := make(chan ai.StreamEvent)
	close(ch)
	return ch, func() (*ai.AssistantMessage, error) { return nil, err }
}

// blockedProvider never produces a chunk until the request is canceled.
type blockedProvider struct{}

func (blockedProvider) Name() string { return "blocked" }

func (blockedProvider) Stream(ctx context.Context, model ai.Model, llmCtx ai.Context, opts ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	ch := make(chan ai.StreamEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, func() (*ai.AssistantMessage, error) { return nil, ctx.Err() }
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type fakeTool struct {
	name string
	fn   func(ctx context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome
}

func (t *fakeTool) Name() string               { return t.name }
func (t *fakeTool) Description() string        { return "test tool" }
func (t *fakeTool) Meta(map[string]any) string { return t.name }
func (t *fakeTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{Properties: map[string]tools.Property{
		"value": {Type: "string", Description: "test input"},
	}})
}

func (t *fakeTool) Execute(ctx context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	return t.fn(ctx, ec, args)
}

func newTestSession(t *testing.T, p ai.Provider, reg *tools.Registry, ec EngineConfig) *Session {
	t.Helper()
	sup := NewSupervisor(reg, nil, nil)
	t.Cleanup(sup.CloseAll)

	sess, err := sup.StartSession(SessionOptions{
		WorkingDir:   t.TempDir(),
		Model:        ai.Model{Provider: "fake", ID: "toy", ContextWindow: 200000},
		Provider:     p,
		SystemPrompt: "You are a test agent.",
		Engine:       ec,
	})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return sess
}

// waitEvent reads events until pred matches, failing the test after 5s.
func waitEvent(t *testing.T, ch <-chan Event, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed before expected event")
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func waitType(t *testing.T, ch <-chan Event, et EventType) Event {
	t.Helper()
	return waitEvent(t, ch, func(ev Event) bool { return ev.Type == et })
}

// ---------------------------------------------------------------------------
// Turn loop
// ---------------------------------------------------------------------------

func TestPromptStreamsTextTurn(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{
		{text: "hello there", usage: &ai.Usage{Prompt: 10, Completion: 4}},
	}}
	sess := newTestSession(t, p, nil, EngineConfig{})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("hi"); err != nil {
		t.Fatalf("prompt: %v", err)
	}

	waitType(t, ch, EventAgentStart)
	waitType(t, ch, EventMessageStart)

	var text strings.Builder
	waitEvent(t, ch, func(ev Event) bool {
		if ev.Type == EventMessageDelta {
			text.WriteString(ev.Delta)
		}
		return ev.Type == EventAgentEnd
	})
	if text.String() != "hello there" {
		t.Fatalf("deltas: %q", text.String())
	}

	sess.Engine().Wait()
	if got := sess.Status(); got != StatusIdle {
		t.Fatalf("status after turn: %v", got)
	}
	usage := sess.Engine().Usage()
	if usage.Prompt != 10 || usage.Completion != 4 {
		t.Fatalf("usage: %+v", usage)
	}
}

func TestPromptWhileBusyReturnsErrBusy(t *testing.T) {
	sess := newTestSession(t, blockedProvider{}, nil, EngineConfig{})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("first"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	waitType(t, ch, EventAgentStart)

	if err := sess.Prompt("second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	sess.Abort()
	waitType(t, ch, EventAgentAbort)
}

func TestToolCallsRunSequentially(t *testing.T) {
	var mu sync.Mutex
	var order []string

	reg := tools.NewRegistry()
	for _, name := range []string{"alpha", "beta"} {
		name := name
		reg.Register(&fakeTool{name: name, fn: func(context.Context, tools.ExecContext, map[string]any) tools.Outcome {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return tools.Ok(name + " done")
		}})
	}

	p := &scriptedProvider{turns: []scriptTurn{
		{calls: []ai.ToolCall{
			{Type: "tool_call", ID: "c1", Name: "alpha", Arguments: map[string]any{}},
			{Type: "tool_call", ID: "c2", Name: "beta", Arguments: map[string]any{}},
		}},
		{text: "both ran"},
	}}
	sess := newTestSession(t, p, reg, EngineConfig{})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("run the tools"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	waitType(t, ch, EventAgentEnd)
	sess.Engine().Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "alpha" || order[1] != "beta" {
		t.Fatalf("execution order: %v", order)
	}

	var results []ai.ToolResultMessage
	for _, m := range sess.Log.Snapshot() {
		if tr, ok := m.(ai.ToolResultMessage); ok {
			results = append(results, tr)
		}
	}
	if len(results) != 2 || results[0].ToolCallID != "c1" || results[1].ToolCallID != "c2" {
		t.Fatalf("tool results: %+v", results)
	}
}

func TestSteerSkipsRemainingToolCalls(t *testing.T) {
	var betaRan bool

	reg := tools.NewRegistry()
	var sess *Session
	reg.Register(&fakeTool{name: "alpha", fn: func(context.Context, tools.ExecContext, map[string]any) tools.Outcome {
		sess.Steer("actually, stop that")
		return tools.Ok("alpha done")
	}})
	reg.Register(&fakeTool{name: "beta", fn: func(context.Context, tools.ExecContext, map[string]any) tools.Outcome {
		betaRan = true
		return tools.Ok("beta done")
	}})

	p := &scriptedProvider{turns: []scriptTurn{
		{calls: []ai.ToolCall{
			{Type: "tool_call", ID: "c1", Name: "alpha", Arguments: map[string]any{}},
			{Type: "tool_call", ID: "c2", Name: "beta", Arguments: map[string]any{}},
			{Type: "tool_call", ID: "c3", Name: "beta", Arguments: map[string]any{}},
		}},
		{text: "steered response"},
	}}
	sess = newTestSession(t, p, reg, EngineConfig{})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("go"); err != nil {
		t.Fatalf("prompt: %v", err)
	}

	skipped := 0
	waitEvent(t, ch, func(ev Event) bool {
		if ev.Type == EventToolSkipped {
			skipped++
		}
		return ev.Type == EventAgentEnd
	})
	sess.Engine().Wait()

	if betaRan {
		t.Fatal("beta ran despite pending steer")
	}
	if skipped != 2 {
		t.Fatalf("tool_skipped events: %d", skipped)
	}

	// Every skipped call got the synthetic error result, and the steer text
	// landed in the log after them.
	msgs := sess.Log.Snapshot()
	var skipResults, steerIdx, lastSkipIdx int
	for i, m := range msgs {
		switch v := m.(type) {
		case ai.ToolResultMessage:
			if v.Text() == SteerSkipMessage {
				if !v.IsError {
					t.Fatal("skip result not marked as error")
				}
				skipResults++
				lastSkipIdx = i
			}
		case ai.UserMessage:
			if v.Text() == "actually, stop that" {
				steerIdx = i
			}
		}
	}
	if skipResults != 2 {
		t.Fatalf("skip results in log: %d", skipResults)
	}
	if steerIdx < lastSkipIdx {
		t.Fatalf("steer at index %d precedes last skip at %d", steerIdx, lastSkipIdx)
	}
}

func TestTransientErrorsRetryWithResetBetweenTurns(t *testing.T) {
	boom := ai.Transient(errors.New("upstream 503"))
	p := &scriptedProvider{turns: []scriptTurn{
		{err: boom}, {err: boom}, {text: "recovered"},
		{err: boom}, {text: "recovered again"},
	}}
	sess := newTestSession(t, p, nil, EngineConfig{
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("first"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	var attempts []int
	waitEvent(t, ch, func(ev Event) bool {
		if ev.Type == EventRetry {
			attempts = append(attempts, ev.Attempt)
		}
		return ev.Type == EventAgentEnd
	})
	sess.Engine().Wait()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("first turn attempts: %v", attempts)
	}

	// A later transient failure starts counting from 1 again.
	if err := sess.Prompt("second"); err != nil {
		t.Fatalf("second prompt: %v", err)
	}
	ev := waitType(t, ch, EventRetry)
	if ev.Attempt != 1 {
		t.Fatalf("retry count not reset: attempt %d", ev.Attempt)
	}
	waitType(t, ch, EventAgentEnd)
	sess.Engine().Wait()
}

func TestRetryExhaustionEndsTurnWithError(t *testing.T) {
	boom := ai.Transient(errors.New("upstream 503"))
	p := &scriptedProvider{turns: []scriptTurn{{err: boom}, {err: boom}}}
	sess := newTestSession(t, p, nil, EngineConfig{
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("go"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	waitType(t, ch, EventRetry)
	ev := waitType(t, ch, EventError)
	if !strings.Contains(ev.Reason, "giving up") {
		t.Fatalf("error reason: %q", ev.Reason)
	}
	sess.Engine().Wait()
	if got := sess.Status(); got != StatusIdle {
		t.Fatalf("status: %v", got)
	}
}

func TestPermanentErrorEndsTurnWithoutRetry(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{
		{err: ai.Permanent(errors.New("invalid api key"))},
	}}
	sess := newTestSession(t, p, nil, EngineConfig{})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("go"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	waitEvent(t, ch, func(ev Event) bool {
		if ev.Type == EventRetry {
			t.Fatal("permanent error was retried")
		}
		return ev.Type == EventError
	})
	sess.Engine().Wait()
}

func TestOverflowTriggersForcedCompaction(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{
		{err: ai.Overflow(errors.New("prompt is too long: 250000 tokens"))},
		{text: "resumed after compaction"},
	}}
	sess := newTestSession(t, p, nil, EngineConfig{
		AutoCompactThreshold: -1, // only the overflow path may compact here
	})
	// A small window keeps the forced-compaction keep budget below the
	// seeded history size, so a cut point exists.
	sess.SetModel(ai.Model{Provider: "fake", ID: "toy", ContextWindow: 400}, nil)

	filler := strings.Repeat("lorem ipsum dolor sit amet ", 40)
	for i := 0; i < 6; i++ {
		sess.Log.Append(ai.UserText(fmt.Sprintf("request %d: %s", i, filler)))
		sess.Log.Append(ai.AssistantMessage{
			Content:    []ai.ContentBlock{ai.Text(fmt.Sprintf("answer %d: %s", i, filler))},
			StopReason: ai.StopReasonStop,
		})
	}

	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("one more thing"); err != nil {
		t.Fatalf("prompt: %v", err)
	}

	start := waitType(t, ch, EventCompactionStart)
	if start.Reason != "overflow" {
		t.Fatalf("compaction reason: %q", start.Reason)
	}
	end := waitType(t, ch, EventCompactionEnd)
	if end.After >= end.Before {
		t.Fatalf("compaction did not shrink: before=%d after=%d", end.Before, end.After)
	}
	waitEvent(t, ch, func(ev Event) bool {
		if ev.Type == EventRetry {
			t.Fatal("overflow recovery consumed a retry attempt")
		}
		return ev.Type == EventAgentEnd
	})
	sess.Engine().Wait()

	first, ok := sess.Log.Snapshot()[0].(ai.UserMessage)
	if !ok || !strings.Contains(first.Text(), "compacted into the following summary") {
		t.Fatalf("log does not start with the summary message: %T", sess.Log.Snapshot()[0])
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	sess := newTestSession(t, blockedProvider{}, nil, EngineConfig{})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("go"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	waitType(t, ch, EventAgentStart)

	sess.Abort()
	sess.Abort()
	sess.Engine().Wait()

	aborts := 0
	drain := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-ch:
			if ev.Type == EventAgentAbort {
				aborts++
			}
			continue
		case <-drain:
		}
		break
	}
	if aborts != 1 {
		t.Fatalf("agent_abort events: %d", aborts)
	}
	if got := sess.Status(); got != StatusIdle {
		t.Fatalf("status: %v", got)
	}

	// The session is usable again after an abort.
	if err := sess.Prompt("again"); err != nil {
		t.Fatalf("prompt after abort: %v", err)
	}
	sess.Abort()
}

func TestSetModelDuringTurnIsSafe(t *testing.T) {
	boom := ai.Transient(errors.New("upstream 503"))
	p := &scriptedProvider{turns: []scriptTurn{
		{err: boom}, {err: boom}, {err: boom}, {text: "done"},
	}}
	sess := newTestSession(t, p, nil, EngineConfig{
		MaxRetries:     5,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
	})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("go"); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	// Switch models while the retrying turn keeps re-reading the provider.
	for i := 0; i < 50; i++ {
		sess.SetModel(ai.Model{Provider: "fake", ID: "toy", ContextWindow: 200000}, p)
	}
	waitType(t, ch, EventAgentEnd)
	sess.Engine().Wait()

	if sess.Model().ID != "toy" {
		t.Fatalf("model after switches: %s", sess.Model().ID)
	}
}

func TestStatusTagsBecomeStatusEvents(t *testing.T) {
	p := &scriptedProvider{turns: []scriptTurn{
		{text: "<status>Searching the tree</status>Found it."},
	}}
	sess := newTestSession(t, p, nil, EngineConfig{})
	ch, cancel := sess.Subscribe(64)
	defer cancel()

	if err := sess.Prompt("go"); err != nil {
		t.Fatalf("prompt: %v", err)
	}

	var statuses []string
	var text strings.Builder
	waitEvent(t, ch, func(ev Event) bool {
		switch ev.Type {
		case EventStatusUpdate:
			statuses = append(statuses, ev.Text)
		case EventMessageDelta:
			text.WriteString(ev.Delta)
		}
		return ev.Type == EventAgentEnd
	})
	sess.Engine().Wait()

	if len(statuses) != 1 || statuses[0] != "Searching the tree" {
		t.Fatalf("statuses: %v", statuses)
	}
	if text.String() != "Found it." {
		t.Fatalf("visible text: %q", text.String())
	}
}

func TestErrorStopMessagesHiddenFromProvider(t *testing.T) {
	msgs := []ai.Message{
		ai.UserText("hi"),
		ai.AssistantMessage{StopReason: ai.StopReasonError, ErrorMessage: "boom"},
		ai.AssistantMessage{Content: []ai.ContentBlock{ai.Text("ok")}, StopReason: ai.StopReasonStop},
		ai.SkillMessage{Name: "review", Instructions: "Check the diff."},
	}
	out := toProviderMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("messages: %d", len(out))
	}
	if _, ok := out[1].(ai.AssistantMessage); !ok {
		t.Fatalf("expected the surviving assistant message, got %T", out[1])
	}
	u, ok := out[2].(ai.UserMessage)
	if !ok || !strings.Contains(u.Text(), "Check the diff.") {
		t.Fatalf("skill message not rendered as user content: %T", out[2])
	}
}
