package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/bus"
	"github.com/opal-dev/opal/pkg/tools"
)

// Status is the engine's externally visible state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusStreaming Status = "streaming"
)

// ErrBusy is returned by Prompt while a turn is in flight.
var ErrBusy = errors.New("agent is busy")

// SteerSkipMessage is the synthetic tool result recorded for every tool
// call skipped because the user steered mid-batch.
const SteerSkipMessage = "Skipped — user sent a steering message"

// EngineConfig tunes retry, compaction, and watchdog behavior. Zero values
// take the defaults below.
type EngineConfig struct {
	MaxRetries           int           // default 3
	RetryBaseDelay       time.Duration // default 2s
	RetryMaxDelay        time.Duration // default 60s
	AutoCompactThreshold float64       // default 0.80 of the context window
	StallWarnAfter       time.Duration // default 10s
	StallRearm           time.Duration // default 5s
	MaxTokens            int
	Temperature          *float64
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.AutoCompactThreshold == 0 {
		c.AutoCompactThreshold = 0.80
	}
	if c.StallWarnAfter == 0 {
		c.StallWarnAfter = 10 * time.Second
	}
	if c.StallRearm == 0 {
		c.StallRearm = 5 * time.Second
	}
	return c
}

// engineDeps is everything the engine borrows from its session. Accessor
// funcs (model, tools) reflect live session state such as model switches.
type engineDeps struct {
	sessionID    string
	workingDir   string
	log          *MessageLog
	bus          *bus.Bus[Event]
	provider     func() ai.Provider
	model        func() ai.Model
	systemPrompt func() string
	activeTools  func() []tools.Tool
	runner       *tools.Runner
	asker        tools.Asker
	logger       *slog.Logger

	// loadSkill resolves a skill name into its instructions for the
	// load_skill effect. Nil disables the effect.
	loadSkill func(name string) (instructions, description string, err error)

	// onTurnEnd fires after agent_end (auto-save, auto-title).
	onTurnEnd func(usage TokenUsage)

	// onCrash lets the supervisor replace a crashed engine.
	onCrash func(p any)
}

// Engine is the per-session turn state machine. A single run goroutine owns
// all turn state; Prompt/Steer/Abort only touch the mailbox and status
// under the mutex.
type Engine struct {
	cfg  EngineConfig
	deps engineDeps

	mu          sync.Mutex
	status      Status
	steers      []string
	cancelTurn  context.CancelFunc
	retryCount  int
	usage       TokenUsage
	overflow    bool
	prevSummary string

	wg sync.WaitGroup
}

func newEngine(cfg EngineConfig, deps engineDeps) *Engine {
	if deps.logger == nil {
		deps.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{cfg: cfg.withDefaults(), deps: deps, status: StatusIdle}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Usage() TokenUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// Prompt starts a new turn. Fails with ErrBusy unless idle.
func (e *Engine) Prompt(text string) error {
	e.mu.Lock()
	if e.status != StatusIdle {
		e.mu.Unlock()
		return ErrBusy
	}
	e.startTurnLocked(text)
	e.mu.Unlock()
	return nil
}

// Steer injects a user message. While a turn is running it lands in the
// mailbox and is drained between tools; while idle it simply starts a turn.
func (e *Engine) Steer(text string) {
	e.mu.Lock()
	if e.status == StatusIdle {
		e.startTurnLocked(text)
	} else {
		e.steers = append(e.steers, text)
	}
	e.mu.Unlock()
}

func (e *Engine) startTurnLocked(text string) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelTurn = cancel
	e.status = StatusRunning
	e.deps.log.Append(ai.UserText(text))
	e.publish(Event{Type: EventAgentStart})
	e.wg.Add(1)
	go e.run(ctx)
}

// Abort cancels the in-flight stream and any running tool task, discards
// queued steers, and returns the engine to idle. Idempotent.
func (e *Engine) Abort() {
	e.mu.Lock()
	if e.status == StatusIdle {
		e.mu.Unlock()
		return
	}
	cancel := e.cancelTurn
	e.cancelTurn = nil
	e.status = StatusIdle
	e.steers = nil
	e.retryCount = 0
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.publish(Event{Type: EventAgentAbort})
}

// Wait blocks until the current run goroutine (if any) exits. Test helper.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) publish(ev Event) {
	ev.SessionID = e.deps.sessionID
	e.deps.bus.Publish(ev)
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	// Abort already moved us to idle; do not resurrect the turn.
	if e.status != StatusIdle || s == StatusIdle {
		e.status = s
	}
	e.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Turn loop
// ---------------------------------------------------------------------------

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			e.deps.logger.Error("turn engine crashed",
				"session", e.deps.sessionID, "panic", p, "stack", string(debug.Stack()))
			e.mu.Lock()
			e.status = StatusIdle
			e.steers = nil
			e.retryCount = 0
			e.overflow = false
			e.mu.Unlock()
			if e.deps.onCrash != nil {
				e.deps.onCrash(p)
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		e.maybeAutoCompact(ctx)

		msg, err := e.streamOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			switch ai.Classify(err) {
			case ai.ErrorTransient:
				if !e.scheduleRetry(ctx, err) {
					return
				}
				continue
			case ai.ErrorOverflow:
				if !e.recoverOverflow(ctx) {
					return
				}
				continue
			default:
				e.publish(Event{Type: EventError, Reason: err.Error()})
				e.toIdle(ctx, false)
				return
			}
		}

		// Successful provider response.
		e.mu.Lock()
		e.retryCount = 0
		overflow := e.overflow
		e.mu.Unlock()

		window := e.deps.model().ContextWindow
		if overflow || ai.IsContextOverflow(msg, window) {
			if !e.recoverOverflow(ctx) {
				return
			}
			continue
		}

		calls := msg.ToolCalls()
		if len(calls) > 0 {
			e.runTools(ctx, calls)
			if ctx.Err() != nil {
				return
			}
			e.drainSteers()
			continue
		}

		if e.drainSteers() > 0 {
			continue
		}

		e.toIdle(ctx, true)
		return
	}
}

// toIdle finishes the turn. withEnd controls whether agent_end is emitted
// (permanent errors end the turn with error instead).
func (e *Engine) toIdle(ctx context.Context, withEnd bool) {
	if ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	e.status = StatusIdle
	e.retryCount = 0
	usage := e.usage
	e.mu.Unlock()

	if withEnd {
		e.publish(Event{Type: EventAgentEnd, Usage: &usage})
	}
	if e.deps.onTurnEnd != nil {
		e.deps.onTurnEnd(usage)
	}
}

// scheduleRetry emits a retry event and sleeps the backoff. Returns false
// when attempts are exhausted (error emitted, engine idled) or the turn was
// aborted mid-sleep.
func (e *Engine) scheduleRetry(ctx context.Context, cause error) bool {
	e.mu.Lock()
	if e.retryCount >= e.cfg.MaxRetries {
		e.mu.Unlock()
		e.publish(Event{Type: EventError, Reason: fmt.Sprintf("giving up after %d retries: %v", e.cfg.MaxRetries, cause)})
		e.toIdle(ctx, false)
		return false
	}
	e.retryCount++
	attempt := e.retryCount
	e.mu.Unlock()

	delay := e.cfg.RetryBaseDelay << (attempt - 1)
	if delay > e.cfg.RetryMaxDelay {
		delay = e.cfg.RetryMaxDelay
	}
	if hint := ai.RetryAfterHint(cause); hint > 0 {
		delay = hint
		if delay > e.cfg.RetryMaxDelay {
			delay = e.cfg.RetryMaxDelay
		}
	}

	e.publish(Event{
		Type:    EventRetry,
		Attempt: attempt,
		DelayMs: delay.Milliseconds(),
		Reason:  cause.Error(),
	})

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// recoverOverflow force-compacts with an aggressive keep budget and lets
// the loop retry the turn. Consumes no retry attempt.
func (e *Engine) recoverOverflow(ctx context.Context) bool {
	window := e.deps.model().ContextWindow
	keep := 20000
	if window > 0 {
		keep = window / 5
	}

	e.publish(Event{Type: EventCompactionStart, Reason: "overflow"})
	res, err := runCompaction(ctx, e.deps.provider(), e.deps.model(), e.deps.log.Snapshot(), keep, e.prevSummaryLocked())
	if err != nil || res == nil {
		if err != nil {
			e.deps.logger.Warn("overflow compaction failed", "err", err)
		}
		e.publish(Event{Type: EventError, Reason: "overflow_compact_failed"})
		e.toIdle(ctx, false)
		return false
	}

	e.deps.log.Replace(res.newMessages)
	e.mu.Lock()
	e.overflow = false
	e.prevSummary = res.summary
	e.mu.Unlock()
	e.publish(Event{Type: EventCompactionEnd, Before: res.tokensBefore, After: res.tokensAfter})
	return true
}

func (e *Engine) prevSummaryLocked() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prevSummary
}

// maybeAutoCompact compacts before calling the provider when the hybrid
// estimate crosses the threshold. Failures are logged and the turn proceeds
// uncompacted; the overflow path will catch a genuinely over-long prompt.
func (e *Engine) maybeAutoCompact(ctx context.Context) {
	window := e.deps.model().ContextWindow
	if window <= 0 || e.cfg.AutoCompactThreshold < 0 {
		return
	}
	est := e.deps.log.ContextEstimate()
	if float64(est) < float64(window)*e.cfg.AutoCompactThreshold {
		return
	}

	e.publish(Event{Type: EventCompactionStart, Reason: "auto"})
	res, err := runCompaction(ctx, e.deps.provider(), e.deps.model(), e.deps.log.Snapshot(), window/4, e.prevSummaryLocked())
	if err != nil {
		e.deps.logger.Warn("auto-compaction failed", "err", err)
		e.publish(Event{Type: EventError, Reason: "compact_error: " + err.Error()})
		return
	}
	if res == nil {
		e.publish(Event{Type: EventCompactionEnd, Before: est, After: est})
		return
	}
	e.deps.log.Replace(res.newMessages)
	e.mu.Lock()
	e.prevSummary = res.summary
	e.mu.Unlock()
	e.publish(Event{Type: EventCompactionEnd, Before: res.tokensBefore, After: res.tokensAfter})
}

// Compact runs a user-requested compaction (session/compact). A no-op on
// logs too short to cut.
func (e *Engine) Compact(ctx context.Context) error {
	window := e.deps.model().ContextWindow
	keep := 20000
	if window > 0 {
		keep = window / 4
	}
	est := e.deps.log.ContextEstimate()

	e.publish(Event{Type: EventCompactionStart, Reason: "manual"})
	res, err := runCompaction(ctx, e.deps.provider(), e.deps.model(), e.deps.log.Snapshot(), keep, e.prevSummaryLocked())
	if err != nil {
		e.publish(Event{Type: EventError, Reason: "compact_error: " + err.Error()})
		return err
	}
	if res == nil {
		e.publish(Event{Type: EventCompactionEnd, Before: est, After: est})
		return nil
	}
	e.deps.log.Replace(res.newMessages)
	e.mu.Lock()
	e.prevSummary = res.summary
	e.mu.Unlock()
	e.publish(Event{Type: EventCompactionEnd, Before: res.tokensBefore, After: res.tokensAfter})
	return nil
}

// ---------------------------------------------------------------------------
// Stream handling
// ---------------------------------------------------------------------------

// streamOnce performs one provider call, applies the stream to the engine's
// buffers, and appends the finalized assistant message. The returned error
// is unclassified; the caller decides retry/overflow/permanent.
func (e *Engine) streamOnce(ctx context.Context) (*ai.AssistantMessage, error) {
	model := e.deps.model()
	llmCtx := ai.Context{
		SystemPrompt: e.deps.systemPrompt(),
		Messages:     toProviderMessages(e.deps.log.Snapshot()),
		Tools:        tools.Definitions(e.deps.activeTools()),
	}
	opts := ai.StreamOptions{
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Thinking:    model.Thinking,
	}

	events, wait := e.deps.provider().Stream(ctx, model, llmCtx, opts)
	e.setStatus(StatusStreaming)
	defer e.setStatus(StatusRunning)

	var lastChunk atomic.Int64
	lastChunk.Store(time.Now().UnixNano())
	stallStop := make(chan struct{})
	go e.watchStall(&lastChunk, stallStop)
	defer close(stallStop)

	var (
		parser      statusTagParser
		text        strings.Builder
		thinking    strings.Builder
		calls       []ai.ToolCall
		partials    []partialCall
		textStarted bool
		streamErr   error
	)

	for ev := range events {
		lastChunk.Store(time.Now().UnixNano())
		switch ev.Type {
		case ai.StreamTextStart:
			// message_start is emitted with the first visible delta; a
			// text block may turn out to be all status tags.

		case ai.StreamTextDelta:
			clean, statuses := parser.Feed(ev.Delta)
			for _, st := range statuses {
				e.publish(Event{Type: EventStatusUpdate, Text: st})
			}
			if clean != "" {
				if !textStarted {
					textStarted = true
					e.publish(Event{Type: EventMessageStart})
				}
				text.WriteString(clean)
				e.publish(Event{Type: EventMessageDelta, Delta: clean})
			}

		case ai.StreamTextDone:
			// Accumulated deltas are authoritative; nothing to do.

		case ai.StreamThinkingStart:
			e.publish(Event{Type: EventThinkingStart})

		case ai.StreamThinkingDelta:
			thinking.WriteString(ev.Delta)
			e.publish(Event{Type: EventThinkingDelta, Delta: ev.Delta})

		case ai.StreamToolCallStart:
			partials = append(partials, partialCall{id: ev.CallID, name: ev.ToolName})

		case ai.StreamToolCallDelta:
			if len(partials) > 0 {
				partials[len(partials)-1].args.WriteString(ev.Delta)
			}

		case ai.StreamToolCallDone:
			calls = append(calls, finalizeCall(&partials, ev))

		case ai.StreamUsage:
			if ev.Usage != nil {
				e.applyUsage(*ev.Usage)
			}

		case ai.StreamResponseDone:
			if ev.Usage != nil {
				e.applyUsage(*ev.Usage)
			}

		case ai.StreamError:
			if ev.Err != nil {
				streamErr = ev.Err
			}
		}
	}

	finalMsg, err := wait()
	if err != nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}

	// Any unfinalized partials (providers that never send tool_call_done).
	for i := range partials {
		calls = append(calls, partials[i].finalize())
	}

	if leftover := parser.Flush(); leftover != "" {
		if !textStarted {
			e.publish(Event{Type: EventMessageStart})
		}
		text.WriteString(leftover)
		e.publish(Event{Type: EventMessageDelta, Delta: leftover})
	}

	msg := &ai.AssistantMessage{
		Model:     model.ID,
		Provider:  model.Provider,
		Timestamp: time.Now().UnixMilli(),
	}
	if thinking.Len() > 0 {
		msg.Content = append(msg.Content, ai.ThinkingContent{Type: "thinking", Thinking: thinking.String()})
	}
	if text.Len() > 0 {
		msg.Content = append(msg.Content, ai.Text(text.String()))
	}
	for _, c := range calls {
		msg.Content = append(msg.Content, c)
	}
	if finalMsg != nil {
		msg.StopReason = finalMsg.StopReason
		msg.Usage = finalMsg.Usage
	}
	if msg.StopReason == "" {
		if len(calls) > 0 {
			msg.StopReason = ai.StopReasonTool
		} else {
			msg.StopReason = ai.StopReasonStop
		}
	}

	stored := e.deps.log.Append(msg)
	if len(stored) == 1 {
		if am, ok := stored[0].(ai.AssistantMessage); ok {
			msg = &am
		}
	}
	return msg, nil
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *partialCall) finalize() ai.ToolCall {
	args := map[string]any{}
	if s := p.args.String(); s != "" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			args = map[string]any{}
		}
	}
	return ai.ToolCall{Type: "tool_call", ID: p.id, Name: p.name, Arguments: args}
}

// finalizeCall matches a tool_call_done event to its partial accumulator.
// Providers that send complete calls in the done event (no start/delta) are
// handled by building straight from the event.
func finalizeCall(partials *[]partialCall, ev ai.StreamEvent) ai.ToolCall {
	ps := *partials
	idx := -1
	for i := range ps {
		if ps[i].id == ev.CallID || (ev.CallID == "" && i == len(ps)-1) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ai.ToolCall{Type: "tool_call", ID: ev.CallID, Name: ev.ToolName, Arguments: orEmpty(ev.Arguments)}
	}

	p := ps[idx]
	*partials = append(ps[:idx], ps[idx+1:]...)
	call := p.finalize()
	if ev.CallID != "" {
		call.ID = ev.CallID
	}
	if ev.ToolName != "" {
		call.Name = ev.ToolName
	}
	if ev.Arguments != nil {
		call.Arguments = ev.Arguments
	}
	return call
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// applyUsage merges a provider usage report into the running accounting and
// flags usage-based overflow.
func (e *Engine) applyUsage(u ai.Usage) {
	window := e.deps.model().ContextWindow
	promptNow := u.Prompt + u.CacheRead
	e.deps.log.RecordUsage(promptNow)

	e.mu.Lock()
	e.usage.Prompt += u.Prompt
	e.usage.Completion += u.Completion
	if u.Total > 0 {
		e.usage.Total += u.Total
	} else {
		e.usage.Total += u.Prompt + u.Completion
	}
	e.usage.ContextWindow = window
	e.usage.CurrentContextTokens = promptNow
	e.usage.LastUsageMsgIndex = e.deps.log.Len()
	if window > 0 && promptNow > window {
		e.overflow = true
	}
	snapshot := e.usage
	e.mu.Unlock()

	e.publish(Event{Type: EventUsageUpdate, Usage: &snapshot})
}

// watchStall emits stream_stalled when no chunk has arrived for
// StallWarnAfter, then re-warns every StallRearm. Advisory only.
func (e *Engine) watchStall(lastChunk *atomic.Int64, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	nextWarn := e.cfg.StallWarnAfter
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastChunk.Load()))
			if idle < e.cfg.StallWarnAfter {
				nextWarn = e.cfg.StallWarnAfter
				continue
			}
			if idle >= nextWarn {
				e.publish(Event{Type: EventStreamStalled, SecondsIdle: int(idle.Seconds())})
				nextWarn = idle + e.cfg.StallRearm
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Tool dispatch
// ---------------------------------------------------------------------------

// runTools executes one assistant turn's tool calls strictly sequentially.
// Before each tool the steer mailbox is checked: a pending steer skips that
// tool and every remaining one, each recording the synthetic skip result.
func (e *Engine) runTools(ctx context.Context, calls []ai.ToolCall) {
	active := e.deps.activeTools()

	for i, call := range calls {
		if ctx.Err() != nil {
			return
		}
		if e.pendingSteers() > 0 {
			for _, skipped := range calls[i:] {
				e.publish(Event{Type: EventToolSkipped, Tool: skipped.Name, CallID: skipped.ID})
				e.deps.log.Append(ai.ToolResultMessage{
					ToolCallID: skipped.ID,
					ToolName:   skipped.Name,
					Content:    []ai.ContentBlock{ai.Text(SteerSkipMessage)},
					IsError:    true,
					Timestamp:  time.Now().UnixMilli(),
				})
			}
			return
		}

		meta := tools.MetaFor(active, call.Name, call.Arguments)
		e.publish(Event{
			Type:   EventToolExecutionStart,
			Tool:   call.Name,
			CallID: call.ID,
			Args:   call.Arguments,
			Meta:   meta,
		})

		ec := tools.ExecContext{
			WorkingDir: e.deps.workingDir,
			SessionID:  e.deps.sessionID,
			CallID:     call.ID,
			Ask:        e.deps.asker,
			Emit: func(chunk string) {
				e.publish(Event{Type: EventToolOutput, Tool: call.Name, CallID: call.ID, Delta: chunk})
			},
		}

		out := tools.Dispatch(ctx, e.deps.runner, active, call.Name, ec, call.Arguments)
		if out.Kind == tools.OutcomeEffect {
			out = e.applyEffect(call, out)
		}

		e.publish(Event{
			Type:   EventToolExecutionEnd,
			Tool:   call.Name,
			CallID: call.ID,
			Result: &ToolResultInfo{OK: !out.IsError(), Output: out.Text, Meta: out.Meta},
		})
		e.deps.log.Append(ai.ToolResultMessage{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Content:    []ai.ContentBlock{ai.Text(out.Text)},
			IsError:    out.IsError(),
			Timestamp:  time.Now().UnixMilli(),
		})
	}
}

// applyEffect translates a tool effect into a synthetic outcome.
func (e *Engine) applyEffect(call ai.ToolCall, out tools.Outcome) tools.Outcome {
	switch out.EffectTag {
	case "load_skill":
		name, _ := out.EffectPayload["name"].(string)
		if name == "" || e.deps.loadSkill == nil {
			return tools.Errf("no skill named %q is available", name)
		}
		instructions, desc, err := e.deps.loadSkill(name)
		if err != nil {
			return tools.Errf("load skill %q: %v", name, err)
		}
		e.publish(Event{Type: EventSkillLoaded, Name: name, Desc: desc})
		e.deps.log.Append(ai.SkillMessage{Name: name, Instructions: instructions})
		return tools.Ok(fmt.Sprintf("Loaded skill %q. Follow its instructions for this task.", name))
	default:
		return tools.Errf("unknown tool effect %q", out.EffectTag)
	}
}

func (e *Engine) pendingSteers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.steers)
}

// drainSteers appends every queued steer as a user message and returns how
// many were drained.
func (e *Engine) drainSteers() int {
	e.mu.Lock()
	steers := e.steers
	e.steers = nil
	e.mu.Unlock()

	for _, s := range steers {
		e.deps.log.Append(ai.UserText(s))
	}
	return len(steers)
}

// ---------------------------------------------------------------------------
// Provider message conversion
// ---------------------------------------------------------------------------

// toProviderMessages filters the log for the provider: error-stop assistant
// messages are dropped (their text never reached the user), skill messages
// render as user content.
func toProviderMessages(msgs []ai.Message) []ai.Message {
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		switch msg := m.(type) {
		case ai.AssistantMessage:
			if msg.StopReason == ai.StopReasonError || len(msg.Content) == 0 {
				continue
			}
			out = append(out, msg)
		case ai.SkillMessage:
			out = append(out, ai.UserMessage{
				ID: msg.ID,
				Content: []ai.ContentBlock{ai.Text(fmt.Sprintf(
					"Skill %q instructions:\n\n%s", msg.Name, msg.Instructions))},
			})
		default:
			out = append(out, m)
		}
	}
	return out
}
