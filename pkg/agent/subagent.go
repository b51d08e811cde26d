package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
	"github.com/opal-dev/opal/pkg/ai/models"
	"github.com/opal-dev/opal/pkg/tools"
)

// Sub-agents: the sub_agent tool spawns a depth-1 child session under the
// parent's supervisor, forwards every child event onto the parent's bus
// wrapped as sub_agent_event, and returns the child's final text as a
// normal tool result.

const defaultSubAgentTimeout = 120 * time.Second

type subAgentOptions struct {
	Label      string
	Model      ai.Model // zero value inherits the parent's model
	ToolFilter []string
}

// startSubAgent builds the child session: parent's tools (minus sub_agent
// and ask_user, plus ask_parent), model unless overridden, working dir and
// config inherited. Ephemeral; never persisted.
func (sup *Supervisor) startSubAgent(parent *Session, callID string, o subAgentOptions) (*Session, error) {
	if parent.Parent != nil {
		return nil, fmt.Errorf("sub-agents cannot spawn sub-agents")
	}

	model := parent.Model()
	if o.Model.ID != "" {
		model = o.Model
	}

	child, err := sup.StartSession(SessionOptions{
		WorkingDir: parent.WorkingDir,
		Model:      model,
		Provider:   parent.Provider(),
		Parent:     &ParentLink{ParentSessionID: parent.ID, ParentCallID: callID},
		Config:     parent.cfg,
		Asker:      parent.asker,
		Skills:     parent.skills,
		Engine:     parent.engineCfg,
	})
	if err != nil {
		return nil, err
	}

	child.Registry.RegisterOrReplace(&askParentTool{})

	if len(o.ToolFilter) > 0 {
		keep := map[string]bool{"ask_parent": true}
		for _, n := range o.ToolFilter {
			keep[n] = true
		}
		for _, name := range child.Registry.Names() {
			if !keep[name] {
				child.Registry.Remove(name)
			}
		}
	}

	return child, nil
}

// ---------------------------------------------------------------------------
// sub_agent tool
// ---------------------------------------------------------------------------

type subAgentTool struct {
	parent *Session
}

func newSubAgentTool(parent *Session) *subAgentTool {
	return &subAgentTool{parent: parent}
}

func (t *subAgentTool) Name() string { return "sub_agent" }

func (t *subAgentTool) Description() string {
	return "Delegate a self-contained task to a sub-agent with its own conversation. " +
		"The sub-agent works autonomously with the same tools (except sub_agent) and " +
		"returns its final answer. Use for parallel research or noisy exploratory work " +
		"that would pollute the main conversation."
}

func (t *subAgentTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"prompt": {Type: "string", Description: "The task for the sub-agent."},
			"label":  {Type: "string", Description: "Short display label for this sub-agent."},
			"model":  {Type: "string", Description: "Optional model id override."},
			"tools": {Type: "array", Description: "Optional allow-list of tool names for the sub-agent.",
				Items: &tools.Property{Type: "string"}},
			"timeout_seconds": {Type: "integer", Description: "Max seconds to wait (default 120)."},
		},
		Required: []string{"prompt"},
	})
}

func (t *subAgentTool) Meta(args map[string]any) string {
	if label, _ := args["label"].(string); label != "" {
		return label
	}
	prompt, _ := args["prompt"].(string)
	if len(prompt) > 60 {
		prompt = prompt[:57] + "..."
	}
	return prompt
}

func (t *subAgentTool) Execute(ctx context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return tools.Errf("sub_agent requires a non-empty prompt")
	}
	label, _ := args["label"].(string)

	opts := subAgentOptions{Label: label}
	if modelID, _ := args["model"].(string); modelID != "" {
		m := ai.ParseModel(modelID)
		if m.Provider == "" {
			m.Provider = t.parent.Model().Provider
		}
		m.ContextWindow = models.ContextWindowFor(m.ID, t.parent.Model().ContextWindow)
		opts.Model = m
	}
	if raw, ok := args["tools"].([]any); ok {
		for _, v := range raw {
			if name, ok := v.(string); ok {
				opts.ToolFilter = append(opts.ToolFilter, name)
			}
		}
	}
	timeout := defaultSubAgentTimeout
	if secs, ok := numberArg(args["timeout_seconds"]); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	parent := t.parent
	child, err := parent.sup.startSubAgent(parent, ec.CallID, opts)
	if err != nil {
		return tools.Errf("start sub-agent: %v", err)
	}
	defer parent.sup.Close(child.ID)

	toolNames := child.Registry.Names()
	record := &SubAgentRecord{
		SessionID:    child.ID,
		ParentCallID: ec.CallID,
		Label:        label,
		Model:        child.Model().ID,
		Tools:        toolNames,
		StartedAt:    time.Now(),
		IsRunning:    true,
	}
	parent.subMu.Lock()
	parent.subAgents[child.ID] = record
	parent.subMu.Unlock()
	defer func() {
		parent.subMu.Lock()
		record.IsRunning = false
		parent.subMu.Unlock()
	}()

	// Subscribe before prompting so no child event is missed.
	ch, cancel := child.Subscribe(512)
	defer cancel()

	parent.Bus.Publish(wrapSubAgentEvent(parent.ID, ec.CallID, child.ID, Event{
		Type:      EventSubAgentStart,
		SessionID: child.ID,
		Model:     child.Model().ID,
		Label:     label,
		Tools:     toolNames,
	}))

	if err := child.Prompt(prompt); err != nil {
		return tools.Errf("sub-agent prompt: %v", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var toolLog []string
	var failReason string
	done := false
	for !done {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			parent.Bus.Publish(wrapSubAgentEvent(parent.ID, ec.CallID, child.ID, ev))
			switch ev.Type {
			case EventToolExecutionStart:
				parent.subMu.Lock()
				record.ToolCount++
				parent.subMu.Unlock()
				toolLog = append(toolLog, fmt.Sprintf("%s: %s", ev.Tool, ev.Meta))
			case EventAgentEnd:
				done = true
			case EventAgentAbort:
				failReason = "sub-agent aborted"
				done = true
			case EventError:
				failReason = ev.Reason
				done = true
			}
		case <-timer.C:
			child.Abort()
			return tools.Errf("sub-agent timed out after %s", timeout)
		case <-ctx.Done():
			child.Abort()
			return tools.Errf("sub-agent canceled: %v", ctx.Err())
		}
	}

	finalText := lastAssistantText(child.Log)
	if failReason != "" {
		return tools.Errf("sub-agent failed: %s\n\nPartial output:\n%s", failReason, finalText)
	}

	var sb strings.Builder
	sb.WriteString(finalText)
	if len(toolLog) > 0 {
		sb.WriteString("\n\n---\nTools used:\n")
		for _, line := range toolLog {
			sb.WriteString("- ")
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return tools.OkMeta(sb.String(), label)
}

func lastAssistantText(log *MessageLog) string {
	msgs := log.Snapshot()
	for i := len(msgs) - 1; i >= 0; i-- {
		if am, ok := msgs[i].(ai.AssistantMessage); ok {
			if text := am.Text(); text != "" {
				return text
			}
		}
	}
	return "(no output)"
}

func numberArg(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

// ---------------------------------------------------------------------------
// ask_parent
// ---------------------------------------------------------------------------

// askParentTool lets a sub-agent ask a question upward. The question is
// routed through the same server→client channel as ask_user; the client
// answers on behalf of the parent conversation.
type askParentTool struct{}

func (t *askParentTool) Name() string { return "ask_parent" }

func (t *askParentTool) Description() string {
	return "Ask the parent conversation a clarifying question and wait for the answer."
}

func (t *askParentTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"question": {Type: "string", Description: "The question to ask."},
		},
		Required: []string{"question"},
	})
}

func (t *askParentTool) Meta(args map[string]any) string {
	q, _ := args["question"].(string)
	return q
}

func (t *askParentTool) Execute(ctx context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	question, _ := args["question"].(string)
	if ec.Ask == nil {
		return tools.Errf("no client is attached to answer questions")
	}
	resp, err := ec.Ask.Ask(ctx, "client/ask_user", map[string]any{
		"question":   question,
		"session_id": ec.SessionID,
		"call_id":    ec.CallID,
	})
	if err != nil {
		return tools.Errf("ask_parent: %v", err)
	}
	answer, _ := resp["answer"].(string)
	return tools.Ok(answer)
}
