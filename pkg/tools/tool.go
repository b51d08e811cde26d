// Package tools defines the tool contract the turn engine dispatches against:
// the Tool interface, the per-session registry with active-set filtering,
// argument validation, and the crash-contained runner.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opal-dev/opal/pkg/ai"
)

// ---------------------------------------------------------------------------
// Outcome
// ---------------------------------------------------------------------------

// OutcomeKind discriminates the three results a tool can produce.
type OutcomeKind int

const (
	// OutcomeOk carries text for the model plus optional display metadata.
	OutcomeOk OutcomeKind = iota
	// OutcomeErr carries an error message; recorded as an is_error result.
	OutcomeErr
	// OutcomeEffect asks the engine to perform a side effect (e.g.
	// load_skill) instead of returning text. The engine translates the
	// effect into a synthetic tool result.
	OutcomeEffect
)

// Outcome is the result of one tool execution.
type Outcome struct {
	Kind OutcomeKind

	// Text is the model-visible output (Ok) or error message (Err).
	Text string
	// Meta is optional human-readable detail for UIs; not sent to the model.
	Meta string

	// Effect fields.
	EffectTag     string
	EffectPayload map[string]any
}

func Ok(text string) Outcome { return Outcome{Kind: OutcomeOk, Text: text} }

func OkMeta(text, meta string) Outcome {
	return Outcome{Kind: OutcomeOk, Text: text, Meta: meta}
}

func Errf(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeErr, Text: fmt.Sprintf(format, args...)}
}

func Effect(tag string, payload map[string]any) Outcome {
	return Outcome{Kind: OutcomeEffect, EffectTag: tag, EffectPayload: payload}
}

func (o Outcome) IsError() bool { return o.Kind == OutcomeErr }

// ---------------------------------------------------------------------------
// Asker
// ---------------------------------------------------------------------------

// Asker routes a server→client question (confirm, input, ask_user) and
// blocks until the client answers. The RPC facade implements this; sub-agents
// get an implementation that asks the parent session instead.
type Asker interface {
	Ask(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

// ---------------------------------------------------------------------------
// ExecContext
// ---------------------------------------------------------------------------

// ExecContext carries the per-call environment a tool executes in.
type ExecContext struct {
	WorkingDir string
	SessionID  string
	CallID     string

	// Emit streams a chunk of incremental output (tool_output events).
	// May be nil; tools must guard before calling.
	Emit func(chunk string)

	// Ask routes server→client questions. Nil when no client is attached.
	Ask Asker

	// AllowedBases lists directories outside WorkingDir a tool may read
	// from (skill directories, data dirs).
	AllowedBases []string
}

// ---------------------------------------------------------------------------
// Tool interface
// ---------------------------------------------------------------------------

// Tool is the contract every tool implements. Execute runs on its own
// goroutine under the session's runner; ctx carries the abort signal.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema for the tool's arguments.
	Parameters() json.RawMessage
	// Meta renders a short human-readable label for this invocation,
	// e.g. `ls -la` for a shell call. Emitted with tool_execution_start.
	Meta(args map[string]any) string
	Execute(ctx context.Context, ec ExecContext, args map[string]any) Outcome
}

// Definition builds the provider-facing definition for t.
func Definition(t Tool) ai.ToolDefinition {
	return ai.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}

// Definitions maps a tool slice to provider definitions, preserving order.
func Definitions(ts []Tool) []ai.ToolDefinition {
	out := make([]ai.ToolDefinition, 0, len(ts))
	for _, t := range ts {
		out = append(out, Definition(t))
	}
	return out
}

// ---------------------------------------------------------------------------
// Schema helpers
// ---------------------------------------------------------------------------

// SimpleSchema builds small object schemas inline.
type SimpleSchema struct {
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// MustSchema returns the JSON Schema bytes for s. Panics on marshal failure
// (only possible with a programming error).
func MustSchema(s SimpleSchema) json.RawMessage {
	obj := map[string]any{
		"type":       "object",
		"properties": s.Properties,
	}
	if len(s.Required) > 0 {
		obj["required"] = s.Required
	}
	b, err := json.Marshal(obj)
	if err != nil {
		panic("tools.MustSchema: " + err.Error())
	}
	return b
}
