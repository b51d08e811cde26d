package builtin

import (
	"context"
	"encoding/json"

	"github.com/opal-dev/opal/pkg/tools"
)

// AskUserTool routes a question to the connected client and blocks until it
// answers. Unavailable to sub-agents, which get ask_parent instead.
type AskUserTool struct{}

func (t *AskUserTool) Name() string { return "ask_user" }

func (t *AskUserTool) Description() string {
	return "Ask the user a clarifying question and wait for their answer. Use sparingly, only when genuinely blocked on a decision the user must make."
}

func (t *AskUserTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"question": {Type: "string", Description: "The question to ask."},
			"options":  {Type: "array", Description: "Optional list of suggested answers.", Items: &tools.Property{Type: "string"}},
		},
		Required: []string{"question"},
	})
}

func (t *AskUserTool) Meta(args map[string]any) string {
	q, _ := args["question"].(string)
	return metaTruncate(q)
}

func (t *AskUserTool) Execute(ctx context.Context, ec tools.ExecContext, args map[string]any) tools.Outcome {
	question, _ := args["question"].(string)
	if question == "" {
		return tools.Errf("question is required")
	}
	if ec.Ask == nil {
		return tools.Errf("no client is attached to answer questions")
	}

	params := map[string]any{
		"question":   question,
		"session_id": ec.SessionID,
		"call_id":    ec.CallID,
	}
	if opts, ok := args["options"].([]any); ok && len(opts) > 0 {
		params["options"] = opts
	}

	resp, err := ec.Ask.Ask(ctx, "client/ask_user", params)
	if err != nil {
		return tools.Errf("ask_user: %v", err)
	}
	answer, _ := resp["answer"].(string)
	if answer == "" {
		return tools.Errf("the user did not provide an answer")
	}
	return tools.Ok(answer)
}
