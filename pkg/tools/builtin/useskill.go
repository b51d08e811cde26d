package builtin

import (
	"context"
	"encoding/json"

	"github.com/opal-dev/opal/pkg/tools"
)

// UseSkillTool loads a skill's instructions into the conversation. The tool
// itself only emits a load_skill effect; the engine resolves the skill
// against the session and appends the instructions.
type UseSkillTool struct{}

func (t *UseSkillTool) Name() string { return "use_skill" }

func (t *UseSkillTool) Description() string {
	return "Load a skill's detailed instructions into the conversation. Use when the current task matches one of the available skills listed in the system prompt."
}

func (t *UseSkillTool) Parameters() json.RawMessage {
	return tools.MustSchema(tools.SimpleSchema{
		Properties: map[string]tools.Property{
			"name": {Type: "string", Description: "Name of the skill to load."},
		},
		Required: []string{"name"},
	})
}

func (t *UseSkillTool) Meta(args map[string]any) string {
	name, _ := args["name"].(string)
	return name
}

func (t *UseSkillTool) Execute(_ context.Context, _ tools.ExecContext, args map[string]any) tools.Outcome {
	name, _ := args["name"].(string)
	if name == "" {
		return tools.Errf("name is required")
	}
	return tools.Effect("load_skill", map[string]any{"name": name})
}
