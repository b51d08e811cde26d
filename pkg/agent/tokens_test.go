package agent

import (
	"encoding/json"
	"testing"

	"github.com/opal-dev/opal/pkg/ai"
)

func TestEstimateTextRoundsUp(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tc := range cases {
		if got := estimateText(tc.in); got != tc.want {
			t.Errorf("estimateText(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestEstimateMessageKinds(t *testing.T) {
	if got := EstimateMessage(ai.SystemMessage{Content: "12345678"}); got != 2 {
		t.Fatalf("system: %d", got)
	}

	img := ai.UserMessage{Content: []ai.ContentBlock{
		ai.Text("abcd"),
		ai.ImageContent{Type: "image", MIMEType: "image/png", Data: "xxxx"},
	}}
	if got := EstimateMessage(img); got != 1+imageTokenCost {
		t.Fatalf("image message: %d", got)
	}

	call := ai.ToolCall{Type: "tool_call", Name: "shell", Arguments: map[string]any{"command": "ls"}}
	args, _ := json.Marshal(call.Arguments)
	want := estimateText("shell") + estimateText(string(args))
	am := ai.AssistantMessage{Content: []ai.ContentBlock{call}}
	if got := EstimateMessage(am); got != want {
		t.Fatalf("tool call message: got %d, want %d", got, want)
	}

	skill := ai.SkillMessage{Name: "review", Instructions: "look at the diff"}
	if got := EstimateMessage(skill); got != estimateText("review")+estimateText("look at the diff") {
		t.Fatalf("skill message: %d", got)
	}
}

func TestEstimateConversationSums(t *testing.T) {
	msgs := []ai.Message{
		ai.UserText("abcdefgh"),
		ai.AssistantMessage{Content: []ai.ContentBlock{ai.Text("ijkl")}},
	}
	if got := EstimateConversation(msgs); got != 3 {
		t.Fatalf("conversation estimate: %d", got)
	}
}
