package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/opal-dev/opal/pkg/ai"
)

func bigUser(s string) ai.UserMessage {
	return ai.UserText(s + ": " + strings.Repeat("filler text ", 100))
}

func bigAssistant(s string) ai.AssistantMessage {
	return ai.AssistantMessage{
		Content:    []ai.ContentBlock{ai.Text(s + ": " + strings.Repeat("filler text ", 100))},
		StopReason: ai.StopReasonStop,
	}
}

func TestFindCutPointShortConversation(t *testing.T) {
	msgs := []ai.Message{bigUser("a"), bigAssistant("b"), bigUser("c")}
	if got := FindCutPoint(msgs, 10); got != -1 {
		t.Fatalf("cut point for short conversation: %d", got)
	}
}

func TestFindCutPointLandsOnUserBoundary(t *testing.T) {
	msgs := []ai.Message{
		bigUser("u0"), bigAssistant("a0"),
		bigUser("u1"), bigAssistant("a1"),
		bigUser("u2"), bigAssistant("a2"),
	}
	// Each message is ~300 tokens; keeping ~400 walks back past a2 and u2,
	// then advances to the next user boundary.
	cut := FindCutPoint(msgs, 400)
	if cut <= 0 || cut >= len(msgs) {
		t.Fatalf("cut point: %d", cut)
	}
	if _, ok := msgs[cut].(ai.UserMessage); !ok {
		t.Fatalf("cut lands on %T, want user message", msgs[cut])
	}
	// The assistant message before the cut stays with its own history; the
	// kept tail never starts mid-exchange.
	if _, ok := msgs[cut-1].(ai.AssistantMessage); !ok {
		t.Fatalf("message before cut is %T", msgs[cut-1])
	}
}

func TestFindCutPointNothingToSummarise(t *testing.T) {
	// The whole conversation fits in the keep budget.
	msgs := []ai.Message{
		bigUser("u0"), bigAssistant("a0"),
		bigUser("u1"), bigAssistant("a1"),
	}
	if got := FindCutPoint(msgs, 1_000_000); got != -1 {
		t.Fatalf("cut point: %d", got)
	}
}

func TestRunCompactionBuildsReplacementSequence(t *testing.T) {
	p := &scriptedProvider{}
	model := ai.Model{Provider: "fake", ID: "toy", ContextWindow: 10000}
	msgs := []ai.Message{
		bigUser("u0"), bigAssistant("a0"),
		bigUser("u1"), bigAssistant("a1"),
		bigUser("u2"), bigAssistant("a2"),
	}

	res, err := runCompaction(context.Background(), p, model, msgs, 400, "")
	if err != nil {
		t.Fatalf("compaction: %v", err)
	}
	if res == nil {
		t.Fatal("expected a compaction result")
	}
	if res.summary == "" {
		t.Fatal("empty summary")
	}
	first, ok := res.newMessages[0].(ai.UserMessage)
	if !ok || !strings.Contains(first.Text(), "<summary>") {
		t.Fatalf("first replacement message: %#v", res.newMessages[0])
	}
	if res.summarised+len(res.newMessages)-1 != len(msgs) {
		t.Fatalf("summarised %d + kept %d != %d", res.summarised, len(res.newMessages)-1, len(msgs))
	}
	if res.tokensAfter >= res.tokensBefore {
		t.Fatalf("no shrink: before=%d after=%d", res.tokensBefore, res.tokensAfter)
	}
}

func TestRunCompactionNoopOnShortLog(t *testing.T) {
	p := &scriptedProvider{}
	model := ai.Model{Provider: "fake", ID: "toy"}
	res, err := runCompaction(context.Background(), p, model, []ai.Message{bigUser("u0")}, 100, "")
	if err != nil {
		t.Fatalf("compaction: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result, got %+v", res)
	}
}

func TestSerializeConversationTruncatesToolOutput(t *testing.T) {
	long := strings.Repeat("x", 5000)
	msgs := []ai.Message{
		ai.UserText("run it"),
		ai.ToolResultMessage{ToolName: "shell", Content: []ai.ContentBlock{ai.Text(long)}},
	}
	out := serializeConversation(msgs)
	if !strings.Contains(out, "[TOOL RESULT: shell]") {
		t.Fatal("missing tool result header")
	}
	if strings.Contains(out, long) {
		t.Fatal("tool output not truncated")
	}
	if !strings.Contains(out, "...") {
		t.Fatal("missing truncation marker")
	}
}
