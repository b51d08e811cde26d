package agent

import (
	"testing"

	"github.com/opal-dev/opal/pkg/ai"
)

func TestAppendAssignsIDs(t *testing.T) {
	log := NewMessageLog()
	stored := log.Append(ai.UserText("hi"), ai.AssistantMessage{
		Content: []ai.ContentBlock{ai.Text("hello")},
	})
	if len(stored) != 2 {
		t.Fatalf("stored: %d", len(stored))
	}
	for i, m := range stored {
		if m.GetID() == "" {
			t.Fatalf("message %d has no id", i)
		}
	}
	if stored[0].GetID() == stored[1].GetID() {
		t.Fatal("duplicate ids")
	}
	u := ai.UserMessage{ID: "keep-me", Content: []ai.ContentBlock{ai.Text("x")}}
	if got := log.Append(u)[0].GetID(); got != "keep-me" {
		t.Fatalf("existing id replaced: %q", got)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	log := NewMessageLog()
	log.Append(ai.UserText("one"))
	snap := log.Snapshot()
	log.Append(ai.UserText("two"))
	if len(snap) != 1 {
		t.Fatalf("snapshot grew: %d", len(snap))
	}
	if log.Len() != 2 {
		t.Fatalf("log length: %d", log.Len())
	}
}

func TestOnAppendObservesEveryMessage(t *testing.T) {
	log := NewMessageLog()
	var seen []string
	log.OnAppend(func(m ai.Message) { seen = append(seen, m.GetID()) })

	stored := log.Append(ai.UserText("a"), ai.UserText("b"))
	if len(seen) != 2 {
		t.Fatalf("hook calls: %d", len(seen))
	}
	for i := range stored {
		if seen[i] != stored[i].GetID() {
			t.Fatalf("hook saw %q, stored %q", seen[i], stored[i].GetID())
		}
	}
}

func TestHybridContextEstimate(t *testing.T) {
	log := NewMessageLog()
	log.Append(ai.UserText("earlier history"))
	log.RecordUsage(5000)

	if got := log.ContextEstimate(); got != 5000 {
		t.Fatalf("anchored estimate: %d", got)
	}

	tail := ai.UserText("tail message after the usage report")
	log.Append(tail)
	want := 5000 + EstimateMessage(tail)
	if got := log.ContextEstimate(); got != want {
		t.Fatalf("estimate: got %d, want %d", got, want)
	}
}

func TestEstimateWithoutAnchorIsFullHeuristic(t *testing.T) {
	log := NewMessageLog()
	m1, m2 := ai.UserText("first"), ai.UserText("second message")
	log.Append(m1, m2)
	want := EstimateMessage(m1) + EstimateMessage(m2)
	if got := log.ContextEstimate(); got != want {
		t.Fatalf("estimate: got %d, want %d", got, want)
	}
}

func TestReplaceSwapsSequenceAndResetsAnchor(t *testing.T) {
	log := NewMessageLog()
	log.Append(ai.UserText("a"), ai.UserText("b"), ai.UserText("c"))
	log.RecordUsage(9999)

	summary := ai.UserText("summary of a b c")
	log.Replace([]ai.Message{summary})

	snap := log.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("replaced length: %d", len(snap))
	}
	if snap[0].GetID() == "" {
		t.Fatal("replacement message has no id")
	}
	if tokens, idx := log.UsageAnchor(); tokens != 0 || idx != 0 {
		t.Fatalf("anchor not reset: %d@%d", tokens, idx)
	}
	if got := log.ContextEstimate(); got != EstimateMessage(summary) {
		t.Fatalf("estimate after replace: %d", got)
	}
}
