package agent

import (
	"sync"

	"github.com/google/uuid"
	"github.com/opal-dev/opal/pkg/ai"
)

// MessageLog is a session's ordered conversation history. Appends are
// totally ordered by the owning turn engine; readers get immutable
// snapshots. The only way messages leave the log is the single atomic swap
// performed by compaction.
type MessageLog struct {
	mu   sync.RWMutex
	msgs []ai.Message

	// Hybrid estimation anchor: the provider-reported prompt token count
	// and the log length at the time it was reported.
	lastPromptTokens  int
	lastUsageMsgIndex int

	// appendFn, when set, is invoked for every stored message (persistence
	// hook). Failures are the hook's problem; the log never rolls back.
	appendFn func(ai.Message)
}

func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

// OnAppend installs the persistence hook. Must be set before concurrent use.
func (l *MessageLog) OnAppend(fn func(ai.Message)) { l.appendFn = fn }

// Append stores the given messages, assigning an ID to any message that
// lacks one, and returns the stored values.
func (l *MessageLog) Append(msgs ...ai.Message) []ai.Message {
	l.mu.Lock()
	stored := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		m = withID(m)
		l.msgs = append(l.msgs, m)
		stored = append(stored, m)
	}
	fn := l.appendFn
	l.mu.Unlock()

	if fn != nil {
		for _, m := range stored {
			fn(m)
		}
	}
	return stored
}

// Snapshot returns an immutable copy of the current message sequence.
func (l *MessageLog) Snapshot() []ai.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ai.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// RecordUsage notes an authoritative prompt token count at the current log
// position.
func (l *MessageLog) RecordUsage(promptTokens int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastPromptTokens = promptTokens
	l.lastUsageMsgIndex = len(l.msgs)
}

// UsageAnchor returns the recorded prompt tokens and the log index they
// were recorded at. promptTokens is 0 when no report has been seen.
func (l *MessageLog) UsageAnchor() (promptTokens, index int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastPromptTokens, l.lastUsageMsgIndex
}

// Replace atomically swaps the whole message sequence (the compaction
// swap). The usage anchor is reset because recorded counts no longer
// describe the new sequence. Readers see either the old or new sequence,
// never a mix.
func (l *MessageLog) Replace(msgs []ai.Message) {
	stored := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		stored = append(stored, withID(m))
	}
	l.mu.Lock()
	l.msgs = stored
	l.lastPromptTokens = 0
	l.lastUsageMsgIndex = 0
	l.mu.Unlock()
}

// ContextEstimate returns the hybrid token estimate for the current log:
// the authoritative anchor plus a heuristic estimate of everything appended
// since, or a full heuristic pass when no anchor exists.
func (l *MessageLog) ContextEstimate() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.lastPromptTokens > 0 && l.lastUsageMsgIndex <= len(l.msgs) {
		tail := l.msgs[l.lastUsageMsgIndex:]
		return l.lastPromptTokens + EstimateConversation(tail)
	}
	return EstimateConversation(l.msgs)
}

// withID returns m with a fresh ID when it has none.
func withID(m ai.Message) ai.Message {
	switch v := m.(type) {
	case ai.SystemMessage:
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		return v
	case ai.UserMessage:
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		return v
	case ai.AssistantMessage:
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		return v
	case *ai.AssistantMessage:
		cp := *v
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		return cp
	case ai.ToolResultMessage:
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		return v
	case ai.SkillMessage:
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		return v
	default:
		return m
	}
}
