package agent

// Context compaction. When the conversation approaches the context window,
// the older portion is summarised by the model into a structured checkpoint
// and the log prefix is replaced with it in one atomic swap. Subsequent
// compactions extend the previous summary incrementally instead of
// re-summarising from scratch.

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opal-dev/opal/pkg/ai"
)

// FindCutPoint returns the index of the first message to keep, targeting
// roughly keepRecentTokens of recent history.
//
// Rules:
//   - The kept tail always starts at a user message, so an assistant
//     message is never separated from its tool results.
//   - Something must remain to summarise (cut index > 0).
//   - Conversations shorter than four messages are not worth compacting.
//
// Returns -1 when no sensible cut exists.
func FindCutPoint(msgs []ai.Message, keepRecentTokens int) int {
	if len(msgs) < 4 {
		return -1
	}

	accumulated := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		accumulated += EstimateMessage(msgs[i])
		if accumulated < keepRecentTokens {
			continue
		}
		// Advance to the next user-message boundary at or after i.
		for j := i; j < len(msgs); j++ {
			if _, ok := msgs[j].(ai.UserMessage); ok {
				if j > 0 {
					return j
				}
				return -1
			}
		}
		return -1
	}
	return -1
}

const summarySystemPrompt = `You are an expert at summarising technical conversations.
Produce concise, structured checkpoints that let another AI continue the work seamlessly.
Record facts, decisions, and current state - not the conversational flow.`

const summaryPrompt = `The messages above are a conversation to summarise. Create a structured context checkpoint that another LLM will use to continue the work.

Use this EXACT format:

## Goal
[What is the user trying to accomplish? Can be multiple items.]

## Constraints & Preferences
- [Constraints or requirements the user stated, or "(none)"]

## Progress
### Done
- [x] [Completed tasks/changes]

### In Progress
- [ ] [Current work]

### Blocked
- [Issues preventing progress, or "(none)"]

## Key Decisions
- **[Decision]**: [Brief rationale]

## Next Steps
1. [Ordered list of what should happen next]

## Critical Context
- [Exact file paths, function names, error messages, data needed to continue, or "(none)"]

Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

const updateSummaryPrompt = `The messages above are NEW conversation messages to incorporate into the existing summary provided in <previous-summary> tags.

Update the existing structured summary:
- PRESERVE existing information unless it is now incorrect
- ADD new progress, decisions, and context from the new messages
- MOVE In Progress items to Done when completed
- UPDATE Next Steps based on what was accomplished

<previous-summary>
%s
</previous-summary>

Use the same EXACT format as the previous summary.
Keep each section concise. Preserve exact identifiers, file paths, and error messages.`

// GenerateSummary asks the provider to summarise msgs. A non-empty
// prevSummary switches to the incremental prompt so only the new messages
// need describing.
func GenerateSummary(ctx context.Context, provider ai.Provider, model ai.Model, msgs []ai.Message, prevSummary string) (string, error) {
	conversation := serializeConversation(msgs)

	var prompt string
	if prevSummary != "" {
		prompt = fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s",
			conversation, fmt.Sprintf(updateSummaryPrompt, prevSummary))
	} else {
		prompt = fmt.Sprintf("<conversation>\n%s\n</conversation>\n\n%s",
			conversation, summaryPrompt)
	}

	llmCtx := ai.Context{
		SystemPrompt: summarySystemPrompt,
		Messages:     []ai.Message{ai.UserText(prompt)},
	}
	opts := ai.StreamOptions{MaxTokens: 4096, Thinking: ai.ThinkingOff}

	_, wait := provider.Stream(ctx, model, llmCtx, opts)
	result, err := wait()
	if err != nil {
		return "", fmt.Errorf("compaction: summarisation failed: %w", err)
	}
	if result.StopReason == ai.StopReasonError {
		return "", fmt.Errorf("compaction: summarisation error: %s", result.ErrorMessage)
	}
	return result.Text(), nil
}

// serializeConversation renders a message slice as plain text for the
// summarisation request. Long tool outputs are truncated; they rarely carry
// information the summary needs verbatim.
func serializeConversation(msgs []ai.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch msg := m.(type) {
		case ai.UserMessage:
			sb.WriteString("[USER]\n")
			sb.WriteString(msg.Text())
			sb.WriteString("\n\n")
		case ai.SkillMessage:
			fmt.Fprintf(&sb, "[SKILL LOADED: %s]\n\n", msg.Name)
		case ai.AssistantMessage:
			sb.WriteString("[ASSISTANT]\n")
			for _, b := range msg.Content {
				switch bc := b.(type) {
				case ai.TextContent:
					sb.WriteString(bc.Text)
					sb.WriteByte('\n')
				case ai.ToolCall:
					fmt.Fprintf(&sb, "[TOOL CALL: %s]\n", bc.Name)
				}
			}
			sb.WriteByte('\n')
		case ai.ToolResultMessage:
			fmt.Fprintf(&sb, "[TOOL RESULT: %s]\n", msg.ToolName)
			text := msg.Text()
			if len(text) > 2000 {
				text = text[:1997] + "..."
			}
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}
	return sb.String()
}

// compactionResult is the output of one compaction run.
type compactionResult struct {
	// newMessages is the replacement sequence: summary message + kept tail.
	newMessages  []ai.Message
	summary      string
	summarised   int // messages replaced
	tokensBefore int
	tokensAfter  int
}

// runCompaction finds the cut point, generates the summary, and builds the
// replacement message sequence. Returns (nil, nil) when the conversation is
// too short to compact.
func runCompaction(ctx context.Context, provider ai.Provider, model ai.Model, msgs []ai.Message, keepRecentTokens int, prevSummary string) (*compactionResult, error) {
	cutIdx := FindCutPoint(msgs, keepRecentTokens)
	if cutIdx <= 0 {
		return nil, nil
	}

	toSummarise := msgs[:cutIdx]
	toKeep := msgs[cutIdx:]

	summary, err := GenerateSummary(ctx, provider, model, toSummarise, prevSummary)
	if err != nil {
		return nil, err
	}

	summaryMsg := ai.UserMessage{
		Content: []ai.ContentBlock{ai.Text(fmt.Sprintf(
			"The conversation history before this point was compacted into the following summary:\n\n<summary>\n%s\n</summary>",
			summary))},
		Timestamp: time.Now().UnixMilli(),
	}

	newMessages := make([]ai.Message, 0, 1+len(toKeep))
	newMessages = append(newMessages, summaryMsg)
	newMessages = append(newMessages, toKeep...)

	return &compactionResult{
		newMessages:  newMessages,
		summary:      summary,
		summarised:   len(toSummarise),
		tokensBefore: EstimateConversation(msgs),
		tokensAfter:  EstimateConversation(newMessages),
	}, nil
}
