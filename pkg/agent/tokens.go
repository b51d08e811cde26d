package agent

import (
	"encoding/json"

	"github.com/opal-dev/opal/pkg/ai"
)

// Heuristic token estimation: roughly one token per four characters of
// text, with tool arguments and results measured by their serialized JSON
// length. Images get a flat cost. Used only for the tail beyond the last
// authoritative usage report; see MessageLog.ContextEstimate.

const imageTokenCost = 1200

// estimateText returns ceil(len/4).
func estimateText(s string) int {
	return (len(s) + 3) / 4
}

// EstimateMessage estimates the token cost of a single message.
func EstimateMessage(m ai.Message) int {
	switch msg := m.(type) {
	case ai.SystemMessage:
		return estimateText(msg.Content)
	case ai.UserMessage:
		return estimateBlocks(msg.Content)
	case ai.AssistantMessage:
		return estimateBlocks(msg.Content)
	case *ai.AssistantMessage:
		return estimateBlocks(msg.Content)
	case ai.ToolResultMessage:
		return estimateBlocks(msg.Content) + estimateText(msg.ToolCallID)
	case ai.SkillMessage:
		return estimateText(msg.Name) + estimateText(msg.Instructions)
	default:
		return 0
	}
}

// EstimateConversation sums the estimates for a message sequence.
func EstimateConversation(msgs []ai.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

func estimateBlocks(blocks []ai.ContentBlock) int {
	total := 0
	for _, b := range blocks {
		switch blk := b.(type) {
		case ai.TextContent:
			total += estimateText(blk.Text)
		case ai.ThinkingContent:
			total += estimateText(blk.Thinking)
		case ai.ImageContent:
			total += imageTokenCost
		case ai.ToolCall:
			total += estimateText(blk.Name)
			if args, err := json.Marshal(blk.Arguments); err == nil {
				total += estimateText(string(args))
			}
		}
	}
	return total
}
