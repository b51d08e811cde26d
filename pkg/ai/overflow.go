package ai

import "regexp"

// Context-window overflow detection.
//
// Providers signal overflow in three ways: a recognisable error message, a
// bare 400/413 status with no body, or silently (the request succeeds but
// reported prompt tokens exceed the window). The engine checks all three.

// overflowPatterns covers the error phrasing of every provider we have seen
// reject an over-long prompt.
var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)prompt is too long`),                     // Anthropic
	regexp.MustCompile(`(?i)input is too long for requested model`),  // Amazon Bedrock
	regexp.MustCompile(`(?i)exceed.*context window`),                 // OpenAI
	regexp.MustCompile(`(?i)input token count.*exceeds the maximum`), // Google Gemini
	regexp.MustCompile(`(?i)maximum prompt length is \d+`),           // xAI
	regexp.MustCompile(`(?i)reduce the length of the messages`),      // Groq
	regexp.MustCompile(`(?i)maximum context length is \d+ tokens`),   // OpenRouter
	regexp.MustCompile(`(?i)exceeds the limit of \d+`),               // GitHub Copilot
	regexp.MustCompile(`(?i)exceeds the available context size`),     // llama.cpp
	regexp.MustCompile(`(?i)greater than the context length`),        // LM Studio
	regexp.MustCompile(`(?i)context window exceeds limit`),           // MiniMax
	regexp.MustCompile(`(?i)exceeded model token limit`),             // Kimi
	regexp.MustCompile(`(?i)context[_ ]length[_ ]exceeded`),          // generic
	regexp.MustCompile(`(?i)too many tokens`),                        // generic
	regexp.MustCompile(`(?i)token limit exceeded`),                   // generic
}

// Cerebras and Mistral return 400/413 with an empty body on overflow,
// distinct from 429 rate limiting.
var emptyBodyOverflow = regexp.MustCompile(`(?i)^4(00|13)\s*(status code)?\s*\(no body\)`)

// IsOverflowMessage reports whether an error string matches known
// context-overflow phrasing.
func IsOverflowMessage(msg string) bool {
	for _, re := range overflowPatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return emptyBodyOverflow.MatchString(msg)
}

// IsContextOverflow reports whether msg represents an overflow, either via
// its recorded error message or silently via reported usage. Pass
// contextWindow = 0 to skip the usage check.
func IsContextOverflow(msg *AssistantMessage, contextWindow int) bool {
	if msg == nil {
		return false
	}
	if msg.StopReason == StopReasonError && msg.ErrorMessage != "" {
		if IsOverflowMessage(msg.ErrorMessage) {
			return true
		}
	}
	if contextWindow > 0 && msg.StopReason != StopReasonError {
		if msg.Usage.Prompt+msg.Usage.CacheRead > contextWindow {
			return true
		}
	}
	return false
}
