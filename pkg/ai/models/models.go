// Package models holds a static registry of well-known model metadata:
// context window, thinking support, display name. The registry backs
// models/list and context-window resolution for compaction and overflow
// detection.
package models

import (
	"sort"
	"strings"

	"github.com/opal-dev/opal/pkg/ai"
)

// Info is static metadata for a known model.
type Info struct {
	ID               string `json:"id"`
	Provider         string `json:"provider"`
	DisplayName      string `json:"display_name"`
	ContextWindow    int    `json:"context_window"`
	MaxOutputTokens  int    `json:"max_output_tokens"`
	SupportsThinking bool   `json:"supports_thinking"`
}

// Descriptor builds an ai.Model for this entry with thinking off.
func (i *Info) Descriptor() ai.Model {
	return ai.Model{
		Provider:      i.Provider,
		ID:            i.ID,
		Thinking:      ai.ThinkingOff,
		ContextWindow: i.ContextWindow,
	}
}

var registry = buildRegistry()

// Lookup returns the Info for id. Exact match first, then a prefix match in
// either direction so versioned ids like "claude-sonnet-4-5-20250929" hit a
// registered "claude-sonnet-4-5". Returns nil when unknown.
func Lookup(id string) *Info {
	if m, ok := registry[id]; ok {
		return m
	}
	id = strings.ToLower(id)
	for k, m := range registry {
		kl := strings.ToLower(k)
		if strings.HasPrefix(id, kl) || strings.HasPrefix(kl, id) {
			return m
		}
	}
	return nil
}

// ContextWindowFor returns the context window for id, or fallback when the
// model is unknown.
func ContextWindowFor(id string, fallback int) int {
	if m := Lookup(id); m != nil && m.ContextWindow > 0 {
		return m.ContextWindow
	}
	return fallback
}

// All returns every registered model sorted by provider then id.
func All() []*Info {
	out := make([]*Info, 0, len(registry))
	for _, m := range registry {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ByProvider returns the registered models for one provider tag.
func ByProvider(provider string) []*Info {
	var out []*Info
	for _, m := range All() {
		if m.Provider == provider {
			out = append(out, m)
		}
	}
	return out
}

func buildRegistry() map[string]*Info {
	ms := []*Info{
		// Anthropic
		{ID: "claude-opus-4-5", Provider: "anthropic", DisplayName: "Claude Opus 4.5",
			ContextWindow: 200000, MaxOutputTokens: 32000, SupportsThinking: true},
		{ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
			ContextWindow: 200000, MaxOutputTokens: 64000, SupportsThinking: true},
		{ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
			ContextWindow: 200000, MaxOutputTokens: 16000, SupportsThinking: false},
		{ID: "claude-3-7-sonnet-20250219", Provider: "anthropic", DisplayName: "Claude 3.7 Sonnet",
			ContextWindow: 200000, MaxOutputTokens: 64000, SupportsThinking: true},
		{ID: "claude-3-5-haiku-20241022", Provider: "anthropic", DisplayName: "Claude 3.5 Haiku",
			ContextWindow: 200000, MaxOutputTokens: 8192, SupportsThinking: false},

		// OpenAI
		{ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
			ContextWindow: 128000, MaxOutputTokens: 16384, SupportsThinking: false},
		{ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o Mini",
			ContextWindow: 128000, MaxOutputTokens: 16384, SupportsThinking: false},
		{ID: "o3", Provider: "openai", DisplayName: "o3",
			ContextWindow: 200000, MaxOutputTokens: 100000, SupportsThinking: true},
		{ID: "o4-mini", Provider: "openai", DisplayName: "o4-mini",
			ContextWindow: 200000, MaxOutputTokens: 100000, SupportsThinking: true},

		// Groq (OpenAI-compatible)
		{ID: "llama-3.3-70b-versatile", Provider: "groq", DisplayName: "Llama 3.3 70B",
			ContextWindow: 128000, MaxOutputTokens: 32768, SupportsThinking: false},
		{ID: "llama-3.1-8b-instant", Provider: "groq", DisplayName: "Llama 3.1 8B",
			ContextWindow: 128000, MaxOutputTokens: 8000, SupportsThinking: false},

		// Bedrock (Claude on AWS)
		{ID: "us.anthropic.claude-sonnet-4-5-20250929-v1:0", Provider: "bedrock", DisplayName: "Claude Sonnet 4.5 (Bedrock)",
			ContextWindow: 200000, MaxOutputTokens: 64000, SupportsThinking: true},
		{ID: "us.anthropic.claude-3-7-sonnet-20250219-v1:0", Provider: "bedrock", DisplayName: "Claude 3.7 Sonnet (Bedrock)",
			ContextWindow: 200000, MaxOutputTokens: 64000, SupportsThinking: true},
	}

	out := make(map[string]*Info, len(ms))
	for _, m := range ms {
		out[m.ID] = m
	}
	return out
}
