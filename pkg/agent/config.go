package agent

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/opal-dev/opal/pkg/ai"
)

// FileConfig is the YAML structure of the opal config file.
type FileConfig struct {
	// Provider: "anthropic" | "openai" | "bedrock" (or any openai-compatible
	// endpoint via BaseURL).
	Provider string `yaml:"provider" json:"provider,omitempty"`

	// Model ID to use (e.g. "claude-opus-4-5", "gpt-4o").
	Model string `yaml:"model" json:"model,omitempty"`

	// BaseURL overrides the default provider endpoint (OpenRouter, local
	// servers, etc.). Only used by openai-compatible providers.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// APIKey can be a literal key or "${ENV_VAR}" to read from environment.
	APIKey string `yaml:"api_key" json:"-"`

	// SystemPrompt overrides the built-in system prompt entirely.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt,omitempty"`

	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens" json:"max_tokens,omitempty"`

	// Temperature controls randomness (nil = provider default).
	Temperature *float64 `yaml:"temperature" json:"temperature,omitempty"`

	// ThinkingLevel controls extended reasoning for models that support it.
	// Values: "off" | "low" | "medium" | "high". Empty = off.
	ThinkingLevel string `yaml:"thinking_level" json:"thinking_level,omitempty"`

	// Region is used by Amazon Bedrock (e.g. "us-east-1").
	// Defaults to AWS_DEFAULT_REGION / ~/.aws/config.
	Region string `yaml:"region" json:"region,omitempty"`

	// Profile is the AWS profile name for Bedrock authentication.
	Profile string `yaml:"profile" json:"profile,omitempty"`

	// ContextWindow overrides the model's context window in tokens. Used for
	// compaction and overflow detection when the model is not in the registry.
	ContextWindow int `yaml:"context_window" json:"context_window,omitempty"`

	// Retry tunes provider retry behaviour.
	Retry RetryFileConfig `yaml:"retry" json:"retry"`

	// Compaction tunes automatic context compaction.
	Compaction CompactionFileConfig `yaml:"compaction" json:"compaction"`

	// Tools controls which built-in tools are active.
	Tools ToolsConfig `yaml:"tools" json:"tools"`

	// SubAgents controls sub-agent delegation.
	SubAgents SubAgentsConfig `yaml:"sub_agents" json:"sub_agents"`
}

// RetryFileConfig mirrors the engine retry settings with YAML tags.
// Zero values fall through to the engine defaults.
type RetryFileConfig struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts,omitempty"`
	BaseDelayMs int `yaml:"base_delay_ms" json:"base_delay_ms,omitempty"`
	MaxDelayMs  int `yaml:"max_delay_ms" json:"max_delay_ms,omitempty"`
}

// CompactionFileConfig tunes auto-compaction. Threshold is a fraction of the
// context window (0 = default 0.80).
type CompactionFileConfig struct {
	Disabled  bool    `yaml:"disabled" json:"disabled,omitempty"`
	Threshold float64 `yaml:"threshold" json:"threshold,omitempty"`
}

// ToolsConfig controls the built-in tool set.
type ToolsConfig struct {
	// Disabled lists tool names removed from the active set.
	Disabled []string `yaml:"disabled" json:"disabled,omitempty"`
}

// SubAgentsConfig controls sub-agent delegation.
type SubAgentsConfig struct {
	// Disabled removes the sub_agent tool from the active set.
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`
}

// EngineConfig resolves the retry and compaction overrides onto the engine
// defaults.
func (c *FileConfig) EngineConfig() EngineConfig {
	var ec EngineConfig
	if c == nil {
		return ec
	}
	ec.MaxRetries = c.Retry.MaxAttempts
	if c.Retry.BaseDelayMs > 0 {
		ec.RetryBaseDelay = time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
	}
	if c.Retry.MaxDelayMs > 0 {
		ec.RetryMaxDelay = time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
	}
	if c.Compaction.Disabled {
		ec.AutoCompactThreshold = -1
	} else if c.Compaction.Threshold > 0 {
		ec.AutoCompactThreshold = c.Compaction.Threshold
	}
	ec.MaxTokens = c.MaxTokens
	ec.Temperature = c.Temperature
	return ec
}

// LoadFileConfig reads and parses a YAML config file, expanding ${ENV_VAR}
// references in string values.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Expand environment variables in the raw YAML before parsing.
	expanded := os.ExpandEnv(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validateFileConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveFileConfig writes the config back as YAML (opal/config/set).
func SaveFileConfig(path string, cfg *FileConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func validateFileConfig(cfg *FileConfig) error {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Compaction.Threshold < 0 || cfg.Compaction.Threshold > 1 {
		return fmt.Errorf("config: compaction threshold must be in (0, 1]")
	}
	return nil
}

// ThinkingLevelValue maps the config string to an ai.ThinkingLevel.
func (c *FileConfig) ThinkingLevelValue() ai.ThinkingLevel {
	switch strings.ToLower(strings.TrimSpace(c.ThinkingLevel)) {
	case "low":
		return ai.ThinkingLow
	case "medium":
		return ai.ThinkingMedium
	case "high":
		return ai.ThinkingHigh
	default:
		return ai.ThinkingOff
	}
}
