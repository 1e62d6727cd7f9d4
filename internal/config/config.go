// Package config loads and validates sommelier configuration from a YAML
// file, with environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sommelier configuration.
type Config struct {
	Services ServicesConfig `yaml:"services"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Session  SessionConfig  `yaml:"session"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServicesConfig points at the cellar backend endpoints.
type ServicesConfig struct {
	BaseURL string `yaml:"base_url"` // e.g. https://cellar.example.com/api
	Timeout string `yaml:"timeout"`  // per-request timeout, duration string
}

// LLMConfig configures the direct model providers used for identification.
type LLMConfig struct {
	Provider           string `yaml:"provider"`            // gemini, anthropic
	EscalationProvider string `yaml:"escalation_provider"` // provider for the capped low-confidence retry
	GeminiAPIKey       string `yaml:"gemini_api_key"`
	GeminiModel        string `yaml:"gemini_model"`
	AnthropicAPIKey    string `yaml:"anthropic_api_key"`
	AnthropicModel     string `yaml:"anthropic_model"`
	Timeout            string `yaml:"timeout"`
}

// AgentConfig tunes the conversation controller.
type AgentConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"` // below this, escalate once
	MaxEscalations      int     `yaml:"max_escalations"`
	TypingIdleTimeout   string  `yaml:"typing_idle_timeout"` // implicit per-field terminal
}

// SessionConfig configures durable snapshot storage.
type SessionConfig struct {
	Path string `yaml:"path"` // sqlite file; defaults under the state dir
}

// LoggingConfig mirrors internal/logging.Settings.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Services: ServicesConfig{
			BaseURL: "http://localhost:8080/api",
			Timeout: "30s",
		},
		LLM: LLMConfig{
			Provider:           "gemini",
			EscalationProvider: "anthropic",
			GeminiModel:        "gemini-2.0-flash",
			AnthropicModel:     "claude-sonnet-4-20250514",
			Timeout:            "60s",
		},
		Agent: AgentConfig{
			ConfidenceThreshold: 0.75,
			MaxEscalations:      1,
			TypingIdleTimeout:   "10s",
		},
		Session: SessionConfig{},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the config file at path, applying defaults for missing fields
// and environment overrides for API keys. A missing file is not an error;
// defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file. Env always wins.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SOMMELIER_GEMINI_API_KEY"); v != "" {
		c.LLM.GeminiAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.GeminiAPIKey == "" {
		c.LLM.GeminiAPIKey = v
	}
	if v := os.Getenv("SOMMELIER_ANTHROPIC_API_KEY"); v != "" {
		c.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.LLM.AnthropicAPIKey == "" {
		c.LLM.AnthropicAPIKey = v
	}
	if v := os.Getenv("SOMMELIER_BASE_URL"); v != "" {
		c.Services.BaseURL = v
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Agent.ConfidenceThreshold < 0 || c.Agent.ConfidenceThreshold > 1 {
		return fmt.Errorf("agent.confidence_threshold must be in [0,1], got %v", c.Agent.ConfidenceThreshold)
	}
	if c.Agent.MaxEscalations < 0 {
		return fmt.Errorf("agent.max_escalations must be >= 0, got %d", c.Agent.MaxEscalations)
	}
	if _, err := c.ServiceTimeout(); err != nil {
		return fmt.Errorf("services.timeout: %w", err)
	}
	if _, err := c.TypingIdleTimeout(); err != nil {
		return fmt.Errorf("agent.typing_idle_timeout: %w", err)
	}
	if _, err := c.LLMTimeout(); err != nil {
		return fmt.Errorf("llm.timeout: %w", err)
	}
	return nil
}

// ServiceTimeout parses the backend request timeout.
func (c *Config) ServiceTimeout() (time.Duration, error) {
	return parseDuration(c.Services.Timeout, 30*time.Second)
}

// TypingIdleTimeout parses the per-field idle timeout.
func (c *Config) TypingIdleTimeout() (time.Duration, error) {
	return parseDuration(c.Agent.TypingIdleTimeout, 10*time.Second)
}

// LLMTimeout parses the model provider timeout.
func (c *Config) LLMTimeout() (time.Duration, error) {
	return parseDuration(c.LLM.Timeout, 60*time.Second)
}

// SessionPath returns the sqlite path for session snapshots, defaulting to
// <stateDir>/sessions.db.
func (c *Config) SessionPath(stateDir string) string {
	if c.Session.Path != "" {
		return c.Session.Path
	}
	return filepath.Join(stateDir, "sessions.db")
}

// StateDir returns the per-user state directory (~/.sommelier).
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sommelier"
	}
	return filepath.Join(home, ".sommelier")
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}
