// Package config loads the YAML configuration consumed by the gateway and
// the turn loop: the endpoint pool, retry limits, session caps, and dispatch
// policy. Credentials never live in the file itself; each endpoint names an
// environment variable that holds its API key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s"
// or "2m", or from a plain nanosecond count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// EndpointConfig describes one backend completion endpoint.
type EndpointConfig struct {
	Name      string `yaml:"name"`
	Role      string `yaml:"role"`     // primary, fallback, specialist
	Priority  int    `yaml:"priority"` // lower selects first
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // env var holding the credential
	Streaming *bool  `yaml:"streaming"`   // nil means streaming enabled
}

// APIKey resolves the endpoint's credential from the environment.
func (e *EndpointConfig) APIKey() string {
	if e.APIKeyEnv == "" {
		return os.Getenv("OPENAI_API_KEY")
	}
	return os.Getenv(e.APIKeyEnv)
}

// SupportsStreaming reports whether the endpoint delivers incremental chunks.
func (e *EndpointConfig) SupportsStreaming() bool {
	return e.Streaming == nil || *e.Streaming
}

// SessionStoreConfig controls transcript persistence.
type SessionStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the full configuration surface.
type Config struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`

	MaxRetryAttempts    int      `yaml:"max_retry_attempts"`
	StreamingEnabled    bool     `yaml:"streaming_enabled"`
	MaxTurnsPerSession  int      `yaml:"max_turns_per_session"`
	ContextWindowTokens int      `yaml:"context_window_tokens"`
	CompactionThreshold float64  `yaml:"context_compaction_threshold"` // percent 0-100
	PerToolTimeout      Duration `yaml:"per_tool_timeout"`
	AllowMultipleCalls  bool     `yaml:"allow_multiple_tool_calls_per_turn"`
	SessionTimeout      Duration `yaml:"session_timeout"`
	ToolAllowlist       []string `yaml:"tool_allowlist"`
	MaxCompletionTokens int      `yaml:"max_completion_tokens"`
	Temperature         float32  `yaml:"temperature"`

	SessionStore SessionStoreConfig `yaml:"session_store"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		MaxRetryAttempts:    2,
		StreamingEnabled:    true,
		MaxTurnsPerSession:  40,
		ContextWindowTokens: 128000,
		CompactionThreshold: 80,
		PerToolTimeout:      Duration(2 * time.Minute),
		SessionTimeout:      0,
	}
}

// DefaultPath returns ~/.loom/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".loom", "config.yaml"), nil
}

// Load reads the configuration file at path, falling back to defaults when
// the file does not exist. Values not present in the file keep their
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoint %d has no name", i)
		}
		if seen[ep.Name] {
			return fmt.Errorf("duplicate endpoint name %q", ep.Name)
		}
		seen[ep.Name] = true
		if ep.BaseURL == "" {
			return fmt.Errorf("endpoint %q has no base_url", ep.Name)
		}
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must be >= 0")
	}
	if c.MaxTurnsPerSession <= 0 {
		return fmt.Errorf("max_turns_per_session must be > 0")
	}
	if c.CompactionThreshold < 0 || c.CompactionThreshold > 100 {
		return fmt.Errorf("context_compaction_threshold must be between 0 and 100")
	}
	return nil
}
