// Package config defines the engine configuration schema and its loader.
// Config files are json, json5, or yaml; $include directives deep-merge
// other files; environment variables are expanded before parsing. Unknown
// keys warn rather than fail so older configs keep working.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath overrides config file discovery when set.
const EnvConfigPath = "KUUZUKI_CONFIG"

// Config is the merged engine configuration.
type Config struct {
	// Model is the default "<provider>/<model>" reference.
	Model string `yaml:"model,omitempty"`

	// SmallModel is used for title generation and compaction summaries.
	// Falls back to Model when empty.
	SmallModel string `yaml:"small_model,omitempty"`

	Mode  map[string]ModeConfig  `yaml:"mode,omitempty"`
	Agent map[string]AgentConfig `yaml:"agent,omitempty"`
	MCP   map[string]MCPServer   `yaml:"mcp,omitempty"`

	// Permission is either a list of glob patterns (match means ask) or an
	// object of per-tool decisions. The permission package normalizes it.
	Permission any `yaml:"permission,omitempty"`

	// Share is "manual", "auto", or "disabled".
	Share string `yaml:"share,omitempty"`

	// Instructions are extra instruction files appended to the system
	// prompt. Globs are allowed; missing files are skipped with a warning.
	Instructions []string `yaml:"instructions,omitempty"`

	Provider   map[string]Provider `yaml:"provider,omitempty"`
	Compaction CompactionConfig    `yaml:"compaction,omitempty"`
	Server     ServerConfig        `yaml:"server,omitempty"`
	Log        LogConfig           `yaml:"log,omitempty"`
	Tracing    TracingConfig       `yaml:"tracing,omitempty"`
}

// ModeConfig bundles a system prompt, an optional model override, and a tool
// allow-list under a name selectable per turn.
type ModeConfig struct {
	Model  string          `yaml:"model,omitempty"`
	Prompt string          `yaml:"prompt,omitempty"`
	Tools  map[string]bool `yaml:"tools,omitempty"`
}

// AgentConfig describes a specialized sub-assistant runnable through the
// task tool.
type AgentConfig struct {
	Description string          `yaml:"description,omitempty"`
	Model       string          `yaml:"model,omitempty"`
	Prompt      string          `yaml:"prompt,omitempty"`
	Tools       map[string]bool `yaml:"tools,omitempty"`
}

// MCPServer configures one external tool server. Type selects the variant:
// "local" spawns Command with Environment; "remote" connects to URL with
// Headers.
type MCPServer struct {
	Type        string            `yaml:"type"`
	Command     []string          `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	URL         string            `yaml:"url,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled flag as true.
func (s MCPServer) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Provider carries per-provider credentials and endpoint overrides. The
// auth store and standard environment variables are consulted when APIKey
// is empty.
type Provider struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	// Region applies to bedrock.
	Region string `yaml:"region,omitempty"`
}

// CompactionConfig tunes when the turn loop summarizes older context.
type CompactionConfig struct {
	// Headroom is the token margin kept free below the model's input
	// limit. Zero means the default of 20000.
	Headroom int `yaml:"headroom,omitempty"`
}

// Headroom tokens reserved below the model input limit before compaction
// triggers.
const DefaultCompactionHeadroom = 20_000

// EffectiveHeadroom returns the configured headroom or the default.
func (c CompactionConfig) EffectiveHeadroom() int {
	if c.Headroom > 0 {
		return c.Headroom
	}
	return DefaultCompactionHeadroom
}

type ServerConfig struct {
	Hostname string `yaml:"hostname,omitempty"`
	Port     int    `yaml:"port,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type TracingConfig struct {
	// Endpoint is the OTLP/gRPC collector address. Tracing is off when
	// empty.
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Share policies.
const (
	ShareManual   = "manual"
	ShareAuto     = "auto"
	ShareDisabled = "disabled"
)

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Share == "" {
		cfg.Share = ShareManual
	}
	if cfg.Server.Hostname == "" {
		cfg.Server.Hostname = "127.0.0.1"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate rejects values the engine cannot act on.
func (c *Config) Validate() error {
	switch c.Share {
	case "", ShareManual, ShareAuto, ShareDisabled:
	default:
		return fmt.Errorf("config: share must be manual, auto, or disabled, got %q", c.Share)
	}
	for name, srv := range c.MCP {
		switch srv.Type {
		case "local":
			if len(srv.Command) == 0 {
				return fmt.Errorf("config: mcp server %q: local server requires command", name)
			}
		case "remote":
			if srv.URL == "" {
				return fmt.Errorf("config: mcp server %q: remote server requires url", name)
			}
		default:
			return fmt.Errorf("config: mcp server %q: type must be local or remote, got %q", name, srv.Type)
		}
	}
	return nil
}

// SplitModel splits a "<provider>/<model>" reference. The model part may
// itself contain slashes (openrouter-style ids).
func SplitModel(ref string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(ref, "/")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("config: model reference %q must be <provider>/<model>", ref)
	}
	return provider, model, nil
}

// Discover locates the config file: KUUZUKI_CONFIG, then kuuzuki.{json,
// json5,yaml,yml} in dir, then the same names under ~/.config/kuuzuki/.
// Returns "" when nothing exists.
func Discover(dir string) string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	names := []string{"kuuzuki.json", "kuuzuki.json5", "kuuzuki.yaml", "kuuzuki.yml"}
	for _, name := range names {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, name := range names {
			p := filepath.Join(home, ".config", "kuuzuki", name)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
