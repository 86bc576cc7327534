// Package config handles Solenne configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./solenne.yaml, ~/.config/solenne/config.yaml, /etc/solenne/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"solenne.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "solenne", "config.yaml"))
	}

	paths = append(paths, "/etc/solenne/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Solenne configuration.
type Config struct {
	Listen        ListenConfig `yaml:"listen"`
	Engine        EngineConfig `yaml:"engine"`
	MQTT          MQTTConfig   `yaml:"mqtt"`
	DataDir       string       `yaml:"data_dir"`
	AssistantName string       `yaml:"assistant_name"`
	ContextWindow int          `yaml:"context_window"`
	FallbackReply string       `yaml:"fallback_reply"`
	EmptyReply    string       `yaml:"empty_reply"`
	LogLevel      string       `yaml:"log_level"`
	LogFormat     string       `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// EngineConfig defines the connection to the external agent runner.
type EngineConfig struct {
	// URL is the base URL of the agent runner's HTTP API.
	URL string `yaml:"url"`
	// Token authenticates Solenne to the runner. Optional.
	Token string `yaml:"token"`
	// StateDir is the directory shared with the runner where per-workspace
	// snapshot files are written before each invocation.
	StateDir string `yaml:"state_dir"`
	// InvokeTimeoutSec bounds a single agent invocation. Zero disables the
	// timeout; the agent may legitimately run for minutes on a hard prompt.
	InvokeTimeoutSec int `yaml:"invoke_timeout_sec"`
}

// Configured reports whether an engine URL is set.
func (e EngineConfig) Configured() bool {
	return e.URL != ""
}

// InvokeTimeout returns the invocation timeout as a duration; zero means
// no timeout.
func (e EngineConfig) InvokeTimeout() time.Duration {
	return time.Duration(e.InvokeTimeoutSec) * time.Second
}

// MQTTConfig defines the optional MQTT presence publisher.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker URL is set.
func (m MQTTConfig) Configured() bool {
	return m.BrokerURL != ""
}

// Prefix returns the topic prefix, defaulting to "solenne".
func (m MQTTConfig) Prefix() string {
	if m.TopicPrefix == "" {
		return "solenne"
	}
	return m.TopicPrefix
}

// ClientIDOrDefault returns the MQTT client id, defaulting to
// "solenne-bridge". The id doubles as the Home Assistant device
// identifier, so it should stay stable across restarts.
func (m MQTTConfig) ClientIDOrDefault() string {
	if m.ClientID == "" {
		return "solenne-bridge"
	}
	return m.ClientID
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:        ListenConfig{Port: 8384},
		DataDir:       "data",
		AssistantName: "Solenne",
		ContextWindow: 10,
		FallbackReply: "Désolé, une erreur est survenue.",
		EmptyReply:    "Pas de réponse",
		LogFormat:     "text",
	}
}

// Validate checks configuration invariants that Load cannot express
// through defaults alone.
func (c *Config) Validate() error {
	if c.ContextWindow <= 0 {
		return fmt.Errorf("context_window must be positive, got %d", c.ContextWindow)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (expected text or json)", c.LogFormat)
	}
	if c.Engine.InvokeTimeoutSec < 0 {
		return fmt.Errorf("invoke_timeout_sec must not be negative, got %d", c.Engine.InvokeTimeoutSec)
	}
	return nil
}
