// Package config handles Stride configuration loading.
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
// Then: ./stride.yaml, ~/.config/stride/stride.yaml, /etc/stride/stride.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"stride.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "stride", "stride.yaml"))
	}

	paths = append(paths, "/etc/stride/stride.yaml")
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

// Config holds all Stride configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Models   ModelsConfig   `yaml:"models"`
	Agent    AgentConfig    `yaml:"agent"`
	Context  ContextConfig  `yaml:"context"`
	Sessions SessionsConfig `yaml:"sessions"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model settings.
type ModelsConfig struct {
	// OllamaURL is the base URL of the Ollama server.
	OllamaURL string `yaml:"ollama_url"`
	// Chat is the main agent model.
	Chat string `yaml:"chat"`
	// Initializer is the small model the knowledge decider runs on.
	// Empty falls back to the keyword heuristic.
	Initializer string `yaml:"initializer"`
	// TimeoutSec bounds each model call (default 120).
	TimeoutSec int `yaml:"timeout_sec"`
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	// MaxIterations bounds model/tool iterations per turn (default 10).
	MaxIterations int `yaml:"max_iterations"`
	// ToolTimeoutSec bounds each tool execution (default 30).
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// ContextConfig tunes context compaction.
type ContextConfig struct {
	// MaxTokens is the model's context window (default 16000).
	MaxTokens int `yaml:"max_tokens"`
	// TriggerRatio is the fill fraction that triggers a checkpoint
	// (default 0.8).
	TriggerRatio float64 `yaml:"trigger_ratio"`
}

// SessionsConfig tunes session lifecycle.
type SessionsConfig struct {
	// MaxIdleMinutes before the archiver retires a session (default 1440).
	MaxIdleMinutes int `yaml:"max_idle_minutes"`
	// SweepMinutes between archiver passes (default 15).
	SweepMinutes int `yaml:"sweep_minutes"`
}

// MQTTConfig defines optional turn-notification publishing.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
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

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			OllamaURL:  "http://localhost:11434",
			Chat:       "qwen3:4b",
			TimeoutSec: 120,
		},
		Agent: AgentConfig{
			MaxIterations:  10,
			ToolTimeoutSec: 30,
		},
		Context: ContextConfig{
			MaxTokens:    16000,
			TriggerRatio: 0.8,
		},
		Sessions: SessionsConfig{
			MaxIdleMinutes: 1440,
			SweepMinutes:   15,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "stride",
		},
		DataDir: "data",
	}
}

// ModelTimeout returns the configured model-call timeout.
func (c *Config) ModelTimeout() time.Duration {
	if c.Models.TimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.Models.TimeoutSec) * time.Second
}

// ToolTimeout returns the configured tool-execution timeout.
func (c *Config) ToolTimeout() time.Duration {
	if c.Agent.ToolTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Agent.ToolTimeoutSec) * time.Second
}

// MaxIdle returns the session idle limit.
func (c *Config) MaxIdle() time.Duration {
	if c.Sessions.MaxIdleMinutes <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Sessions.MaxIdleMinutes) * time.Minute
}

// SweepInterval returns the archiver pass interval.
func (c *Config) SweepInterval() time.Duration {
	if c.Sessions.SweepMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Sessions.SweepMinutes) * time.Minute
}
