// Package config loads runtime settings from layered TOML files:
// ~/.coxswain/config.toml overlaid by a project-local .coxswain/config.toml.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultAgent            = "opencode"
	defaultAutoApprove      = true
	defaultHandshakeTimeout = 30 * time.Second
	defaultSessionTimeout   = 60 * time.Second
	defaultTeardownGrace    = 5 * time.Second
	defaultEventBufferSize  = 100
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	DefaultAgent     string
	Model            string
	Mode             string
	AutoApprove      bool
	AppendPrompt     string
	HandshakeTimeout time.Duration
	SessionTimeout   time.Duration
	TeardownGrace    time.Duration
	EventBufferSize  int
	OTELEndpoint     string
	Agents           map[string]AgentConfig
}

// AgentConfig stores per-agent invocation overrides.
type AgentConfig struct {
	BaseCommand  string
	ExtraArgs    []string
	Env          map[string]string
	Model        string
	Mode         string
	AutoApprove  *bool
	AppendPrompt string
}

type fileConfig struct {
	DefaultAgent     *string                    `toml:"default_agent"`
	Model            *string                    `toml:"model"`
	Mode             *string                    `toml:"mode"`
	AutoApprove      *bool                      `toml:"auto_approve"`
	AppendPrompt     *string                    `toml:"append_prompt"`
	HandshakeTimeout *string                    `toml:"handshake_timeout"`
	SessionTimeout   *string                    `toml:"session_timeout"`
	TeardownGrace    *string                    `toml:"teardown_grace"`
	EventBufferSize  *int                       `toml:"event_buffer_size"`
	OTELEndpoint     *string                    `toml:"otel_endpoint"`
	Agents           map[string]fileAgentConfig `toml:"agents"`
}

type fileAgentConfig struct {
	BaseCommand  *string           `toml:"base_command"`
	ExtraArgs    []string          `toml:"extra_args"`
	Env          map[string]string `toml:"env"`
	Model        *string           `toml:"model"`
	Mode         *string           `toml:"mode"`
	AutoApprove  *bool             `toml:"auto_approve"`
	AppendPrompt *string           `toml:"append_prompt"`
}

// Load reads config from ~/.coxswain/config.toml and overlays a
// project-local .coxswain/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".coxswain", "config.toml"),
		filepath.Join(workingDir, ".coxswain", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		DefaultAgent:     defaultAgent,
		AutoApprove:      defaultAutoApprove,
		HandshakeTimeout: defaultHandshakeTimeout,
		SessionTimeout:   defaultSessionTimeout,
		TeardownGrace:    defaultTeardownGrace,
		EventBufferSize:  defaultEventBufferSize,
		Agents:           map[string]AgentConfig{},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	overlayAgentConfigs(cfg, decoded.Agents)

	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.DefaultAgent != nil {
		if agent := normalizeKey(*decoded.DefaultAgent); agent != "" {
			cfg.DefaultAgent = agent
		}
	}
	if decoded.Model != nil {
		cfg.Model = strings.TrimSpace(*decoded.Model)
	}
	if decoded.Mode != nil {
		cfg.Mode = strings.TrimSpace(*decoded.Mode)
	}
	if decoded.AutoApprove != nil {
		cfg.AutoApprove = *decoded.AutoApprove
	}
	if decoded.AppendPrompt != nil {
		cfg.AppendPrompt = strings.TrimSpace(*decoded.AppendPrompt)
	}
	if decoded.EventBufferSize != nil && *decoded.EventBufferSize > 0 {
		cfg.EventBufferSize = *decoded.EventBufferSize
	}
	if decoded.OTELEndpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTELEndpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.HandshakeTimeout != nil {
		parsed, err := parseDuration(*decoded.HandshakeTimeout, "handshake_timeout", path)
		if err != nil {
			return err
		}
		cfg.HandshakeTimeout = parsed
	}
	if decoded.SessionTimeout != nil {
		parsed, err := parseDuration(*decoded.SessionTimeout, "session_timeout", path)
		if err != nil {
			return err
		}
		cfg.SessionTimeout = parsed
	}
	if decoded.TeardownGrace != nil {
		parsed, err := parseDuration(*decoded.TeardownGrace, "teardown_grace", path)
		if err != nil {
			return err
		}
		cfg.TeardownGrace = parsed
	}
	return nil
}

func overlayAgentConfigs(cfg *Config, agents map[string]fileAgentConfig) {
	if len(agents) == 0 {
		return
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}

	for name, decoded := range agents {
		normalized := normalizeKey(name)
		if normalized == "" {
			continue
		}
		agent := cfg.Agents[normalized]
		if decoded.BaseCommand != nil {
			agent.BaseCommand = strings.TrimSpace(*decoded.BaseCommand)
		}
		if len(decoded.ExtraArgs) > 0 {
			agent.ExtraArgs = append([]string(nil), decoded.ExtraArgs...)
		}
		if len(decoded.Env) > 0 {
			if agent.Env == nil {
				agent.Env = map[string]string{}
			}
			for key, value := range decoded.Env {
				agent.Env[key] = value
			}
		}
		if decoded.Model != nil {
			agent.Model = strings.TrimSpace(*decoded.Model)
		}
		if decoded.Mode != nil {
			agent.Mode = strings.TrimSpace(*decoded.Mode)
		}
		if decoded.AutoApprove != nil {
			value := *decoded.AutoApprove
			agent.AutoApprove = &value
		}
		if decoded.AppendPrompt != nil {
			agent.AppendPrompt = strings.TrimSpace(*decoded.AppendPrompt)
		}
		cfg.Agents[normalized] = agent
	}
}

// ResolveAgent returns the effective settings for one agent with this
// precedence: per-agent overrides > top-level defaults.
func (c *Config) ResolveAgent(name string) (AgentConfig, error) {
	if c == nil {
		return AgentConfig{}, errors.New("config must not be nil")
	}

	normalized := normalizeKey(name)
	if normalized == "" {
		normalized = c.DefaultAgent
	}
	if normalized == "" {
		return AgentConfig{}, errors.New("no agent configured")
	}

	resolved := AgentConfig{
		Model:        c.Model,
		Mode:         c.Mode,
		AppendPrompt: c.AppendPrompt,
	}
	autoApprove := c.AutoApprove
	resolved.AutoApprove = &autoApprove

	agent, ok := c.Agents[normalized]
	if !ok {
		return resolved, nil
	}

	if agent.BaseCommand != "" {
		resolved.BaseCommand = agent.BaseCommand
	}
	if len(agent.ExtraArgs) > 0 {
		resolved.ExtraArgs = append([]string(nil), agent.ExtraArgs...)
	}
	if len(agent.Env) > 0 {
		resolved.Env = map[string]string{}
		for key, value := range agent.Env {
			resolved.Env[key] = value
		}
	}
	if agent.Model != "" {
		resolved.Model = agent.Model
	}
	if agent.Mode != "" {
		resolved.Mode = agent.Mode
	}
	if agent.AutoApprove != nil {
		value := *agent.AutoApprove
		resolved.AutoApprove = &value
	}
	if agent.AppendPrompt != "" {
		resolved.AppendPrompt = agent.AppendPrompt
	}
	return resolved, nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
