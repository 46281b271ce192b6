package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DefaultAgent != defaultAgent {
		t.Fatalf("default_agent = %q, want %q", cfg.DefaultAgent, defaultAgent)
	}
	if cfg.AutoApprove != defaultAutoApprove {
		t.Fatalf("auto_approve = %v, want %v", cfg.AutoApprove, defaultAutoApprove)
	}
	if cfg.HandshakeTimeout != defaultHandshakeTimeout {
		t.Fatalf("handshake_timeout = %s, want %s", cfg.HandshakeTimeout, defaultHandshakeTimeout)
	}
	if cfg.SessionTimeout != defaultSessionTimeout {
		t.Fatalf("session_timeout = %s, want %s", cfg.SessionTimeout, defaultSessionTimeout)
	}
	if cfg.TeardownGrace != defaultTeardownGrace {
		t.Fatalf("teardown_grace = %s, want %s", cfg.TeardownGrace, defaultTeardownGrace)
	}
	if cfg.EventBufferSize != defaultEventBufferSize {
		t.Fatalf("event_buffer_size = %d, want %d", cfg.EventBufferSize, defaultEventBufferSize)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".coxswain", "config.toml"), `
model = "home-model"
mode = "build"
auto_approve = false
handshake_timeout = "45s"
otel_endpoint = "http://home-collector:4318"
	`)

	writeFile(t, filepath.Join(work, ".coxswain", "config.toml"), `
model = "project-model"
teardown_grace = "10s"
event_buffer_size = 250
	`)

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Model != "project-model" {
		t.Fatalf("model = %q, want %q", cfg.Model, "project-model")
	}
	if cfg.Mode != "build" {
		t.Fatalf("mode = %q, want %q", cfg.Mode, "build")
	}
	if cfg.AutoApprove {
		t.Fatalf("auto_approve = true, want false")
	}
	if cfg.HandshakeTimeout != 45*time.Second {
		t.Fatalf("handshake_timeout = %s, want 45s", cfg.HandshakeTimeout)
	}
	if cfg.TeardownGrace != 10*time.Second {
		t.Fatalf("teardown_grace = %s, want 10s", cfg.TeardownGrace)
	}
	if cfg.EventBufferSize != 250 {
		t.Fatalf("event_buffer_size = %d, want 250", cfg.EventBufferSize)
	}
	if cfg.OTELEndpoint != "http://home-collector:4318" {
		t.Fatalf("otel_endpoint = %q, want home collector", cfg.OTELEndpoint)
	}
}

func TestLoadAgentTables(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(work, ".coxswain", "config.toml"), `
model = "top-model"

[agents.opencode]
base_command = "opencode acp"
extra_args = ["--verbose"]
model = "agent-model"
auto_approve = false

[agents.opencode.env]
OPENCODE_PERMISSION = "{}"
`)

	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	agent, ok := cfg.Agents["opencode"]
	if !ok {
		t.Fatalf("agents missing opencode: %#v", cfg.Agents)
	}
	if agent.BaseCommand != "opencode acp" {
		t.Fatalf("base_command = %q, want %q", agent.BaseCommand, "opencode acp")
	}
	if len(agent.ExtraArgs) != 1 || agent.ExtraArgs[0] != "--verbose" {
		t.Fatalf("extra_args = %#v", agent.ExtraArgs)
	}
	if agent.Env["OPENCODE_PERMISSION"] != "{}" {
		t.Fatalf("env = %#v", agent.Env)
	}
	if agent.Model != "agent-model" {
		t.Fatalf("agent model = %q, want %q", agent.Model, "agent-model")
	}
	if agent.AutoApprove == nil || *agent.AutoApprove {
		t.Fatalf("agent auto_approve = %v, want false", agent.AutoApprove)
	}
}

func TestResolveAgentPrecedence(t *testing.T) {
	cfg := defaults()
	cfg.Model = "top-model"
	cfg.Mode = "plan"
	cfg.AutoApprove = true
	disabled := false
	cfg.Agents["opencode"] = AgentConfig{
		Model:       "agent-model",
		AutoApprove: &disabled,
	}

	resolved, err := cfg.ResolveAgent("OpenCode")
	if err != nil {
		t.Fatalf("resolve agent: %v", err)
	}
	if resolved.Model != "agent-model" {
		t.Fatalf("resolved model = %q, want %q", resolved.Model, "agent-model")
	}
	if resolved.Mode != "plan" {
		t.Fatalf("resolved mode = %q, want %q", resolved.Mode, "plan")
	}
	if resolved.AutoApprove == nil || *resolved.AutoApprove {
		t.Fatalf("resolved auto_approve = %v, want false", resolved.AutoApprove)
	}
}

func TestResolveAgentFallsBackToDefault(t *testing.T) {
	cfg := defaults()
	cfg.Model = "top-model"

	resolved, err := cfg.ResolveAgent("")
	if err != nil {
		t.Fatalf("resolve agent: %v", err)
	}
	if resolved.Model != "top-model" {
		t.Fatalf("resolved model = %q, want %q", resolved.Model, "top-model")
	}
	if resolved.AutoApprove == nil || !*resolved.AutoApprove {
		t.Fatalf("resolved auto_approve = %v, want true", resolved.AutoApprove)
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(work, ".coxswain", "config.toml"), `
handshake_timeout = "not-a-duration"
`)

	chdir(t, work)

	if _, err := Load(context.Background()); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
