package integration_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coxswain-dev/coxswain/internal/approval"
	"github.com/coxswain-dev/coxswain/internal/config"
	"github.com/coxswain-dev/coxswain/internal/doctor"
	"github.com/coxswain-dev/coxswain/internal/events"
	"github.com/coxswain-dev/coxswain/internal/executor"
	"github.com/coxswain-dev/coxswain/internal/executor/opencode"
)

// TestHelperLifecycleAgent is the scripted agent subprocess the lifecycle
// tests spawn through the full config-to-executor path. Behavior is selected
// by COXSWAIN_LIFECYCLE_SCENARIO.
func TestHelperLifecycleAgent(t *testing.T) {
	if os.Getenv("COXSWAIN_LIFECYCLE_AGENT") != "1" {
		t.Skip("helper process for lifecycle tests")
	}
	runLifecycleAgent(os.Getenv("COXSWAIN_LIFECYCLE_SCENARIO"))
	os.Exit(0)
}

type lifecycleFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func runLifecycleAgent(scenario string) {
	reader := bufio.NewReader(os.Stdin)
	writeLine := func(value any) {
		payload, err := json.Marshal(value)
		if err != nil {
			os.Exit(1)
		}
		if _, err := os.Stdout.Write(append(payload, '\n')); err != nil {
			os.Exit(0)
		}
	}
	reply := func(id json.RawMessage, result any) {
		encoded, err := json.Marshal(result)
		if err != nil {
			os.Exit(1)
		}
		writeLine(lifecycleFrame{JSONRPC: "2.0", ID: id, Result: encoded})
	}
	requestPermission := func(sessionID string) string {
		writeLine(map[string]any{
			"jsonrpc": "2.0",
			"id":      "perm-1",
			"method":  "session/request_permission",
			"params": map[string]any{
				"sessionId": sessionID,
				"toolCall":  map[string]any{"toolCallId": "perm-1", "title": "write file", "kind": "edit"},
				"options": []map[string]any{
					{"optionId": "opt-allow", "name": "Allow", "kind": "allow_once"},
					{"optionId": "opt-reject", "name": "Reject", "kind": "reject_once"},
				},
			},
		})
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				os.Exit(0)
			}
			var msg lifecycleFrame
			if json.Unmarshal([]byte(line), &msg) != nil || msg.Method != "" || len(msg.ID) == 0 {
				continue
			}
			var id string
			if json.Unmarshal(msg.ID, &id) != nil || id != "perm-1" {
				continue
			}
			var result struct {
				Outcome struct {
					Outcome  string `json:"outcome"`
					OptionID string `json:"optionId"`
				} `json:"outcome"`
			}
			_ = json.Unmarshal(msg.Result, &result)
			return result.Outcome.OptionID
		}
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var msg lifecycleFrame
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		switch msg.Method {
		case "initialize":
			reply(msg.ID, map[string]any{
				"protocolVersion":   1,
				"agentCapabilities": map[string]any{"loadSession": true},
			})
		case "session/new":
			reply(msg.ID, map[string]any{"sessionId": "sess-lifecycle-1"})
		case "session/load", "session/set_mode", "session/set_model":
			reply(msg.ID, map[string]any{})
		case "session/prompt":
			var params struct {
				SessionID string `json:"sessionId"`
			}
			_ = json.Unmarshal(msg.Params, &params)

			if scenario == "permission" {
				if requestPermission(params.SessionID) != "opt-allow" {
					reply(msg.ID, map[string]any{"stopReason": "refusal"})
					continue
				}
			}
			writeLine(map[string]any{
				"jsonrpc": "2.0",
				"method":  "session/update",
				"params": map[string]any{
					"sessionId": params.SessionID,
					"update": map[string]any{
						"sessionUpdate": "agent_message_chunk",
						"content":       map[string]any{"type": "text", "text": "lifecycle ok"},
					},
				},
			})
			reply(msg.ID, map[string]any{"stopReason": "end_turn"})
		}
	}
}

// writeLifecycleConfig stages a home and project config pair and points the
// process at them for the duration of the test.
func writeLifecycleConfig(t *testing.T, scenario string, autoApprove bool) *config.Config {
	t.Helper()

	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	homeConfig := `
default_agent = "opencode"
model = "home-model"
handshake_timeout = "10s"
teardown_grace = "2s"
`
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".coxswain"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, ".coxswain", "config.toml"), []byte(homeConfig), 0o644))

	projectConfig := `
model = "project-model"

[agents.opencode]
base_command = "` + os.Args[0] + ` -test.run=TestHelperLifecycleAgent"
auto_approve = ` + boolLiteral(autoApprove) + `

[agents.opencode.env]
COXSWAIN_LIFECYCLE_AGENT = "1"
COXSWAIN_LIFECYCLE_SCENARIO = "` + scenario + `"
`
	require.NoError(t, os.MkdirAll(filepath.Join(project, ".coxswain"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, ".coxswain", "config.toml"), []byte(projectConfig), 0o644))

	previous, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(project))
	t.Cleanup(func() {
		if err := os.Chdir(previous); err != nil {
			t.Errorf("restore working directory: %v", err)
		}
	})

	cfg, err := config.Load(context.Background())
	require.NoError(t, err)
	return cfg
}

func boolLiteral(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func executorFromConfig(t *testing.T, cfg *config.Config, bus events.Bus, authority approval.Authority) *opencode.Executor {
	t.Helper()

	agentCfg, err := cfg.ResolveAgent("")
	require.NoError(t, err)

	runCfg := opencode.Config{
		Model:            agentCfg.Model,
		Mode:             agentCfg.Mode,
		AutoApprove:      agentCfg.AutoApprove == nil || *agentCfg.AutoApprove,
		AppendPrompt:     agentCfg.AppendPrompt,
		Approvals:        authority,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SessionTimeout:   cfg.SessionTimeout,
		TeardownGrace:    cfg.TeardownGrace,
	}
	runCfg.Overrides.Program = agentCfg.BaseCommand
	runCfg.Overrides.ExtraArgs = agentCfg.ExtraArgs
	runCfg.Overrides.Env = agentCfg.Env

	return opencode.New(runCfg, opencode.WithBus(bus))
}

func TestLifecycleConfiguredRunCompletesTurn(t *testing.T) {
	cfg := writeLifecycleConfig(t, "complete", true)

	assert.Equal(t, "project-model", cfg.Model, "project config should overlay home config")
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)

	var mu sync.Mutex
	var content []string
	bus := events.New(events.WithBufferSize(64))
	bus.Subscribe(events.EventTypeContentDelta, func(event events.Event) {
		payload, ok := event.Payload.(map[string]any)
		if !ok {
			return
		}
		mu.Lock()
		content = append(content, payload["text"].(string))
		mu.Unlock()
	})

	agent := executorFromConfig(t, cfg, bus, nil)
	turn, err := agent.Spawn(context.Background(), t.TempDir(), "run the lifecycle", nil)
	require.NoError(t, err)
	require.Equal(t, "sess-lifecycle-1", turn.SessionID)
	require.Equal(t, executor.StopEndTurn, turn.StopReason)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Join(content, "") == "lifecycle ok"
	}, 5*time.Second, 10*time.Millisecond, "streamed content should reach subscribers")
}

func TestLifecycleFollowUpReusesSession(t *testing.T) {
	cfg := writeLifecycleConfig(t, "complete", true)

	bus := events.New(events.WithBufferSize(64))
	agent := executorFromConfig(t, cfg, bus, nil)

	dir := t.TempDir()
	first, err := agent.Spawn(context.Background(), dir, "first turn", nil)
	require.NoError(t, err)

	second, err := agent.SpawnFollowUp(context.Background(), dir, "second turn", first.SessionID, nil)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID, "follow-up must keep the issued session id")
	assert.Equal(t, executor.StopEndTurn, second.StopReason)
}

func TestLifecycleGatedApprovalFlow(t *testing.T) {
	cfg := writeLifecycleConfig(t, "permission", false)

	gate := approval.NewGate(1)
	go func() {
		for range gate.Requests() {
			_ = gate.Respond(approval.DecisionAllow)
		}
	}()

	bus := events.New(events.WithBufferSize(64))
	agent := executorFromConfig(t, cfg, bus, gate)

	turn, err := agent.Spawn(context.Background(), t.TempDir(), "do something gated", nil)
	require.NoError(t, err)
	require.Equal(t, executor.StopEndTurn, turn.StopReason)

	history := gate.History()
	require.Len(t, history, 1)
	assert.Equal(t, "perm-1", history[0].Request.CallID)
	assert.Equal(t, approval.DecisionAllow, history[0].Decision)
}

func TestLifecycleStatusReportsAvailability(t *testing.T) {
	cfg := writeLifecycleConfig(t, "complete", true)
	_ = cfg

	configRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(configRoot, "opencode"), 0o755))

	prober := executor.NewProber("opencode", "opencode.json",
		executor.WithConfigRoot(func() (string, error) { return configRoot, nil }))

	bus := events.New(events.WithBufferSize(64))
	agent := opencode.New(opencode.Config{}, opencode.WithBus(bus), opencode.WithProber(prober))

	manager, err := doctor.NewManager([]doctor.Probe{agent}, bus, doctor.Config{})
	require.NoError(t, err)

	reports, err := manager.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "opencode", reports[0].Agent)
	assert.Equal(t, executor.InstallationFound, reports[0].Availability)
}
