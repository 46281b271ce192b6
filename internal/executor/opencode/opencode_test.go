package opencode

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coxswain-dev/coxswain/internal/approval"
	"github.com/coxswain-dev/coxswain/internal/events"
	"github.com/coxswain-dev/coxswain/internal/executor"
)

// TestHelperOpenCodeAgent is the scripted agent subprocess spawned by the
// executor tests below. It handshakes, opens a session, echoes the prompt
// and its own OPENCODE_PERMISSION value back as message chunks, and ends
// the turn.
func TestHelperOpenCodeAgent(t *testing.T) {
	if os.Getenv("OPENCODE_FAKE_AGENT") != "1" {
		t.Skip("helper process for opencode executor tests")
	}
	runFakeAgent()
	os.Exit(0)
}

type fakeFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func runFakeAgent() {
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
		writeLine(fakeFrame{JSONRPC: "2.0", ID: id, Result: encoded})
	}
	notifyChunk := func(sessionID, text string) {
		writeLine(map[string]any{
			"jsonrpc": "2.0",
			"method":  "session/update",
			"params": map[string]any{
				"sessionId": sessionID,
				"update": map[string]any{
					"sessionUpdate": "agent_message_chunk",
					"content":       map[string]any{"type": "text", "text": text},
				},
			},
		})
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		var msg fakeFrame
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
			reply(msg.ID, map[string]any{"sessionId": "sess-opencode-1"})
		case "session/load", "session/set_mode", "session/set_model":
			reply(msg.ID, map[string]any{})
		case "session/prompt":
			var params struct {
				SessionID string `json:"sessionId"`
				Prompt    []struct {
					Text string `json:"text"`
				} `json:"prompt"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			prompt := ""
			if len(params.Prompt) > 0 {
				prompt = params.Prompt[0].Text
			}
			notifyChunk(params.SessionID, "perm:"+os.Getenv(PermissionEnvVar))
			notifyChunk(params.SessionID, "\nprompt:"+prompt)
			reply(msg.ID, map[string]any{"stopReason": "end_turn"})
		}
	}
}

// chunkRecorder collects streamed content deltas off the bus.
type chunkRecorder struct {
	mu    sync.Mutex
	parts []string
}

func (c *chunkRecorder) record(event events.Event) {
	if event.Type != events.EventTypeContentDelta {
		return
	}
	payload := event.Payload.(map[string]any)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parts = append(c.parts, payload["text"].(string))
}

func (c *chunkRecorder) wait(t *testing.T, count int) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.parts)
		joined := strings.Join(c.parts, "")
		c.mu.Unlock()
		if n >= count {
			return joined
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d content chunks", count)
	return ""
}

func fakeAgentOverrides() executor.Overrides {
	return executor.Overrides{
		Program: os.Args[0] + " -test.run=TestHelperOpenCodeAgent",
		Env:     map[string]string{"OPENCODE_FAKE_AGENT": "1"},
	}
}

func spawnWithFake(t *testing.T, cfg Config, prompt string, env *executor.Env) (*executor.Turn, *chunkRecorder) {
	t.Helper()

	cfg.Overrides = fakeAgentOverrides()
	cfg.TeardownGrace = 2 * time.Second

	recorder := &chunkRecorder{}
	bus := events.New(events.WithBufferSize(64))
	bus.SubscribeAll(recorder.record)

	exec := New(cfg, WithBus(bus))
	turn, err := exec.Spawn(context.Background(), t.TempDir(), prompt, env)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return turn, recorder
}

func TestSpawnCompletesTurn(t *testing.T) {
	t.Parallel()

	turn, _ := spawnWithFake(t, Config{AutoApprove: true}, "hello", nil)
	if turn.SessionID != "sess-opencode-1" {
		t.Fatalf("session id = %q, want sess-opencode-1", turn.SessionID)
	}
	if turn.StopReason != executor.StopEndTurn {
		t.Fatalf("stop reason = %q, want %q", turn.StopReason, executor.StopEndTurn)
	}
}

func TestSpawnInjectsPermissionPolicyWhenApprovalsRequired(t *testing.T) {
	t.Parallel()

	_, recorder := spawnWithFake(t, Config{Approvals: approval.AllowAll{}}, "hello", nil)
	output := recorder.wait(t, 2)
	if !strings.Contains(output, "perm:"+permissionEnvDefault) {
		t.Fatalf("agent saw %q, want injected default policy", output)
	}
}

func TestSpawnAutoApproveSkipsPermissionPolicy(t *testing.T) {
	t.Parallel()

	_, recorder := spawnWithFake(t, Config{AutoApprove: true}, "hello", nil)
	output := recorder.wait(t, 2)
	if !strings.Contains(output, "perm:\n") {
		t.Fatalf("agent saw %q, want no permission policy under auto-approve", output)
	}
}

func TestSpawnPreservesCallerPermissionPolicy(t *testing.T) {
	t.Parallel()

	callerPolicy := `{"bash": "deny"}`
	env := executor.EnvFromMap(map[string]string{PermissionEnvVar: callerPolicy})

	_, recorder := spawnWithFake(t, Config{Approvals: approval.AllowAll{}}, "hello", env)
	output := recorder.wait(t, 2)
	if !strings.Contains(output, "perm:"+callerPolicy) {
		t.Fatalf("agent saw %q, want caller policy %q preserved", output, callerPolicy)
	}
}

func TestSpawnAppendsConfiguredPrompt(t *testing.T) {
	t.Parallel()

	_, recorder := spawnWithFake(t, Config{AutoApprove: true, AppendPrompt: "Be terse."}, "hello", nil)
	output := recorder.wait(t, 2)
	if !strings.Contains(output, "prompt:hello\n\nBe terse.") {
		t.Fatalf("agent saw %q, want appended prompt", output)
	}
}

func TestSpawnFollowUpRequiresSessionID(t *testing.T) {
	t.Parallel()

	exec := New(Config{AutoApprove: true})
	for _, sessionID := range []string{"", "   "} {
		_, err := exec.SpawnFollowUp(context.Background(), t.TempDir(), "hello", sessionID, nil)
		if !errors.Is(err, &executor.ConfigurationError{}) {
			t.Fatalf("sessionID=%q: error = %v, want ConfigurationError", sessionID, err)
		}
	}
}

func TestCommandInvocation(t *testing.T) {
	t.Parallel()

	exec := New(Config{AutoApprove: true, Overrides: executor.Overrides{ExtraArgs: []string{"--verbose"}}})

	initial, err := exec.commandBuilder().BuildInitial()
	if err != nil {
		t.Fatalf("build initial: %v", err)
	}
	if initial.Program != "npx" {
		t.Fatalf("program = %q, want npx", initial.Program)
	}
	wantArgs := []string{"-y", "opencode-ai@latest", "acp", "--verbose"}
	if !reflect.DeepEqual(initial.Args, wantArgs) {
		t.Fatalf("args = %v, want %v", initial.Args, wantArgs)
	}

	followUp, err := exec.commandBuilder().BuildFollowUp(nil)
	if err != nil {
		t.Fatalf("build follow-up: %v", err)
	}
	if followUp.Program != initial.Program || !reflect.DeepEqual(followUp.Args, initial.Args) {
		t.Fatalf("follow-up invocation %v %v differs from initial %v %v",
			followUp.Program, followUp.Args, initial.Program, initial.Args)
	}
}

func TestApprovalsBypassedUnderAutoApprove(t *testing.T) {
	t.Parallel()

	withAuthority := New(Config{AutoApprove: true, Approvals: approval.AllowAll{}})
	if withAuthority.approvals() != nil {
		t.Fatal("auto-approve should bypass the configured authority")
	}

	gated := New(Config{Approvals: approval.AllowAll{}})
	if gated.approvals() == nil {
		t.Fatal("expected configured authority when auto-approve is off")
	}
}

func TestCombinePrompt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		appendPrompt string
		prompt       string
		want         string
	}{
		{name: "no append", prompt: "hello", want: "hello"},
		{name: "append joined with blank line", appendPrompt: "Be terse.", prompt: "hello", want: "hello\n\nBe terse."},
		{name: "whitespace append ignored", appendPrompt: "   ", prompt: "hello", want: "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := New(Config{AppendPrompt: tt.appendPrompt})
			if got := exec.combinePrompt(tt.prompt); got != tt.want {
				t.Fatalf("combinePrompt(%q) = %q, want %q", tt.prompt, got, tt.want)
			}
		})
	}
}

func TestAvailabilityProbesConfigDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	prober := executor.NewProber(configNamespace, configFileName,
		executor.WithConfigRoot(func() (string, error) { return root, nil }))
	exec := New(Config{}, WithProber(prober))

	if got := exec.Availability(); got != executor.NotFound {
		t.Fatalf("availability = %q, want %q", got, executor.NotFound)
	}

	configDir := filepath.Join(root, configNamespace)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(configDir, configFileName), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := exec.Availability(); got != executor.InstallationFound {
		t.Fatalf("availability = %q, want %q", got, executor.InstallationFound)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	if name := New(Config{}).Name(); name != Name {
		t.Fatalf("name = %q, want %q", name, Name)
	}
}
