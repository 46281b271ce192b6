// Package opencode adapts the OpenCode agent CLI to the executor
// contract. OpenCode speaks the agent protocol over stdio via its "acp"
// subcommand and resumes sessions purely in-band, so follow-up
// invocations are argument-identical to initial ones.
package opencode

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coxswain-dev/coxswain/internal/approval"
	"github.com/coxswain-dev/coxswain/internal/events"
	"github.com/coxswain-dev/coxswain/internal/executor"
	"github.com/coxswain-dev/coxswain/internal/executor/acp"
)

const (
	// Name is the agent identifier used in config and logs.
	Name = "opencode"

	baseCommand      = "npx -y opencode-ai@latest"
	protocolEntryArg = "acp"
	sessionNamespace = "opencode_sessions"

	configNamespace = "opencode"
	configFileName  = "opencode.json"

	// PermissionEnvVar is OpenCode's permission-policy variable. When
	// auto-approve is off and the caller has not set it, the default below
	// instructs OpenCode's own policy to ask for every sensitive category.
	PermissionEnvVar     = "OPENCODE_PERMISSION"
	permissionEnvDefault = `{"edit": "ask", "bash": "ask", "webfetch": "ask", "doom_loop": "ask", "external_directory": "ask"}`
)

// Config is the immutable per-run record for one OpenCode executor. It is
// owned by the caller and never mutated by the harness.
type Config struct {
	Model            string
	Mode             string
	AutoApprove      bool
	AppendPrompt     string
	Overrides        executor.Overrides
	Approvals        approval.Authority
	HandshakeTimeout time.Duration
	SessionTimeout   time.Duration
	TeardownGrace    time.Duration
}

// Executor runs OpenCode turns through the protocol harness.
type Executor struct {
	cfg    Config
	logger *log.Logger
	bus    events.Bus
	prober *executor.Prober
}

// Option customizes Executor construction.
type Option func(*Executor)

// WithLogger configures the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBus configures the output sink.
func WithBus(bus events.Bus) Option {
	return func(e *Executor) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// WithProber overrides availability probing, for tests.
func WithProber(prober *executor.Prober) Option {
	return func(e *Executor) {
		if prober != nil {
			e.prober = prober
		}
	}
}

// New constructs an OpenCode executor from one per-run configuration.
func New(cfg Config, options ...Option) *Executor {
	e := &Executor{
		cfg:    cfg,
		logger: log.Default(),
		bus:    events.New(),
		prober: executor.NewProber(configNamespace, configFileName),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(e)
	}
	return e
}

// Name returns the agent identifier.
func (e *Executor) Name() string {
	return Name
}

// Spawn starts a new OpenCode session in dir and drives one turn.
func (e *Executor) Spawn(ctx context.Context, dir, prompt string, env *executor.Env) (*executor.Turn, error) {
	spec, err := e.commandBuilder().BuildInitial()
	if err != nil {
		return nil, err
	}
	return e.run(ctx, dir, prompt, "", spec, env)
}

// SpawnFollowUp resumes sessionID in dir and drives one turn. OpenCode
// resumption is in-band, so no resume arguments are passed.
func (e *Executor) SpawnFollowUp(ctx context.Context, dir, prompt, sessionID string, env *executor.Env) (*executor.Turn, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &executor.ConfigurationError{Reason: "follow-up requires a session identifier"}
	}
	spec, err := e.commandBuilder().BuildFollowUp(nil)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, dir, prompt, sessionID, spec, env)
}

// Availability reports installation heuristics from the filesystem alone.
func (e *Executor) Availability() executor.Availability {
	return e.prober.Probe()
}

func (e *Executor) run(ctx context.Context, dir, prompt, sessionID string, spec executor.CommandSpec, env *executor.Env) (*executor.Turn, error) {
	runEnv := executor.SetupApprovalEnv(env, e.cfg.AutoApprove, PermissionEnvVar, permissionEnvDefault)
	for _, name := range spec.Env.Keys() {
		value, _ := spec.Env.Get(name)
		runEnv.Insert(name, value)
	}
	spec.Env = runEnv
	if spec.Dir == "" {
		spec.Dir = dir
	}

	harness := acp.NewHarness(
		acp.WithLogger(e.logger),
		acp.WithBus(e.bus),
		acp.WithModel(e.cfg.Model),
		acp.WithMode(e.cfg.Mode),
		acp.WithSessionNamespace(sessionNamespace),
		acp.WithHandshakeTimeout(e.cfg.HandshakeTimeout),
		acp.WithSessionTimeout(e.cfg.SessionTimeout),
		acp.WithTeardownGrace(e.cfg.TeardownGrace),
	)
	return harness.Run(ctx, acp.RunParams{
		Dir:         dir,
		Prompt:      e.combinePrompt(prompt),
		SessionID:   strings.TrimSpace(sessionID),
		Command:     spec,
		AutoApprove: e.cfg.AutoApprove,
		Approvals:   e.approvals(),
	})
}

// approvals resolves the authority for one spawn. Auto-approve bypasses
// any configured authority entirely.
func (e *Executor) approvals() approval.Authority {
	if e.cfg.AutoApprove {
		return nil
	}
	return e.cfg.Approvals
}

func (e *Executor) commandBuilder() *executor.CommandBuilder {
	return executor.NewCommandBuilder(baseCommand).
		ExtendParams(protocolEntryArg).
		ApplyOverrides(e.cfg.Overrides)
}

// combinePrompt applies the append-prompt policy to one prompt.
func (e *Executor) combinePrompt(prompt string) string {
	appended := strings.TrimSpace(e.cfg.AppendPrompt)
	if appended == "" {
		return prompt
	}
	return prompt + "\n\n" + appended
}

var _ executor.Executor = (*Executor)(nil)
