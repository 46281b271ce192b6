package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coxswain-dev/coxswain/internal/approval"
	"github.com/coxswain-dev/coxswain/internal/events"
	"github.com/coxswain-dev/coxswain/internal/executor"
	"github.com/coxswain-dev/coxswain/internal/state"
	"github.com/coxswain-dev/coxswain/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultHandshakeTimeout bounds the wait for the agent's first response.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultSessionTimeout bounds session creation and resumption.
	DefaultSessionTimeout = 60 * time.Second
	// DefaultTeardownGrace bounds the wait for a graceful exit before the
	// process is forcibly terminated.
	DefaultTeardownGrace = 5 * time.Second
)

// Harness drives agent subprocesses through the protocol state machine:
// Spawned, Handshaking, SessionEstablishing, TurnActive with nested
// AwaitingApproval, then Completed, Failed, or Cancelled. One Harness may
// serve any number of concurrent runs; it holds no per-run mutable state.
type Harness struct {
	logger           *log.Logger
	bus              events.Bus
	tracer           trace.Tracer
	model            string
	mode             string
	namespace        string
	handshakeTimeout time.Duration
	sessionTimeout   time.Duration
	teardownGrace    time.Duration
}

// HarnessOption customizes Harness construction.
type HarnessOption func(*Harness)

// WithLogger configures the structured logger runs report through.
func WithLogger(logger *log.Logger) HarnessOption {
	return func(h *Harness) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBus configures the output sink runs publish events to.
func WithBus(bus events.Bus) HarnessOption {
	return func(h *Harness) {
		if bus != nil {
			h.bus = bus
		}
	}
}

// WithModel requests a model selection after session establishment.
func WithModel(model string) HarnessOption {
	return func(h *Harness) {
		h.model = strings.TrimSpace(model)
	}
}

// WithMode requests an agent mode selection after session establishment.
func WithMode(mode string) HarnessOption {
	return func(h *Harness) {
		h.mode = strings.TrimSpace(mode)
	}
}

// WithSessionNamespace labels this agent's sessions in logs and events.
func WithSessionNamespace(namespace string) HarnessOption {
	return func(h *Harness) {
		h.namespace = strings.TrimSpace(namespace)
	}
}

// WithHandshakeTimeout overrides the handshake wait bound.
func WithHandshakeTimeout(timeout time.Duration) HarnessOption {
	return func(h *Harness) {
		if timeout > 0 {
			h.handshakeTimeout = timeout
		}
	}
}

// WithSessionTimeout overrides the session-establishment wait bound.
func WithSessionTimeout(timeout time.Duration) HarnessOption {
	return func(h *Harness) {
		if timeout > 0 {
			h.sessionTimeout = timeout
		}
	}
}

// WithTeardownGrace overrides the graceful-exit wait bound.
func WithTeardownGrace(grace time.Duration) HarnessOption {
	return func(h *Harness) {
		if grace > 0 {
			h.teardownGrace = grace
		}
	}
}

// NewHarness builds a harness with default bounds and a no-op logger
// unless configured otherwise.
func NewHarness(options ...HarnessOption) *Harness {
	h := &Harness{
		logger:           log.New(io.Discard),
		bus:              events.New(),
		tracer:           otel.Tracer("coxswain/acp"),
		handshakeTimeout: DefaultHandshakeTimeout,
		sessionTimeout:   DefaultSessionTimeout,
		teardownGrace:    DefaultTeardownGrace,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(h)
	}
	return h
}

// RunParams configures one turn. Command is consumed by this run and must
// not be reused. SessionID empty requests a new session; otherwise the
// identifier is supplied back to the agent verbatim for resumption.
type RunParams struct {
	Dir         string
	Prompt      string
	SessionID   string
	Command     executor.CommandSpec
	AutoApprove bool
	Approvals   approval.Authority
}

// Run spawns the agent, performs the handshake, establishes or resumes the
// session, submits the prompt, and streams output until the agent signals
// end of turn. All waits observe ctx; cancellation is cooperative with an
// in-protocol cancel followed by bounded forced termination.
func (h *Harness) Run(ctx context.Context, params RunParams) (*executor.Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(params.Dir) == "" {
		return nil, &executor.ConfigurationError{Reason: "working directory is required"}
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return nil, &executor.ConfigurationError{Reason: "prompt is required"}
	}

	started := time.Now()
	ctx, turnSpan := telemetry.StartTurnSpan(ctx, telemetry.TurnSpanRequest{
		Agent:       h.namespace,
		Model:       h.model,
		Mode:        h.mode,
		Prompt:      params.Prompt,
		FollowUp:    params.SessionID != "",
		AutoApprove: params.AutoApprove,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	ch, err := startChild(params.Command)
	if err != nil {
		turnSpan.End("", err)
		return nil, err
	}

	r := &run{
		harness:   h,
		params:    params,
		machine:   state.NewMachine(state.WithPublisher(h.bus), state.WithTracer(h.tracer)),
		child:     ch,
		turnSpan:  turnSpan,
		cancelRun: cancelRun,
		sessionID: params.SessionID,
		logger: h.logger.With(
			"namespace", h.namespace,
			"dir", params.Dir,
			"pid", ch.pid(),
		),
	}
	r.conn = newConn(ch.stdin, ch.stdout, r.logger, r.handleRequest, r.handleNotify)
	go r.conn.serve(runCtx)

	h.bus.Publish(events.Event{
		Type:      events.EventTypeAgentSpawn,
		SessionID: r.currentSessionID(),
		Dir:       params.Dir,
		Payload:   map[string]any{"pid": ch.pid(), "program": params.Command.Program},
		Severity:  events.SeverityInfo,
	})

	turn, err := r.execute(ctx, runCtx, started)
	if err != nil {
		turnSpan.End("", err)
		return nil, err
	}
	turnSpan.End(string(turn.StopReason), nil)
	return turn, nil
}

// run carries the per-turn state shared between the run goroutine and the
// protocol reader loop.
type run struct {
	harness   *Harness
	params    RunParams
	machine   *state.Machine
	child     *child
	conn      *conn
	turnSpan  *telemetry.TurnSpan
	logger    *log.Logger
	cancelRun context.CancelFunc

	mu        sync.Mutex
	sessionID string
	fatal     error
}

func (r *run) execute(ctx, runCtx context.Context, started time.Time) (*executor.Turn, error) {
	if err := r.handshake(runCtx); err != nil {
		if ctx.Err() != nil {
			return r.cancelled(ctx, started)
		}
		return r.fail(ctx, err)
	}
	if err := r.establishSession(runCtx); err != nil {
		if ctx.Err() != nil {
			return r.cancelled(ctx, started)
		}
		return r.fail(ctx, err)
	}
	r.configureSession(runCtx)

	r.transition(ctx, state.TurnActive, "prompt submitted")
	var result promptResult
	promptErr := r.conn.call(runCtx, methodSessionPrompt, promptParams{
		SessionID: r.currentSessionID(),
		Prompt:    []contentBlock{{Type: "text", Text: r.params.Prompt}},
	}, &result)

	// A caller cancel can race the reader loop recording its own fatal
	// (the approval handler observes ctx first); the cancel wins either way.
	if promptErr != nil || r.fatalError() != nil {
		if ctx.Err() != nil {
			return r.cancelled(ctx, started)
		}
		if fatal := r.fatalError(); fatal != nil {
			return r.fail(ctx, fatal)
		}
		return r.fail(ctx, r.mapTurnError(promptErr))
	}

	stop := executor.StopReason(result.StopReason)
	if stop == executor.StopCancelled && ctx.Err() != nil {
		return r.cancelled(ctx, started)
	}
	return r.completed(ctx, started, stop)
}

func (r *run) handshake(runCtx context.Context) error {
	r.transition(runCtx, state.TurnHandshaking, "initialize sent")

	hsCtx, cancel := context.WithTimeout(runCtx, r.harness.handshakeTimeout)
	defer cancel()

	var result initializeResult
	err := r.conn.call(hsCtx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		ClientCapabilities: clientCapabilities{
			FS: fileSystemCapability{ReadTextFile: false, WriteTextFile: false},
		},
	}, &result)
	if err != nil {
		return r.mapPhaseError(err, executor.PhaseHandshake, r.harness.handshakeTimeout)
	}

	r.logger.Debug("handshake complete",
		"protocol_version", result.ProtocolVersion,
		"load_session", result.AgentCapabilities.LoadSession,
	)
	return nil
}

func (r *run) establishSession(runCtx context.Context) error {
	r.transition(runCtx, state.TurnSessionEstablishing, "session requested")

	sessionCtx, cancel := context.WithTimeout(runCtx, r.harness.sessionTimeout)
	defer cancel()

	if r.params.SessionID == "" {
		var result newSessionResult
		err := r.conn.call(sessionCtx, methodSessionNew, newSessionParams{
			Cwd:        r.params.Dir,
			MCPServers: []any{},
		}, &result)
		if err != nil {
			return r.mapPhaseError(err, executor.PhaseSession, r.harness.sessionTimeout)
		}
		if strings.TrimSpace(result.SessionID) == "" {
			return &executor.ProtocolError{
				Phase:  executor.PhaseSession,
				Reason: "agent issued an empty session identifier",
			}
		}
		r.setSessionID(result.SessionID)
		r.logger.Info("session created", "session_id", result.SessionID)
		return nil
	}

	err := r.conn.call(sessionCtx, methodSessionLoad, loadSessionParams{
		SessionID:  r.params.SessionID,
		Cwd:        r.params.Dir,
		MCPServers: []any{},
	}, nil)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return &executor.SessionNotFoundError{SessionID: r.params.SessionID, Err: err}
		}
		return r.mapPhaseError(err, executor.PhaseSession, r.harness.sessionTimeout)
	}
	r.logger.Info("session resumed", "session_id", r.params.SessionID)
	return nil
}

// configureSession applies model and mode selections. Selection failures
// are logged, not fatal: the turn proceeds with the agent's defaults.
func (r *run) configureSession(runCtx context.Context) {
	sessionID := r.currentSessionID()
	if r.harness.model != "" {
		err := r.conn.call(runCtx, methodSessionSetModel, setModelParams{
			SessionID: sessionID,
			ModelID:   r.harness.model,
		}, nil)
		if err != nil {
			r.logger.Warn("model selection rejected", "model", r.harness.model, "error", err)
		}
	}
	if r.harness.mode != "" {
		err := r.conn.call(runCtx, methodSessionSetMode, setModeParams{
			SessionID: sessionID,
			ModeID:    r.harness.mode,
		}, nil)
		if err != nil {
			r.logger.Warn("mode selection rejected", "mode", r.harness.mode, "error", err)
		}
	}
}

func (r *run) completed(ctx context.Context, started time.Time, stop executor.StopReason) (*executor.Turn, error) {
	r.transition(ctx, state.TurnCompleted, string(stop))

	status := r.child.release(r.harness.teardownGrace)
	r.publishExit(status)
	r.harness.bus.Publish(events.Event{
		Type:      events.EventTypeTurnCompleted,
		SessionID: r.currentSessionID(),
		Dir:       r.params.Dir,
		Payload:   map[string]any{"stop_reason": string(stop)},
		Severity:  events.SeverityInfo,
	})

	if stop == "" {
		stop = executor.StopEndTurn
	}
	return &executor.Turn{
		SessionID:  r.currentSessionID(),
		StopReason: stop,
		StartedAt:  started.UTC(),
		Duration:   time.Since(started),
	}, nil
}

// cancelled unwinds a caller-initiated cancellation: best-effort
// in-protocol cancel, bounded wait, then forced termination.
func (r *run) cancelled(ctx context.Context, started time.Time) (*executor.Turn, error) {
	if err := r.conn.send(methodSessionCancel, cancelParams{SessionID: r.currentSessionID()}); err != nil {
		r.logger.Debug("cancel notification not delivered", "error", err)
	}
	r.transition(ctx, state.TurnCancelled, "caller cancelled")

	status := r.child.release(r.harness.teardownGrace)
	r.publishExit(status)
	r.harness.bus.Publish(events.Event{
		Type:      events.EventTypeTurnCompleted,
		SessionID: r.currentSessionID(),
		Dir:       r.params.Dir,
		Payload:   map[string]any{"stop_reason": string(executor.StopCancelled)},
		Severity:  events.SeverityInfo,
	})

	return &executor.Turn{
		SessionID:  r.currentSessionID(),
		StopReason: executor.StopCancelled,
		StartedAt:  started.UTC(),
		Duration:   time.Since(started),
	}, nil
}

// fail terminates the run: the subprocess is released (killed if still
// running after the grace window) and the event stream is closed with a
// terminal error event before the error is surfaced verbatim.
func (r *run) fail(ctx context.Context, cause error) (*executor.Turn, error) {
	r.transition(ctx, state.TurnFailed, cause.Error())
	r.cancelRun()

	status := r.child.release(r.harness.teardownGrace)
	r.publishExit(status)
	r.harness.bus.Publish(events.Event{
		Type:      events.EventTypeTurnFailed,
		SessionID: r.currentSessionID(),
		Dir:       r.params.Dir,
		Payload:   map[string]any{"error": cause.Error()},
		Severity:  events.SeverityError,
	})

	r.logger.Error("turn failed", "error", cause)
	return nil, cause
}

func (r *run) publishExit(status ExitStatus) {
	r.harness.bus.Publish(events.Event{
		Type:      events.EventTypeAgentExit,
		SessionID: r.currentSessionID(),
		Dir:       r.params.Dir,
		Payload:   map[string]any{"exit_code": status.Code, "killed": status.Killed},
		Severity:  events.SeverityInfo,
	})
}

// transition records a lifecycle step. Bookkeeping failures are logged,
// never fatal for the turn itself.
func (r *run) transition(ctx context.Context, toState, reason string) {
	if err := r.machine.Transition(ctx, r.currentSessionID(), toState, reason); err != nil {
		r.logger.Warn("state transition rejected", "to", toState, "error", err)
	}
}

func (r *run) setSessionID(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Single-assignment: once observed the identifier is never regenerated.
	if r.sessionID == "" {
		r.sessionID = sessionID
	}
}

func (r *run) currentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *run) setFatal(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	r.cancelRun()
}

func (r *run) fatalError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

func (r *run) mapPhaseError(err error, phase executor.Phase, limit time.Duration) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &executor.TimeoutError{Phase: phase, SessionID: r.currentSessionID(), Limit: limit}
	case errors.Is(err, errConnClosed):
		return r.processExited()
	default:
		return &executor.ProtocolError{
			Phase:     phase,
			SessionID: r.currentSessionID(),
			Reason:    "unexpected agent response",
			Err:       err,
		}
	}
}

func (r *run) mapTurnError(err error) error {
	if errors.Is(err, errConnClosed) {
		return r.processExited()
	}
	return &executor.ProtocolError{
		Phase:     executor.PhaseTurn,
		SessionID: r.currentSessionID(),
		Reason:    "prompt exchange failed",
		Err:       err,
	}
}

// processExited waits briefly for the reaper so the exit code is accurate.
func (r *run) processExited() error {
	select {
	case <-r.child.exited():
	case <-time.After(r.harness.teardownGrace):
	}
	status := r.child.exitStatus()
	return &executor.ProcessExitedError{
		SessionID:  r.currentSessionID(),
		ExitCode:   status.Code,
		StderrTail: r.child.stderrTail(),
	}
}

// handleRequest serves agent-to-client requests in the reader loop.
// Running synchronously here is what keeps permission decisions in strict
// arrival order.
func (r *run) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case methodRequestPermission:
		return r.handlePermission(ctx, params)
	default:
		return nil, &rpcError{Code: -32601, Message: fmt.Sprintf("method %q not supported", method)}
	}
}

func (r *run) handlePermission(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var request requestPermissionParams
	if err := json.Unmarshal(params, &request); err != nil {
		return nil, &rpcError{Code: -32602, Message: fmt.Sprintf("invalid permission request: %v", err)}
	}

	r.transition(ctx, state.TurnAwaitingApproval, request.ToolCall.Title)
	r.harness.bus.Publish(events.Event{
		Type:      events.EventTypePermissionRequested,
		SessionID: r.currentSessionID(),
		Dir:       r.params.Dir,
		Payload: map[string]any{
			"call_id": request.ToolCall.ToolCallID,
			"title":   request.ToolCall.Title,
			"kind":    request.ToolCall.Kind,
		},
		Severity: events.SeverityInfo,
	})

	decision, err := r.decide(ctx, request)
	if err != nil {
		r.setFatal(err)
		return requestPermissionResult{Outcome: permissionOutcome{Outcome: outcomeCancelled}}, nil
	}

	outcome := selectOutcome(decision, request.Options)
	r.turnSpan.RecordPermission(request.ToolCall.ToolCallID, string(decision))
	r.harness.bus.Publish(events.Event{
		Type:      events.EventTypePermissionDecided,
		SessionID: r.currentSessionID(),
		Dir:       r.params.Dir,
		Payload: map[string]any{
			"call_id":  request.ToolCall.ToolCallID,
			"decision": string(decision),
		},
		Severity: events.SeverityInfo,
	})
	r.transition(ctx, state.TurnActive, "approval resolved")

	return requestPermissionResult{Outcome: outcome}, nil
}

// decide arbitrates one permission request. With auto-approve on, the
// configured authority is never consulted. Without auto-approve and
// without an authority, the request cannot be decided and the turn fails.
func (r *run) decide(ctx context.Context, request requestPermissionParams) (approval.Decision, error) {
	if r.params.AutoApprove {
		return approval.DecisionAllow, nil
	}
	if r.params.Approvals == nil {
		return "", &executor.ApprovalUnavailableError{
			SessionID: r.currentSessionID(),
			CallID:    request.ToolCall.ToolCallID,
		}
	}

	options := make([]approval.Option, 0, len(request.Options))
	for _, option := range request.Options {
		options = append(options, approval.Option{
			ID:   option.OptionID,
			Name: option.Name,
			Kind: option.Kind,
		})
	}
	decision, err := r.params.Approvals.Decide(ctx, approval.Request{
		SessionID: r.currentSessionID(),
		CallID:    request.ToolCall.ToolCallID,
		Title:     request.ToolCall.Title,
		Kind:      request.ToolCall.Kind,
		Options:   options,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &executor.ApprovalUnavailableError{
			SessionID: r.currentSessionID(),
			CallID:    request.ToolCall.ToolCallID,
		}
	}
	return decision, nil
}

// selectOutcome maps a decision onto the options the agent offered,
// preferring the exact kind and falling back within the same polarity.
func selectOutcome(decision approval.Decision, options []permissionOption) permissionOutcome {
	pick := func(kinds ...string) (permissionOption, bool) {
		for _, kind := range kinds {
			for _, option := range options {
				if option.Kind == kind {
					return option, true
				}
			}
		}
		return permissionOption{}, false
	}

	switch decision {
	case approval.DecisionAllowForSession:
		if option, ok := pick(optionKindAllowAlways, optionKindAllowOnce); ok {
			return permissionOutcome{Outcome: outcomeSelected, OptionID: option.OptionID}
		}
	case approval.DecisionAllow:
		if option, ok := pick(optionKindAllowOnce, optionKindAllowAlways); ok {
			return permissionOutcome{Outcome: outcomeSelected, OptionID: option.OptionID}
		}
	case approval.DecisionDeny:
		if option, ok := pick(optionKindRejectOnce); ok {
			return permissionOutcome{Outcome: outcomeSelected, OptionID: option.OptionID}
		}
	}
	return permissionOutcome{Outcome: outcomeCancelled}
}

// handleNotify forwards streamed session updates to the output sink in
// arrival order.
func (r *run) handleNotify(method string, params json.RawMessage) {
	if method != methodSessionUpdate {
		r.logger.Debug("ignoring notification", "method", method)
		return
	}

	var update sessionUpdateParams
	if err := json.Unmarshal(params, &update); err != nil {
		r.logger.Warn("discarding malformed session update", "error", err)
		return
	}
	var envelope updateEnvelope
	if err := json.Unmarshal(update.Update, &envelope); err != nil {
		r.logger.Warn("discarding malformed update envelope", "error", err)
		return
	}

	switch envelope.SessionUpdate {
	case "agent_message_chunk", "agent_thought_chunk":
		text := ""
		if envelope.Content != nil {
			text = envelope.Content.Text
		}
		r.harness.bus.Publish(events.Event{
			Type:      events.EventTypeContentDelta,
			SessionID: r.currentSessionID(),
			Dir:       r.params.Dir,
			Payload: map[string]any{
				"stream": envelope.SessionUpdate,
				"text":   text,
			},
			Severity: events.SeverityInfo,
		})
	case "tool_call", "tool_call_update":
		if envelope.SessionUpdate == "tool_call" {
			r.turnSpan.RecordToolCall(envelope.Title, envelope.Status)
		}
		r.harness.bus.Publish(events.Event{
			Type:      events.EventTypeToolCall,
			SessionID: r.currentSessionID(),
			Dir:       r.params.Dir,
			Payload: map[string]any{
				"call_id": envelope.ToolCallID,
				"title":   envelope.Title,
				"kind":    envelope.Kind,
				"status":  envelope.Status,
			},
			Severity: events.SeverityInfo,
		})
	default:
		r.logger.Debug("ignoring session update", "kind", envelope.SessionUpdate)
	}
}
