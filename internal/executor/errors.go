package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase identifies where in the turn lifecycle an error surfaced.
type Phase string

const (
	// PhaseBuild covers command-spec construction before any process exists.
	PhaseBuild Phase = "build"
	// PhaseSpawn covers OS process creation.
	PhaseSpawn Phase = "spawn"
	// PhaseHandshake covers the protocol capability exchange.
	PhaseHandshake Phase = "handshake"
	// PhaseSession covers session creation or resumption.
	PhaseSession Phase = "session"
	// PhaseTurn covers prompt submission and output streaming.
	PhaseTurn Phase = "turn"
	// PhaseApproval covers permission-request arbitration.
	PhaseApproval Phase = "approval"
	// PhaseTeardown covers graceful exit and forced termination.
	PhaseTeardown Phase = "teardown"
)

// ConfigurationError reports an invalid command-spec merge.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "invalid executor configuration"
	}
	return fmt.Sprintf("configuration error: %s", reason)
}

// Is enables errors.Is checks against any ConfigurationError.
func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}

// SpawnError reports that the OS failed to start the agent process.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is enables errors.Is checks against any SpawnError.
func (e *SpawnError) Is(target error) bool {
	_, ok := target.(*SpawnError)
	return ok
}

// ProtocolError reports a malformed handshake or unexpected message shape.
type ProtocolError struct {
	Phase     Phase
	SessionID string
	Reason    string
	Err       error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error during %s: %s", e.Phase, e.Reason)
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session %s)", msg, e.SessionID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is enables errors.Is checks against any ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}

// SessionNotFoundError reports that the agent rejected a follow-up session ID.
type SessionNotFoundError struct {
	SessionID string
	Err       error
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %q not found by agent", e.SessionID)
}

func (e *SessionNotFoundError) Unwrap() error { return e.Err }

// Is enables errors.Is checks against any SessionNotFoundError.
func (e *SessionNotFoundError) Is(target error) bool {
	_, ok := target.(*SessionNotFoundError)
	return ok
}

// ApprovalUnavailableError reports a permission request with no reachable authority.
type ApprovalUnavailableError struct {
	SessionID string
	CallID    string
}

func (e *ApprovalUnavailableError) Error() string {
	return fmt.Sprintf(
		"permission request %s for session %s cannot be decided: no approval authority configured",
		e.CallID,
		e.SessionID,
	)
}

// Is enables errors.Is checks against any ApprovalUnavailableError.
func (e *ApprovalUnavailableError) Is(target error) bool {
	_, ok := target.(*ApprovalUnavailableError)
	return ok
}

// ProcessExitedError reports that the subprocess terminated mid-turn
// without a completion signal.
type ProcessExitedError struct {
	SessionID  string
	ExitCode   int
	StderrTail string
}

func (e *ProcessExitedError) Error() string {
	msg := fmt.Sprintf("agent process exited unexpectedly with code %d", e.ExitCode)
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session %s)", msg, e.SessionID)
	}
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		msg = fmt.Sprintf("%s: %s", msg, tail)
	}
	return msg
}

// Is enables errors.Is checks against any ProcessExitedError.
func (e *ProcessExitedError) Is(target error) bool {
	_, ok := target.(*ProcessExitedError)
	return ok
}

// TimeoutError reports a bounded wait exceeded at handshake, approval, or teardown.
type TimeoutError struct {
	Phase     Phase
	SessionID string
	Limit     time.Duration
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s did not complete within %s", e.Phase, e.Limit)
	if e.SessionID != "" {
		msg = fmt.Sprintf("%s (session %s)", msg, e.SessionID)
	}
	return msg
}

// Is enables errors.Is checks against any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// IsTerminal reports whether err belongs to the executor error taxonomy.
// All taxonomy errors end the current turn; retry is a caller concern.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	targets := []error{
		&ConfigurationError{},
		&SpawnError{},
		&ProtocolError{},
		&SessionNotFoundError{},
		&ApprovalUnavailableError{},
		&ProcessExitedError{},
		&TimeoutError{},
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
