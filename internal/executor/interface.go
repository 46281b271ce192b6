package executor

import (
	"context"
	"time"
)

// StopReason is the agent-reported reason a turn ended.
type StopReason string

const (
	// StopEndTurn indicates the agent completed the turn normally.
	StopEndTurn StopReason = "end_turn"
	// StopCancelled indicates the turn ended after a cancellation request.
	StopCancelled StopReason = "cancelled"
	// StopMaxTokens indicates the agent halted at its token ceiling.
	StopMaxTokens StopReason = "max_tokens"
	// StopMaxTurnRequests indicates the agent halted at its request ceiling.
	StopMaxTurnRequests StopReason = "max_turn_requests"
	// StopRefusal indicates the agent declined to continue.
	StopRefusal StopReason = "refusal"
)

// Turn is the outcome of one prompt-submission-to-completion cycle.
// SessionID is the opaque identifier issued by the agent on the first
// successful turn; callers persist it and supply it back verbatim on
// follow-up. The harness never regenerates it.
type Turn struct {
	SessionID  string
	StopReason StopReason
	StartedAt  time.Time
	Duration   time.Duration
}

// Executor is the capability contract shared by every agent variant:
// spawn a new session, resume an existing one, and report local
// availability. Implementations must be safe for concurrent runs.
type Executor interface {
	// Name returns the agent's stable identifier for config and logs.
	Name() string
	// Spawn starts a new session in dir and drives one turn to completion.
	Spawn(ctx context.Context, dir, prompt string, env *Env) (*Turn, error)
	// SpawnFollowUp resumes sessionID in dir and drives one turn.
	// A rejected identifier fails with SessionNotFoundError; the harness
	// never falls back to a new session.
	SpawnFollowUp(ctx context.Context, dir, prompt, sessionID string, env *Env) (*Turn, error)
	// Availability reports installation heuristics for UI/diagnostics.
	Availability() Availability
}
