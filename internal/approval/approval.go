// Package approval defines the decision authority consulted when an agent
// subprocess asks permission to act. Callers plug in their own Authority;
// AllowAll and the channel-backed Gate are the built-in variants.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Decision is the deterministic answer to one permission request.
type Decision string

const (
	// DecisionAllow permits the requested action once.
	DecisionAllow Decision = "Allow"
	// DecisionDeny rejects the requested action.
	DecisionDeny Decision = "Deny"
	// DecisionAllowForSession permits the action for the rest of the session.
	DecisionAllowForSession Decision = "AllowForSession"
)

// Option is one choice the agent offered for a permission request.
type Option struct {
	ID   string
	Name string
	Kind string
}

// Request is one pending permission request. CallID is the correlation
// identifier tying a decision back to the exact pending request; requests
// are ephemeral and scoped to one turn.
type Request struct {
	SessionID string
	CallID    string
	Title     string
	Kind      string
	Options   []Option
}

// Authority decides pending permission requests. Implementations serving
// multiple concurrent sessions are responsible for their own
// synchronization; the harness treats the reference as read-only.
type Authority interface {
	Decide(ctx context.Context, request Request) (Decision, error)
}

// AllowAll approves every request. It backs auto-approve configurations.
type AllowAll struct{}

// Decide always returns DecisionAllow.
func (AllowAll) Decide(context.Context, Request) (Decision, error) {
	return DecisionAllow, nil
}

// NormalizeDecision canonicalizes a decision value, rejecting unknowns.
func NormalizeDecision(decision Decision) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(string(decision))) {
	case strings.ToLower(string(DecisionAllow)):
		return DecisionAllow, nil
	case strings.ToLower(string(DecisionDeny)):
		return DecisionDeny, nil
	case strings.ToLower(string(DecisionAllowForSession)):
		return DecisionAllowForSession, nil
	default:
		return "", fmt.Errorf("invalid approval decision %q", decision)
	}
}

func normalizeRequest(request Request) (Request, error) {
	request.SessionID = strings.TrimSpace(request.SessionID)
	request.CallID = strings.TrimSpace(request.CallID)
	request.Title = strings.TrimSpace(request.Title)
	if request.SessionID == "" {
		return Request{}, errors.New("session id is required")
	}
	if request.CallID == "" {
		return Request{}, errors.New("call id is required")
	}
	return request, nil
}
