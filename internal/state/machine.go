// Package state validates turn lifecycle transitions against a fixed
// transition table and records them for audit and tracing.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coxswain-dev/coxswain/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Turn lifecycle states for one harness run.
const (
	TurnSpawned             = "spawned"
	TurnHandshaking         = "handshaking"
	TurnSessionEstablishing = "session_establishing"
	TurnActive              = "turn_active"
	TurnAwaitingApproval    = "awaiting_approval"
	TurnCompleted           = "completed"
	TurnFailed              = "failed"
	TurnCancelled           = "cancelled"
)

// Any non-terminal state may fail or be cancelled; approval nests inside
// an active turn and is re-entrant.
var allowedTransitions = map[string]map[string]struct{}{
	TurnSpawned: {
		TurnHandshaking: {},
		TurnFailed:      {},
		TurnCancelled:   {},
	},
	TurnHandshaking: {
		TurnSessionEstablishing: {},
		TurnFailed:              {},
		TurnCancelled:           {},
	},
	TurnSessionEstablishing: {
		TurnActive:    {},
		TurnFailed:    {},
		TurnCancelled: {},
	},
	TurnActive: {
		TurnAwaitingApproval: {},
		TurnCompleted:        {},
		TurnFailed:           {},
		TurnCancelled:        {},
	},
	TurnAwaitingApproval: {
		TurnActive:    {},
		TurnFailed:    {},
		TurnCancelled: {},
	},
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithPublisher configures the event bus transitions are announced on.
func WithPublisher(bus events.Bus) Option {
	return func(machine *Machine) {
		if bus == nil {
			return
		}
		machine.bus = bus
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState string
	ToState   string
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState string
	ToState   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"cannot transition turn %q from %q to %q: illegal transition for turn lifecycle",
		e.SessionID,
		e.FromState,
		e.ToState,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine validates one run's turn lifecycle transitions. It is safe for
// use from the run goroutine and the protocol reader loop concurrently.
type Machine struct {
	bus    events.Bus
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	current string
	history []TransitionRecord
}

// NewMachine builds a turn state machine starting in TurnSpawned.
func NewMachine(options ...Option) *Machine {
	machine := &Machine{
		tracer:  otel.Tracer("coxswain/state"),
		now:     time.Now,
		current: TurnSpawned,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	if machine.tracer == nil {
		machine.tracer = otel.Tracer("coxswain/state")
	}
	return machine
}

// Current returns the machine's current state.
func (m *Machine) Current() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Terminal reports whether the machine reached a terminal state.
func (m *Machine) Terminal() bool {
	if m == nil {
		return false
	}
	switch m.Current() {
	case TurnCompleted, TurnFailed, TurnCancelled:
		return true
	default:
		return false
	}
}

// Transition validates and records one state transition.
func (m *Machine) Transition(ctx context.Context, sessionID, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	normalizedReason := strings.TrimSpace(reason)
	toState = strings.TrimSpace(toState)

	m.mu.Lock()
	defer m.mu.Unlock()
	fromState := m.current

	_, span := m.tracer.Start(ctx, "turn.transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if toState == "" {
		err := errors.New("to state must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !isAllowed(fromState, toState) {
		err := &IllegalTransitionError{
			SessionID: sessionID,
			FromState: fromState,
			ToState:   toState,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	timestamp := m.now().UTC()
	record := TransitionRecord{
		SessionID: sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: timestamp,
	}
	m.current = toState
	m.history = append(m.history, record)

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.EventTypeStateTransition,
			Timestamp: timestamp,
			SessionID: sessionID,
			Payload:   record,
			Severity:  events.SeverityInfo,
		})
	}

	span.SetStatus(codes.Ok, "turn transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState string) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
