package approval

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultGateBuffer = 1

// Record captures one request/response interaction for audit display.
type Record struct {
	Request    Request
	Decision   Decision
	AskedAt    time.Time
	AnsweredAt time.Time
}

// Gate is a blocking Authority that forwards each permission request to an
// external operator (for example a TUI modal) and waits for the answer.
// Requests are presented strictly in the order Decide is called.
type Gate struct {
	requests  chan Request
	responses chan Decision
	now       func() time.Time

	mu      sync.Mutex
	history []Record
}

// NewGate constructs a blocking approval gate.
func NewGate(bufferSize int) *Gate {
	if bufferSize <= 0 {
		bufferSize = defaultGateBuffer
	}
	return &Gate{
		requests:  make(chan Request, bufferSize),
		responses: make(chan Decision, bufferSize),
		now:       time.Now,
		history:   make([]Record, 0),
	}
}

// Requests exposes pending permission requests to the operator surface.
func (g *Gate) Requests() <-chan Request {
	return g.requests
}

// Respond publishes the operator's decision for the oldest pending request.
func (g *Gate) Respond(decision Decision) error {
	if g == nil {
		return errors.New("approval gate is nil")
	}
	normalized, err := NormalizeDecision(decision)
	if err != nil {
		return err
	}

	g.responses <- normalized
	return nil
}

// Decide presents one request and blocks until the operator responds or the
// context is canceled.
func (g *Gate) Decide(ctx context.Context, request Request) (Decision, error) {
	if g == nil {
		return "", errors.New("approval gate is nil")
	}

	normalized, err := normalizeRequest(request)
	if err != nil {
		return "", err
	}
	askedAt := g.now().UTC()

	select {
	case g.requests <- normalized:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case decision := <-g.responses:
		record := Record{
			Request:    normalized,
			Decision:   decision,
			AskedAt:    askedAt,
			AnsweredAt: g.now().UTC(),
		}
		g.mu.Lock()
		g.history = append(g.history, record)
		g.mu.Unlock()
		return decision, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// History returns a copy of decided request records.
func (g *Gate) History() []Record {
	if g == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	history := make([]Record, len(g.history))
	copy(history, g.history)
	return history
}

var _ Authority = (*Gate)(nil)
