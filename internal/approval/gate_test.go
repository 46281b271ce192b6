package approval

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestGateDecideBlocksUntilRespond(t *testing.T) {
	t.Parallel()

	gate := NewGate(1)

	type result struct {
		decision Decision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		decision, err := gate.Decide(context.Background(), Request{
			SessionID: "sess-1",
			CallID:    "call-1",
			Title:     "run tests",
		})
		done <- result{decision, err}
	}()

	select {
	case request := <-gate.Requests():
		if request.CallID != "call-1" {
			t.Fatalf("request call id = %q, want call-1", request.CallID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded request")
	}

	select {
	case <-done:
		t.Fatal("decide returned before operator responded")
	case <-time.After(100 * time.Millisecond):
	}

	if err := gate.Respond(DecisionAllow); err != nil {
		t.Fatalf("respond: %v", err)
	}

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("decide: %v", got.err)
		}
		if got.decision != DecisionAllow {
			t.Fatalf("decision = %q, want %q", got.decision, DecisionAllow)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
	}

	history := gate.History()
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Decision != DecisionAllow || history[0].Request.CallID != "call-1" {
		t.Fatalf("history record = %#v", history[0])
	}
	if history[0].AnsweredAt.Before(history[0].AskedAt) {
		t.Fatal("answered before asked")
	}
}

func TestGateDecideHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	gate := NewGate(1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := gate.Decide(ctx, Request{SessionID: "sess-1", CallID: "call-1"})
		done <- err
	}()

	select {
	case <-gate.Requests():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded request")
	}

	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("decide error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}
}

func TestGateRespondRejectsInvalidDecisions(t *testing.T) {
	t.Parallel()

	gate := NewGate(1)
	if err := gate.Respond("maybe"); err == nil {
		t.Fatal("expected error for invalid decision")
	}
}

func TestGateRejectsRequestsWithoutIdentifiers(t *testing.T) {
	t.Parallel()

	gate := NewGate(1)
	if _, err := gate.Decide(context.Background(), Request{SessionID: "sess-1"}); err == nil {
		t.Fatal("expected error for missing call id")
	}
}

func TestGatePreservesArrivalOrder(t *testing.T) {
	t.Parallel()

	gate := NewGate(4)
	const requests = 4

	decisions := make(chan Decision, requests)
	go func() {
		for i := 0; i < requests; i++ {
			decision, err := gate.Decide(context.Background(), Request{
				SessionID: "sess-1",
				CallID:    fmt.Sprintf("call-%d", i),
			})
			if err != nil {
				return
			}
			decisions <- decision
		}
	}()

	for i := 0; i < requests; i++ {
		select {
		case request := <-gate.Requests():
			want := fmt.Sprintf("call-%d", i)
			if request.CallID != want {
				t.Fatalf("request %d call id = %q, want %q", i, request.CallID, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for request %d", i)
		}
		if err := gate.Respond(DecisionAllow); err != nil {
			t.Fatalf("respond %d: %v", i, err)
		}
		select {
		case <-decisions:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for decision %d", i)
		}
	}

	history := gate.History()
	if len(history) != requests {
		t.Fatalf("history length = %d, want %d", len(history), requests)
	}
	for i, record := range history {
		want := fmt.Sprintf("call-%d", i)
		if record.Request.CallID != want {
			t.Fatalf("history[%d] call id = %q, want %q", i, record.Request.CallID, want)
		}
	}
}
