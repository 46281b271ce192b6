package approval

import (
	"context"
	"testing"
)

func TestAllowAllAlwaysApproves(t *testing.T) {
	t.Parallel()

	decision, err := AllowAll{}.Decide(context.Background(), Request{
		SessionID: "sess-1",
		CallID:    "call-1",
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision != DecisionAllow {
		t.Fatalf("decision = %q, want %q", decision, DecisionAllow)
	}
}

func TestNormalizeDecisionCanonicalizesCase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input Decision
		want  Decision
	}{
		{"allow", DecisionAllow},
		{"ALLOW", DecisionAllow},
		{" Deny ", DecisionDeny},
		{"allowforsession", DecisionAllowForSession},
	}
	for _, tt := range tests {
		got, err := NormalizeDecision(tt.input)
		if err != nil {
			t.Fatalf("normalize %q: %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("normalize %q = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNormalizeDecisionRejectsUnknownValues(t *testing.T) {
	t.Parallel()

	for _, input := range []Decision{"", "maybe", "allow_once"} {
		if _, err := NormalizeDecision(input); err == nil {
			t.Fatalf("expected error for decision %q", input)
		}
	}
}

func TestNormalizeRequestRequiresIdentifiers(t *testing.T) {
	t.Parallel()

	if _, err := normalizeRequest(Request{CallID: "call-1"}); err == nil {
		t.Fatal("expected error for missing session id")
	}
	if _, err := normalizeRequest(Request{SessionID: "sess-1"}); err == nil {
		t.Fatal("expected error for missing call id")
	}

	normalized, err := normalizeRequest(Request{
		SessionID: " sess-1 ",
		CallID:    " call-1 ",
		Title:     "  write file  ",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if normalized.SessionID != "sess-1" || normalized.CallID != "call-1" || normalized.Title != "write file" {
		t.Fatalf("normalized = %#v", normalized)
	}
}
