package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// TurnSpanRequest defines telemetry metadata for one agent turn.
type TurnSpanRequest struct {
	Agent       string
	Model       string
	Mode        string
	Prompt      string
	FollowUp    bool
	AutoApprove bool
}

// TurnSpan tracks one agent.turn span lifecycle. Prompts are never recorded
// verbatim; only a token estimate and a redacted-content hash reach the span.
type TurnSpan struct {
	span      trace.Span
	startedAt time.Time

	mu          sync.Mutex
	toolCalls   int
	permissions int
	ended       bool
}

// StartTurnSpan starts an agent.turn span and returns the context carrying
// it, so later spans nest under the turn.
func StartTurnSpan(ctx context.Context, req TurnSpanRequest) (context.Context, *TurnSpan) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("agent", normalizeOrUnknown(req.Agent)),
		attribute.Int("prompt_tokens", EstimateTokenCount(req.Prompt)),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
		attribute.Bool("follow_up", req.FollowUp),
		attribute.Bool("auto_approve", req.AutoApprove),
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		attrs = append(attrs, attribute.String("model", model))
	}
	if mode := strings.TrimSpace(req.Mode); mode != "" {
		attrs = append(attrs, attribute.String("mode", mode))
	}

	spanCtx, span := otel.Tracer("coxswain/telemetry/turn").Start(
		ctx,
		"agent.turn",
		trace.WithAttributes(attrs...),
	)

	turn := &TurnSpan{
		span:      span,
		startedAt: time.Now(),
	}

	return spanCtx, turn
}

// RecordToolCall adds a tool-call event to the active turn span.
func (t *TurnSpan) RecordToolCall(title, status string) {
	if t == nil || t.span == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.toolCalls++

	t.span.AddEvent(
		"turn.tool_call",
		trace.WithAttributes(
			attribute.String("title", normalizeOrUnknown(title)),
			attribute.String("status", normalizeOrUnknown(status)),
		),
	)
}

// RecordPermission adds a permission-arbitration event to the active turn span.
func (t *TurnSpan) RecordPermission(callID, decision string) {
	if t == nil || t.span == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.permissions++

	t.span.AddEvent(
		"turn.permission",
		trace.WithAttributes(
			attribute.String("call_id", normalizeOrUnknown(callID)),
			attribute.String("decision", normalizeOrUnknown(decision)),
		),
	)
}

// End finalizes the turn span with latency, stop reason, and event counts.
// Safe to call more than once; later calls are no-ops.
func (t *TurnSpan) End(stopReason string, err error) {
	if t == nil || t.span == nil {
		return
	}

	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	toolCalls := t.toolCalls
	permissions := t.permissions
	t.mu.Unlock()

	durationMS := time.Since(t.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("tool_calls_count", toolCalls),
		attribute.Int("permission_requests_count", permissions),
	}
	if stopReason = strings.TrimSpace(stopReason); stopReason != "" {
		attrs = append(attrs, attribute.String("stop_reason", stopReason))
	}
	t.span.SetAttributes(attrs...)

	if err != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		t.span.SetStatus(codes.Ok, "turn finished")
	}
	t.span.End()
}

// EstimateTokenCount estimates token count using a deterministic
// words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
