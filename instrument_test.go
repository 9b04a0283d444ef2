package pkgmessage

import (
	"context"
	"testing"
)

func TestCorrelationID_SetAndGet(t *testing.T) {
	ctx := SetCorrelationID(context.Background(), "req-123")
	if got := GetCorrelationID(ctx); got != "req-123" {
		t.Errorf("GetCorrelationID() = %q, want req-123", got)
	}
}

func TestGetCorrelationID_AbsentReturnsEmpty(t *testing.T) {
	if got := GetCorrelationID(context.Background()); got != "" {
		t.Errorf("GetCorrelationID() = %q, want empty string", got)
	}
}

func TestCorrelationIDFromHeaders_StringValue(t *testing.T) {
	got := correlationIDFromHeaders(map[string]any{CorrelationIDHeader: "req-123"})
	if got != "req-123" {
		t.Errorf("correlationIDFromHeaders() = %q, want req-123", got)
	}
}

func TestCorrelationIDFromHeaders_BytesValue(t *testing.T) {
	got := correlationIDFromHeaders(map[string]any{CorrelationIDHeader: []byte("req-123")})
	if got != "req-123" {
		t.Errorf("correlationIDFromHeaders() = %q, want req-123", got)
	}
}

func TestCorrelationIDFromHeaders_Missing(t *testing.T) {
	if got := correlationIDFromHeaders(map[string]any{}); got != "" {
		t.Errorf("correlationIDFromHeaders() = %q, want empty string", got)
	}
}

func TestCorrelationIDFromHeaders_UnexpectedType(t *testing.T) {
	if got := correlationIDFromHeaders(map[string]any{CorrelationIDHeader: 42}); got != "" {
		t.Errorf("correlationIDFromHeaders() = %q, want empty string for an unexpected type", got)
	}
}
