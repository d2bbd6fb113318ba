package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToRequest(t *testing.T) {
	parentCtx := WithTraceID(context.Background(), "trace-123")
	parentCtx = WithRequestID(parentCtx, "req-parent")

	childCtx := PropagateToRequest(parentCtx, "session-abc")

	if GetTraceID(childCtx) != "trace-123" {
		t.Error("Trace ID not propagated")
	}
	if GetRequestID(childCtx) == "req-parent" || GetRequestID(childCtx) == "" {
		t.Error("Request ID should be regenerated for every request")
	}
	if GetSessionID(childCtx) != "session-abc" {
		t.Error("Session ID not set")
	}
}

func TestPropagateToRequestNoTraceID(t *testing.T) {
	childCtx := PropagateToRequest(context.Background(), "")

	if GetTraceID(childCtx) == "" {
		t.Error("Trace ID not generated when missing")
	}
	if GetSessionID(childCtx) != "" {
		t.Error("Empty session ID should not be stored")
	}
}

func TestPropagateToLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := NewContext(context.Background(), &TraceContext{TraceID: "trace-1", SessionID: "sess-1", RequestID: "req-1"})
	ctxLogger := LoggerFromContext(ctx, logger)
	ctxLogger.Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"trace-1"`, `"session_id":"sess-1"`, `"request_id":"req-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in log output %s", want, out)
		}
	}
}

func TestPropagateToLoggerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	propagated := PropagateToLogger(context.Background(), logger)
	propagated.Info().Msg("hello")

	if strings.Contains(buf.String(), "trace_id") {
		t.Error("Empty context should not add trace fields")
	}
}

func TestMergeContext(t *testing.T) {
	source := NewContext(context.Background(), &TraceContext{TraceID: "src-trace", SessionID: "src-sess", RequestID: "src-req"})
	target := WithTraceID(context.Background(), "target-trace")

	merged := MergeContext(target, source)

	if GetTraceID(merged) != "target-trace" {
		t.Error("Existing trace ID should be preserved")
	}
	if GetSessionID(merged) != "src-sess" {
		t.Error("Session ID should be merged from source")
	}
	if GetRequestID(merged) != "src-req" {
		t.Error("Request ID should be merged from source")
	}
}

func TestCloneContext(t *testing.T) {
	ctx, cancel := context.WithCancel(WithSessionID(context.Background(), "sess"))
	cancel()

	clone := CloneContext(ctx)
	if clone.Err() != nil {
		t.Error("Clone should not inherit cancellation")
	}
	if GetSessionID(clone) != "sess" {
		t.Error("Clone should keep session ID")
	}
}
