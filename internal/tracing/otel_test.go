package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestInitOpenTelemetry_LogsSpans(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "test", SpanLogger: &logger}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	ctx, span := StartSpan(context.Background(), "hostsession.test", "test.op", attribute.String("kind", "json"))
	assert.NotEmpty(t, GetTraceID(ctx))
	span.End()

	_, failed := StartSpan(context.Background(), "hostsession.test", "test.fail")
	failed.RecordError(errors.New("boom"))
	failed.SetStatus(codes.Error, "boom")
	failed.End()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "test.op", first["span"])
	assert.Equal(t, "hostsession.test", first["tracer"])
	assert.Equal(t, "json", first["kind"])
	assert.Equal(t, GetTraceID(ctx), first["trace_id"])

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "boom", second["error"])
}

func TestInitOpenTelemetry_Replaces(t *testing.T) {
	var first, second bytes.Buffer
	l1 := zerolog.New(&first).Level(zerolog.DebugLevel)
	l2 := zerolog.New(&second).Level(zerolog.DebugLevel)

	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "test", SpanLogger: &l1}))
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "test", SpanLogger: &l2}))
	t.Cleanup(func() { _ = ShutdownOpenTelemetry(context.Background()) })

	_, span := StartSpan(context.Background(), "hostsession.test", "test.op")
	span.End()

	assert.Empty(t, first.String())
	assert.Contains(t, second.String(), "test.op")
}

func TestShutdownOpenTelemetry_Idempotent(t *testing.T) {
	require.NoError(t, InitOpenTelemetry(Options{ServiceName: "test"}))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))
	require.NoError(t, ShutdownOpenTelemetry(context.Background()))
}
