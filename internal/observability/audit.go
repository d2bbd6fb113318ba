package observability

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditKind groups audit records by what changed.
type AuditKind string

const (
	AuditKindHost        AuditKind = "host"
	AuditKindBreakpoints AuditKind = "breakpoints"
)

// AuditRecord is one line of the audit trail.
type AuditRecord struct {
	Kind    AuditKind
	Session string
	Action  string
	Err     error
	Fields  map[string]string
}

func (r AuditRecord) outcome() string {
	if r.Err != nil {
		return "failed"
	}
	return "ok"
}

// Auditor appends audit records as JSON lines. It discards everything until
// Open succeeds.
type Auditor struct {
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
}

var auditor = &Auditor{logger: zerolog.Nop()}

// Audit returns the process-wide auditor.
func Audit() *Auditor {
	return auditor
}

// Open points the auditor at path, closing any previous file.
func (a *Auditor) Open(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_ = a.file.Close()
	}
	a.file = file
	a.logger = zerolog.New(file).With().Timestamp().Logger()
	return nil
}

// Write records rec. When ctx carries a recording span the record is also
// attached to it as a span event.
func (a *Auditor) Write(ctx context.Context, rec AuditRecord) {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if sc.IsValid() {
		span.AddEvent("audit."+rec.Action, trace.WithAttributes(
			attribute.String("audit.kind", string(rec.Kind)),
			attribute.String("audit.outcome", rec.outcome()),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ev := a.logger.Log().
		Str("kind", string(rec.Kind)).
		Str("session", rec.Session).
		Str("action", rec.Action).
		Str("outcome", rec.outcome())
	if rec.Err != nil {
		ev = ev.Str("error", rec.Err.Error())
	}
	if sc.IsValid() {
		ev = ev.Str("trace_id", sc.TraceID().String())
	}
	for k, v := range rec.Fields {
		ev = ev.Str(k, v)
	}
	ev.Send()
}

// Close closes the audit file. Later records are discarded.
func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.logger = zerolog.Nop()
	return err
}

// AuditHost records a host lifecycle action such as start or a shutdown step.
func AuditHost(ctx context.Context, sessionID, action string, err error, fields map[string]string) {
	auditor.Write(ctx, AuditRecord{
		Kind:    AuditKindHost,
		Session: sessionID,
		Action:  action,
		Err:     err,
		Fields:  fields,
	})
}

// AuditBreakpoint records a change to the breakpoint table.
func AuditBreakpoint(ctx context.Context, sessionID, action, location string) {
	auditor.Write(ctx, AuditRecord{
		Kind:    AuditKindBreakpoints,
		Session: sessionID,
		Action:  action,
		Fields:  map[string]string{"location": location},
	})
}
