package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/hostsession/internal/observability"
	"github.com/harun/hostsession/internal/tracing"
	"github.com/harun/hostsession/pkg/host"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Evaluation is an out-of-band turn on the host. While it is granted no
// console answer is delivered and no other evaluation runs.
type Evaluation struct {
	s        *Session
	id       string
	ctx      context.Context
	seq      uint64
	mutating bool
	queued   time.Time

	granted  chan struct{}
	released chan struct{}
	release  sync.Once

	done chan struct{}
	once sync.Once
	err  error
}

func (e *Evaluation) enqueuedAt() time.Time { return e.queued }

// ID returns the request id.
func (e *Evaluation) ID() string { return e.id }

// Mutating reports whether the turn may change host state.
func (e *Evaluation) Mutating() bool { return e.mutating }

// Evaluate runs expr on the host within this turn.
func (e *Evaluation) Evaluate(ctx context.Context, expr string, kind host.EvaluationKind) (*host.EvaluationResult, error) {
	select {
	case <-e.released:
		return nil, fmt.Errorf("evaluation turn %s is closed: %w", e.id, host.ErrOperationConflict)
	default:
	}
	if e.mutating {
		kind |= host.KindMutating
	}
	ctx = tracing.MergeContext(ctx, e.ctx)
	return e.s.evaluate(ctx, expr, kind)
}

// Close releases the turn. It is safe to call more than once.
func (e *Evaluation) Close() {
	e.release.Do(func() { close(e.released) })
}

func (e *Evaluation) fail(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// BeginEvaluation queues an evaluation turn and waits until the console loop
// grants it. The caller must Close the returned turn.
func (s *Session) BeginEvaluation(ctx context.Context, mutating bool) (*Evaluation, error) {
	e, err := s.enqueueEvaluation(ctx, mutating)
	if err != nil {
		return nil, err
	}
	return e, e.wait(ctx)
}

func (s *Session) enqueueEvaluation(ctx context.Context, mutating bool) (*Evaluation, error) {
	ctx = tracing.PropagateToRequest(ctx, s.id)
	e := &Evaluation{
		s:        s,
		id:       tracing.GetRequestID(ctx),
		ctx:      tracing.CloneContext(ctx),
		mutating: mutating,
		queued:   time.Now(),
		granted:  make(chan struct{}),
		released: make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunningLocked(); err != nil {
		return nil, err
	}
	s.evalSeq++
	e.seq = s.evalSeq
	s.evaluations.push(e)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Bool("mutating", mutating).
		Uint64("seq", e.seq).
		Msg("Evaluation queued")
	return e, nil
}

func (e *Evaluation) wait(ctx context.Context) error {
	select {
	case <-e.granted:
		return nil
	case <-e.done:
		return e.err
	case <-ctx.Done():
		e.s.mu.Lock()
		removed := e.s.evaluations.remove(e)
		e.s.mu.Unlock()
		if !removed {
			// Granted concurrently; hand the turn straight back.
			e.Close()
		}
		err := fmt.Errorf("evaluation withdrawn: %w", ctx.Err())
		e.fail(err)
		return err
	}
}

// Evaluate runs a single expression in its own evaluation turn. Reentrant
// evaluations bypass the queue and reach the host immediately, which is how
// a running computation is interrupted.
func (s *Session) Evaluate(ctx context.Context, expr string, kind host.EvaluationKind) (*host.EvaluationResult, error) {
	if kind.Has(host.KindReentrant) {
		s.mu.Lock()
		err := s.checkRunningLocked()
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return s.evaluate(tracing.PropagateToRequest(ctx, s.id), expr, kind)
	}

	e, err := s.BeginEvaluation(ctx, kind.Has(host.KindMutating))
	if err != nil {
		return nil, err
	}
	defer e.Close()
	return e.Evaluate(ctx, expr, kind)
}

func (s *Session) evaluate(ctx context.Context, expr string, kind host.EvaluationKind) (*host.EvaluationResult, error) {
	conn := s.connection()
	if conn == nil {
		return nil, host.ErrHostDisconnected
	}

	ctx, span := tracing.StartSpan(ctx, "hostsession.session", "session.evaluate",
		attribute.String("kind", kind.String()))
	defer span.End()

	start := time.Now()
	res, err := conn.Evaluate(ctx, expr, kind)
	observability.RecordEvaluation(kind.String(), time.Since(start), err == nil && !res.Failed())

	logger := tracing.LoggerFromContext(ctx, s.logger)
	switch {
	case err != nil && host.IsCancellation(err):
		logger.Debug().Str("kind", kind.String()).Msg("Evaluation cancelled")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Str("kind", kind.String()).Msg("Evaluation failed")
	case res.Failed():
		logger.Debug().Str("kind", kind.String()).Str("parse_status", string(res.ParseStatus)).
			Str("error", res.Error).Msg("Host reported evaluation error")
	}
	return res, err
}
