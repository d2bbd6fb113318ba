package debugger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/hostsession/internal/observability"
	"github.com/harun/hostsession/internal/tracing"
	"github.com/harun/hostsession/pkg/host"
	"github.com/harun/hostsession/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Browse verbs understood by the host at a browse prompt.
const (
	verbStepOver = "n"
	verbStepInto = "s"
	verbContinue = "c"
)

// Config controls debugger timing.
type Config struct {
	// ReapplyTimeout bounds breakpoint re-registration after a connect.
	ReapplyTimeout time.Duration
}

// DefaultConfig returns the default debugger configuration.
func DefaultConfig() Config {
	return Config{ReapplyTimeout: 5 * time.Second}
}

// BrowseEvent is published once per browse prompt the user gets to see.
type BrowseEvent struct {
	Contexts      []host.Context
	StepCompleted bool
	Hits          []*Breakpoint
	Stack         *Stack
}

// Handler receives browse events.
type Handler func(BrowseEvent)

type subscription struct {
	id uint64
	fn Handler
}

type stepResult struct {
	completed bool
	err       error
}

// step is a pending step request, resolved by the next prompt.
type step struct {
	verb string
	done chan stepResult
	once sync.Once
}

func (st *step) resolve(completed bool, err error) {
	st.once.Do(func() {
		st.done <- stepResult{completed: completed, err: err}
	})
}

// Debugger layers breakpoints and stepping over a session. It inspects
// every console read, answers trampoline prompts itself and publishes the
// rest as browse events.
type Debugger struct {
	s      *session.Session
	cfg    Config
	logger zerolog.Logger

	// tableMu serializes breakpoint table changes, which span host calls.
	tableMu sync.Mutex

	mu           sync.Mutex
	breakpoints  map[Location]*Breakpoint
	enabled      bool
	reapply      bool
	pending      *step
	trampoline   Location
	last         *BrowseEvent
	subs         []subscription
	subSeq       uint64
	breakWaiters []chan error
	closed       bool

	detach []func()
}

// New attaches a debugger to s. Close detaches it.
func New(s *session.Session, cfg Config, logger zerolog.Logger) *Debugger {
	if cfg.ReapplyTimeout <= 0 {
		cfg.ReapplyTimeout = DefaultConfig().ReapplyTimeout
	}
	d := &Debugger{
		s:           s,
		cfg:         cfg,
		logger:      logger.With().Str("component", "debugger").Str("session_id", s.ID()).Logger(),
		breakpoints: make(map[Location]*Breakpoint),
		enabled:     true,
	}
	d.detach = []func(){
		s.AddPromptHandler(d.onPrompt),
		s.On(session.EventConnected, d.onConnected),
		s.On(session.EventDisconnected, d.onDisconnected),
	}
	return d
}

// Close detaches the debugger from its session. Pending steps resolve false.
func (d *Debugger) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	detach := d.detach
	d.detach = nil
	d.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	d.abandon(host.ErrClosed)
}

// On registers fn for browse events. If the host is currently at a browse
// prompt, fn first receives the latest event.
func (d *Debugger) On(fn Handler) func() {
	d.mu.Lock()
	d.subSeq++
	id := d.subSeq
	d.subs = append(d.subs, subscription{id: id, fn: fn})
	last := d.last
	d.mu.Unlock()

	if last != nil {
		fn(*last)
	}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, sub := range d.subs {
			if sub.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// IsBrowsing reports whether the host is paused at a browse prompt.
func (d *Debugger) IsBrowsing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last != nil
}

// LastBrowse returns the event for the current browse prompt.
func (d *Debugger) LastBrowse() (BrowseEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return BrowseEvent{}, false
	}
	return *d.last, true
}

// Break pauses running code at the next statement and waits for the browse
// prompt. It returns at once if the host is already browsing.
func (d *Debugger) Break(ctx context.Context) error {
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, d.s.ID()), "hostsession.debugger", "debugger.break")
	defer span.End()

	wait := make(chan error, 1)
	d.mu.Lock()
	if d.last != nil {
		d.mu.Unlock()
		return nil
	}
	d.breakWaiters = append(d.breakWaiters, wait)
	d.mu.Unlock()

	expr := host.SetBrowserTrapExpr(0)
	res, err := d.s.Evaluate(ctx, expr, host.KindReentrant)
	if err == nil {
		err = res.Err(expr)
	}
	if err != nil {
		d.dropBreakWaiter(wait)
		span.RecordError(err)
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		d.dropBreakWaiter(wait)
		return ctx.Err()
	}
}

func (d *Debugger) dropBreakWaiter(wait chan error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, w := range d.breakWaiters {
		if w == wait {
			d.breakWaiters = append(d.breakWaiters[:i:i], d.breakWaiters[i+1:]...)
			return
		}
	}
}

// StepOver runs to the next statement in the current frame.
func (d *Debugger) StepOver(ctx context.Context) (bool, error) {
	return d.step(ctx, verbStepOver, nil)
}

// StepInto runs to the next statement, entering calls.
func (d *Debugger) StepInto(ctx context.Context) (bool, error) {
	return d.step(ctx, verbStepInto, nil)
}

// StepOut runs until the current function returns to its caller.
func (d *Debugger) StepOut(ctx context.Context) (bool, error) {
	return d.step(ctx, verbContinue, func(ctx context.Context) error {
		// skip the frame of the trap request itself
		return d.helper(ctx, host.SetBrowserTrapExpr(1))
	})
}

// Continue resumes execution until the next breakpoint or the end of the
// running code. It does not wait for either.
func (d *Debugger) Continue(ctx context.Context) error {
	i, err := d.s.BeginInteraction(ctx, false)
	if err != nil {
		return err
	}
	if !i.Prompt().IsBrowse() {
		i.Decline()
		return nil
	}
	return i.Respond(verbContinue)
}

// step answers the browse prompt with verb and waits for the next prompt.
// It reports true only if execution stopped because the step finished.
func (d *Debugger) step(ctx context.Context, verb string, prepare func(context.Context) error) (bool, error) {
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, d.s.ID()), "hostsession.debugger", "debugger.step",
		attribute.String("verb", verb))
	defer span.End()

	i, err := d.s.BeginInteraction(ctx, false)
	if err != nil {
		return false, err
	}
	if !i.Prompt().IsBrowse() {
		i.Decline()
		return false, nil
	}

	if prepare != nil {
		if err := prepare(ctx); err != nil {
			i.Decline()
			if isFatal(err) {
				return false, err
			}
			d.logger.Warn().Err(err).Str("verb", verb).Msg("Step preparation failed")
			return false, nil
		}
	}

	st := &step{verb: verb, done: make(chan stepResult, 1)}
	d.mu.Lock()
	if d.pending != nil {
		d.pending.resolve(false, nil)
	}
	d.pending = st
	d.mu.Unlock()

	if err := i.Respond(verb); err != nil {
		d.clearStep(st)
		return false, err
	}

	select {
	case r := <-st.done:
		observability.RecordStep(verb, r.completed)
		span.SetAttributes(attribute.Bool("completed", r.completed))
		return r.completed, r.err
	case <-ctx.Done():
		d.clearStep(st)
		return false, ctx.Err()
	}
}

func (d *Debugger) clearStep(st *step) {
	d.mu.Lock()
	if d.pending == st {
		d.pending = nil
	}
	d.mu.Unlock()
}

// isFatal reports errors that a step surfaces instead of reporting false.
func isFatal(err error) bool {
	return errors.Is(err, host.ErrHostDisconnected) || host.IsCancellation(err) ||
		errors.Is(err, host.ErrOperationConflict)
}

func (d *Debugger) onConnected(session.Event) {
	d.mu.Lock()
	d.reapply = true
	d.trampoline = Location{}
	d.mu.Unlock()
}

func (d *Debugger) onDisconnected(session.Event) {
	d.abandon(host.ErrHostDisconnected)
}

// abandon resolves everything waiting on a prompt that will not come.
func (d *Debugger) abandon(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	waiters := d.breakWaiters
	d.breakWaiters = nil
	d.last = nil
	d.trampoline = Location{}
	d.mu.Unlock()

	if pending != nil {
		pending.resolve(false, err)
	}
	for _, w := range waiters {
		w <- err
	}
}

// onPrompt runs the browse state machine for each console read.
func (d *Debugger) onPrompt(ctx context.Context, p session.Prompt) (string, bool) {
	if p.EvaluationAllowed {
		d.reapplyIfNeeded(ctx)
	}

	if !p.IsBrowse() {
		d.mu.Lock()
		pending := d.pending
		d.pending = nil
		d.last = nil
		d.trampoline = Location{}
		d.mu.Unlock()
		if pending != nil {
			pending.resolve(false, nil)
		}
		return "", false
	}
	if !p.EvaluationAllowed {
		return "", false
	}

	raw, err := d.traceback(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn().Err(err).Msg("Failed to read call stack at browse prompt")
		}
		return "", false
	}

	if n := len(raw); n > 0 && isTrampoline(raw[n-1]) {
		if n > 1 {
			d.mu.Lock()
			d.trampoline = raw[n-2].Location
			d.mu.Unlock()
		}
		d.logger.Debug().Str("call", raw[n-1].Call).Msg("Stepping over breakpoint trampoline")
		return verbStepOver, true
	}

	stack := buildStack(raw, false)
	loc := Location{}
	if f, ok := stack.Innermost(); ok {
		loc = f.Location
	}

	d.mu.Lock()
	if loc.IsZero() {
		loc = d.trampoline
	}
	d.trampoline = Location{}
	var hits []*Breakpoint
	if bp, ok := d.breakpoints[loc]; ok && d.enabled && !loc.IsZero() {
		hits = append(hits, bp)
	}
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, bp := range hits {
		for _, fn := range bp.hit() {
			fn(bp)
		}
	}

	event := BrowseEvent{
		Contexts:      append([]host.Context(nil), p.Contexts...),
		StepCompleted: pending != nil && len(hits) == 0,
		Hits:          hits,
		Stack:         stack,
	}
	d.publish(event)
	observability.RecordBrowsePrompt(len(hits))

	if pending != nil {
		pending.resolve(event.StepCompleted, nil)
	}
	return "", false
}

func (d *Debugger) publish(event BrowseEvent) {
	d.mu.Lock()
	d.last = &event
	subs := make([]Handler, len(d.subs))
	for i, sub := range d.subs {
		subs[i] = sub.fn
	}
	waiters := d.breakWaiters
	d.breakWaiters = nil
	d.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
	for _, w := range waiters {
		w <- nil
	}
}

func (d *Debugger) reapplyIfNeeded(ctx context.Context) {
	d.mu.Lock()
	needed := d.reapply
	d.reapply = false
	d.mu.Unlock()
	if !needed {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ReapplyTimeout)
	defer cancel()
	if err := d.ReapplyBreakpoints(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to reapply breakpoints")
	}
}

// String describes the breakpoint hit set of an event for logs.
func (e BrowseEvent) String() string {
	if len(e.Hits) == 0 {
		return fmt.Sprintf("browse (step completed: %t)", e.StepCompleted)
	}
	locs := make([]string, len(e.Hits))
	for i, bp := range e.Hits {
		locs[i] = bp.Location().String()
	}
	return fmt.Sprintf("browse at breakpoints %v", locs)
}
