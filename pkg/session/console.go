package session

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/hostsession/internal/observability"
	"github.com/harun/hostsession/internal/tracing"
	"github.com/harun/hostsession/pkg/host"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// callbacks is the session's side of the host connection.
type callbacks struct {
	s *Session
}

var _ host.Callbacks = (*callbacks)(nil)

func (c *callbacks) Connected(info host.Info) error {
	s := c.s
	if s.version != nil {
		v, err := semver.NewVersion(info.Version)
		if err != nil {
			return fmt.Errorf("%w: invalid host version %s: %v", host.ErrIncompatibleHost, info.Version, err)
		}
		if !s.version.Check(v) {
			return fmt.Errorf("%w: host version %s does not satisfy constraint %s",
				host.ErrIncompatibleHost, info.Version, s.cfg.HostVersion)
		}
	}

	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	s.logger.Info().Str("host", info.Name).Str("version", info.Version).Msg("Host connected")
	s.emit(Event{Type: EventConnected, Info: info})
	return nil
}

func (c *callbacks) Disconnected(err error) {
	if err != nil {
		c.s.logger.Debug().Err(err).Msg("Host connection closed")
	}
}

func (c *callbacks) ReadConsole(ctx context.Context, req host.ReadConsoleRequest) (string, error) {
	return c.s.readConsole(ctx, req)
}

func (c *callbacks) WriteConsole(text string, stream host.OutputStream) {
	c.s.emit(Event{Type: EventOutput, Text: text, Stream: stream})
}

func (c *callbacks) YesNoCancel(ctx context.Context, question string) (host.Answer, error) {
	c.s.emit(Event{Type: EventMessage, Text: question})
	c.s.mu.Lock()
	ui := c.s.ui
	c.s.mu.Unlock()
	return ui.YesNoCancel(ctx, question)
}

func (c *callbacks) ShowMessage(ctx context.Context, message string) error {
	c.s.emit(Event{Type: EventMessage, Text: message})
	c.s.mu.Lock()
	ui := c.s.ui
	c.s.mu.Unlock()
	return ui.ShowMessage(ctx, message)
}

func (c *callbacks) Busy(busy bool) {
	s := c.s
	s.mu.Lock()
	switch {
	case busy && s.state == StateReady:
		s.setStateLocked(StateBusy)
	case !busy && s.state == StateBusy:
		s.setStateLocked(StateReady)
	}
	s.mu.Unlock()
	s.emit(Event{Type: EventBusy, Busy: busy})
}

func (c *callbacks) DirectoryChanged(dir string) {
	c.s.emit(Event{Type: EventDirectoryChanged, Text: dir})
}

func (c *callbacks) PlotProduced(path string) {
	c.s.emit(Event{Type: EventPlot, Text: path})
}

func (c *callbacks) ViewURL(url string) {
	c.s.emit(Event{Type: EventBrowser, Text: url})
}

// readConsole serves one console read: queued evaluations are drained while
// the prompt is handed to the next interaction, and the answer is returned
// only after every evaluation queued before the prompt has run.
func (s *Session) readConsole(ctx context.Context, req host.ReadConsoleRequest) (string, error) {
	if req.MaxLength == 1 {
		return "", host.NewProtocolError("max_length", "console read of length 1 cannot hold a line")
	}
	prompt := promptFrom(req)
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, s.id), "hostsession.session", "session.read_console",
		attribute.String("prompt", prompt.Text),
		attribute.Bool("browse", prompt.IsBrowse()))
	defer span.End()

	readCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	read := &consoleRead{prompt: prompt, cancel: cancel}
	s.mu.Lock()
	s.reads = append(s.reads, read)
	outer := s.current
	barrier := s.evalSeq
	if s.ready != nil {
		close(s.ready)
		s.ready = nil
	}
	if s.state == StateBusy {
		s.setStateLocked(StateReady)
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventBeforeRequest, Prompt: &prompt})

	var d *drain
	if prompt.EvaluationAllowed {
		d = s.startDrain(readCtx, barrier)
	}

	text, current, err := s.answerPrompt(readCtx, prompt)
	if err == nil {
		text = fitAnswer(text, prompt.MaxLength)
	}

	if d != nil {
		if d.finish() {
			s.emit(Event{Type: EventMutated})
		}
	}

	s.mu.Lock()
	s.removeReadLocked(read)
	if s.current == current {
		s.current = nil
		if len(s.reads) > 0 {
			s.current = outer
		}
	}
	// the host runs the answer until its next read
	if err == nil && len(s.reads) == 0 && s.state == StateReady {
		s.setStateLocked(StateBusy)
	}
	s.mu.Unlock()

	observability.RecordConsoleRead(prompt.IsBrowse(), err == nil)
	if err != nil {
		if !host.IsCancellation(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if current != nil {
			current.finish(err)
		}
		s.emit(Event{Type: EventAfterRequest, Prompt: &prompt})
		return "", err
	}

	if current != nil {
		current.finish(nil)
	}
	s.emit(Event{Type: EventAfterRequest, Prompt: &prompt})
	return text, nil
}

// consoleRead is one console read in progress. Reads nest when a drained
// evaluation reaches a browse prompt.
type consoleRead struct {
	prompt Prompt
	cancel context.CancelCauseFunc
}

func (s *Session) removeReadLocked(read *consoleRead) {
	for i, r := range s.reads {
		if r == read {
			s.reads = append(s.reads[:i], s.reads[i+1:]...)
			return
		}
	}
}

// abortReadsLocked cancels every read in progress, innermost first.
func (s *Session) abortReadsLocked(cause error) {
	for i := len(s.reads) - 1; i >= 0; i-- {
		s.reads[i].cancel(cause)
	}
	s.reads = nil
}

// answerPrompt finds the answer for prompt: a prompt handler first, then
// the queued interactions in order until one responds.
func (s *Session) answerPrompt(ctx context.Context, prompt Prompt) (string, *Interaction, error) {
	s.mu.Lock()
	handlers := make([]PromptHandler, len(s.promptFns))
	for i, e := range s.promptFns {
		handlers[i] = e.fn
	}
	s.mu.Unlock()

	for _, h := range handlers {
		if text, ok := h(ctx, prompt); ok {
			return text, nil, nil
		}
		if ctx.Err() != nil {
			return "", nil, context.Cause(ctx)
		}
	}

	for {
		s.mu.Lock()
		i, ok := s.interactions.pop(nil)
		wake := s.interactions.wake
		if ok {
			s.current = i
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return "", nil, context.Cause(ctx)
			}
		}

		text, answered, err := i.serve(ctx, prompt)
		if err != nil {
			return "", i, context.Cause(ctx)
		}
		if answered {
			return text, i, nil
		}

		s.mu.Lock()
		if s.current == i {
			s.current = nil
		}
		s.mu.Unlock()
		logger := tracing.LoggerFromContext(i.ctx, s.logger)
		logger.Debug().Msg("Interaction gave up its turn")
	}
}

// drain grants queued evaluations one at a time during a console read.
type drain struct {
	s       *Session
	ctx     context.Context
	barrier uint64

	stop chan struct{}
	done chan struct{}

	// written by the drain goroutine, read after done
	granted int
	mutated bool
}

func (s *Session) startDrain(ctx context.Context, barrier uint64) *drain {
	d := &drain{
		s:       s,
		ctx:     ctx,
		barrier: barrier,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *drain) run() {
	defer close(d.done)

	s := d.s
	stopping := false
	beforeBarrier := func(e *Evaluation) bool { return e.seq <= d.barrier }

	for {
		var accept func(*Evaluation) bool
		if stopping {
			accept = beforeBarrier
		}

		s.mu.Lock()
		e, ok := s.evaluations.pop(accept)
		wake := s.evaluations.wake
		s.mu.Unlock()

		if ok {
			d.grant(e)
			if d.ctx.Err() != nil {
				return
			}
			continue
		}
		if stopping {
			return
		}

		select {
		case <-wake:
		case <-d.stop:
			stopping = true
		case <-d.ctx.Done():
			return
		}
	}
}

// grant hands the host to e and waits until e releases it.
func (d *drain) grant(e *Evaluation) {
	d.granted++
	if e.mutating {
		d.mutated = true
	}
	close(e.granted)

	select {
	case <-e.released:
	case <-e.done:
	case <-d.ctx.Done():
	}
}

// finish stops the drain once evaluations up to the barrier have run and
// reports whether any mutating turn was granted.
func (d *drain) finish() bool {
	close(d.stop)
	<-d.done
	if d.granted > 0 {
		observability.RecordDrainCycle(d.mutated)
		d.s.logger.Debug().Int("granted", d.granted).Bool("mutated", d.mutated).Msg("Drain cycle finished")
	}
	return d.mutated
}
