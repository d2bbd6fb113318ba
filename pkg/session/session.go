package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/harun/hostsession/internal/observability"
	"github.com/harun/hostsession/internal/tracing"
	"github.com/harun/hostsession/pkg/host"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	queueInteractions = "interactions"
	queueEvaluations  = "evaluations"
)

// Config controls host compatibility and shutdown timing.
type Config struct {
	// HostVersion is a semver constraint the host version must satisfy.
	// Empty accepts any host.
	HostVersion string

	QuitTimeout       time.Duration
	DisconnectTimeout time.Duration
	KillTimeout       time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		QuitTimeout:       10 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		KillTimeout:       5 * time.Second,
	}
}

// StartOptions are applied by bootstrap evaluations before the first
// interaction is served.
type StartOptions struct {
	WorkingDirectory string
	GraphicsDevice   string
	CRANMirror       string
	HelpType         string

	// Bootstrap holds extra expressions run after the built-in ones.
	Bootstrap []string
}

func (o StartOptions) expressions() []string {
	var exprs []string
	if o.WorkingDirectory != "" {
		exprs = append(exprs, fmt.Sprintf("setwd(%s)", host.Quote(o.WorkingDirectory)))
	}
	if o.GraphicsDevice != "" {
		exprs = append(exprs, fmt.Sprintf("options(device = %s)", host.Quote(o.GraphicsDevice)))
	}
	if o.CRANMirror != "" {
		exprs = append(exprs, fmt.Sprintf("options(repos = %s)", host.Quote(o.CRANMirror)))
	}
	if o.HelpType != "" {
		exprs = append(exprs, fmt.Sprintf("options(help_type = %s)", host.Quote(o.HelpType)))
	}
	return append(exprs, o.Bootstrap...)
}

// PromptHandler sees every console read before queued interactions are
// served. Returning handled answers the prompt without consuming an
// interaction. Handlers may evaluate through the session while they run.
type PromptHandler func(ctx context.Context, p Prompt) (answer string, handled bool)

// Session multiplexes interactions and evaluations onto one host.
type Session struct {
	id       string
	cfg      Config
	version  *semver.Constraints
	launcher host.Launcher
	logger   zerolog.Logger

	mu           sync.Mutex
	state        State
	ui           UIHandler
	conn         host.Connection
	info         host.Info
	runDone      chan struct{}
	ready        chan struct{}
	runErr       error
	reads        []*consoleRead
	current      *Interaction
	interactions *requestQueue[*Interaction]
	evaluations  *requestQueue[*Evaluation]
	evalSeq      uint64
	promptSeq    uint64
	promptFns    []promptEntry

	eventMu  sync.RWMutex
	handlers map[EventType][]subscription
	subSeq   uint64
}

type promptEntry struct {
	id uint64
	fn PromptHandler
}

// New creates a session that launches its host with launcher.
func New(cfg Config, launcher host.Launcher, logger zerolog.Logger) (*Session, error) {
	observability.EnsureRegistered()

	def := DefaultConfig()
	if cfg.QuitTimeout <= 0 {
		cfg.QuitTimeout = def.QuitTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = def.KillTimeout
	}

	s := &Session{
		id:           uuid.New().String(),
		cfg:          cfg,
		launcher:     launcher,
		ui:           cancelUI{},
		interactions: newRequestQueue[*Interaction](queueInteractions),
		evaluations:  newRequestQueue[*Evaluation](queueEvaluations),
		handlers:     make(map[EventType][]subscription),
	}
	s.logger = logger.With().Str("component", "session").Str("session_id", s.id).Logger()

	if cfg.HostVersion != "" {
		c, err := semver.NewConstraint(cfg.HostVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid host version constraint %s: %w", cfg.HostVersion, err)
		}
		s.version = c
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Prompt returns the console read the host is waiting on, if any.
func (s *Session) Prompt() (Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reads) == 0 {
		return Prompt{}, false
	}
	return s.reads[len(s.reads)-1].prompt, true
}

// HostInfo returns what the host reported when it connected.
func (s *Session) HostInfo() host.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// QueueSizes returns the number of queued interactions and evaluations.
func (s *Session) QueueSizes() (interactions, evaluations int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactions.size(), s.evaluations.size()
}

// SetUIHandler replaces the handler for yes/no/cancel and message callbacks.
func (s *Session) SetUIHandler(ui UIHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ui == nil {
		ui = cancelUI{}
	}
	s.ui = ui
}

// AddPromptHandler registers fn and returns a function that removes it.
func (s *Session) AddPromptHandler(fn PromptHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptSeq++
	id := s.promptSeq
	s.promptFns = append(s.promptFns, promptEntry{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.promptFns {
			if e.id == id {
				s.promptFns = append(s.promptFns[:i:i], s.promptFns[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) connection() host.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug().Str("from", s.state.String()).Str("to", state.String()).Msg("Session state changed")
	s.state = state
	observability.SetHostState(state.String(), stateNames)
}

func (s *Session) checkRunningLocked() error {
	switch {
	case s.state == StateClosed:
		return host.ErrClosed
	case !s.state.running():
		return host.ErrNotRunning
	}
	return nil
}

// StartHost launches the host and waits until it reaches its first console
// read with the bootstrap evaluations applied, or exits.
func (s *Session) StartHost(ctx context.Context, opts StartOptions) error {
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, s.id), "hostsession.session", "session.start_host")
	defer span.End()

	err := s.startHost(ctx, opts)
	observability.RecordHostStart(err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.AuditHost(ctx, s.id, "start", err, nil)
		return err
	}
	info := s.HostInfo()
	span.SetAttributes(attribute.String("host.name", info.Name), attribute.String("host.version", info.Version))
	observability.AuditHost(ctx, s.id, "start", nil, map[string]string{"version": info.Version})
	return nil
}

func (s *Session) startHost(ctx context.Context, opts StartOptions) error {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return host.ErrClosed
	case s.state.running():
		s.mu.Unlock()
		return host.ErrAlreadyRunning
	}
	s.setStateLocked(StateInitializing)
	s.mu.Unlock()

	s.logger.Info().Msg("Starting host")
	conn, err := s.launcher.Launch(ctx)
	if err != nil {
		s.mu.Lock()
		if s.state == StateInitializing {
			s.setStateLocked(StateDisconnected)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to launch host: %w", err)
	}

	runDone := make(chan struct{})
	ready := make(chan struct{})
	s.mu.Lock()
	if s.state != StateInitializing {
		s.mu.Unlock()
		_ = conn.Kill()
		return host.ErrClosed
	}
	s.conn = conn
	s.runDone = runDone
	s.ready = ready
	s.info = host.Info{}
	s.mu.Unlock()

	// The host outlives the caller's context; StopHost ends it.
	runCtx := tracing.CloneContext(ctx)
	boot := s.bootstrap(runCtx, opts)
	go s.run(runCtx, conn, runDone)

	select {
	case <-ready:
	case <-runDone:
		return s.startupExit()
	case <-ctx.Done():
		_ = s.StopHost(context.Background())
		return fmt.Errorf("host startup abandoned: %w", ctx.Err())
	}

	select {
	case err := <-boot:
		if err != nil {
			s.logger.Warn().Err(err).Msg("Bootstrap evaluation failed")
		}
	case <-runDone:
		return s.startupExit()
	case <-ctx.Done():
		_ = s.StopHost(context.Background())
		return fmt.Errorf("host startup abandoned: %w", ctx.Err())
	}

	s.mu.Lock()
	if s.state == StateInitializing {
		s.setStateLocked(StateReady)
	}
	info := s.info
	s.mu.Unlock()

	s.logger.Info().Str("host", info.Name).Str("version", info.Version).Msg("Host ready")
	return nil
}

func (s *Session) startupExit() error {
	s.mu.Lock()
	err := s.runErr
	s.mu.Unlock()
	if err == nil {
		err = host.ErrHostDisconnected
	}
	return fmt.Errorf("host exited during startup: %w", err)
}

// bootstrap queues one mutating turn for the start options. It is queued
// before the host runs so it is drained at the very first prompt.
func (s *Session) bootstrap(ctx context.Context, opts StartOptions) <-chan error {
	out := make(chan error, 1)
	exprs := opts.expressions()
	if len(exprs) == 0 {
		out <- nil
		return out
	}

	e, err := s.enqueueEvaluation(ctx, true)
	if err != nil {
		out <- err
		return out
	}
	go func() {
		defer e.Close()
		if err := e.wait(ctx); err != nil {
			out <- err
			return
		}
		for _, expr := range exprs {
			res, err := e.Evaluate(ctx, expr, host.KindMutating)
			if err != nil {
				out <- fmt.Errorf("bootstrap %s: %w", expr, err)
				return
			}
			if err := res.Err(expr); err != nil {
				out <- err
				return
			}
		}
		out <- nil
	}()
	return out
}

func (s *Session) run(ctx context.Context, conn host.Connection, done chan struct{}) {
	err := conn.Run(ctx, &callbacks{s: s})
	s.hostExited(done, err)
}

// hostExited fails everything still waiting on the host and broadcasts the
// disconnect.
func (s *Session) hostExited(done chan struct{}, runErr error) {
	cause := host.ErrHostDisconnected
	if runErr != nil && !errors.Is(runErr, host.ErrHostDisconnected) {
		cause = fmt.Errorf("%w: %v", host.ErrHostDisconnected, runErr)
	}

	s.mu.Lock()
	s.conn = nil
	s.runErr = runErr
	current := s.current
	s.current = nil
	s.abortReadsLocked(cause)
	interactions := s.interactions.drain()
	evaluations := s.evaluations.drain()
	if s.state != StateClosed {
		s.setStateLocked(StateDisconnected)
	}
	s.mu.Unlock()

	failAll(interactions, evaluations, cause)
	if current != nil {
		current.finish(cause)
	}
	close(done)

	if runErr != nil {
		s.logger.Warn().Err(runErr).Msg("Host disconnected")
	} else {
		s.logger.Info().Msg("Host exited")
	}
	s.emit(Event{Type: EventDisconnected, Err: runErr})
}

func failAll(interactions []*Interaction, evaluations []*Evaluation, err error) {
	for _, i := range interactions {
		i.finish(err)
	}
	for _, e := range evaluations {
		e.fail(err)
	}
}

// StopHost shuts the host down, escalating from quit to disconnect to kill
// when a step does not stop it in time. It is a no-op if no host is running.
func (s *Session) StopHost(ctx context.Context) error {
	s.mu.Lock()
	conn, done := s.conn, s.runDone
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, s.id), "hostsession.session", "session.stop_host")
	defer span.End()

	wait := func(d time.Duration) bool {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-done:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	stopped := func(step string) error {
		span.SetAttributes(attribute.String("step", step))
		observability.RecordHostStop(step)
		observability.AuditHost(ctx, s.id, "stop", nil, map[string]string{"step": step})
		s.logger.Info().Str("step", step).Msg("Host stopped")
		return nil
	}

	if err := conn.Quit(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Quit request failed")
	}
	if wait(s.cfg.QuitTimeout) {
		return stopped("quit")
	}

	if ctx.Err() == nil {
		s.logger.Warn().Dur("timeout", s.cfg.QuitTimeout).Msg("Host ignored quit, disconnecting")
		if err := conn.Disconnect(); err != nil {
			s.logger.Warn().Err(err).Msg("Disconnect failed")
		}
		if wait(s.cfg.DisconnectTimeout) {
			return stopped("disconnect")
		}
	}

	s.logger.Warn().Msg("Host still running, killing")
	if err := conn.Kill(); err != nil {
		s.logger.Error().Err(err).Msg("Kill failed")
	}
	select {
	case <-done:
		return stopped("kill")
	case <-time.After(s.cfg.KillTimeout):
	}
	err := errors.New("host did not exit after kill")
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// CancelAll interrupts the host, fails every queued request with
// host.ErrCancelled and abandons the pending console read.
func (s *Session) CancelAll(ctx context.Context) error {
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, s.id), "hostsession.session", "session.cancel_all")
	defer span.End()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return host.ErrClosed
	}
	conn := s.conn
	s.mu.Unlock()

	var err error
	if conn != nil {
		if err = conn.CancelAll(ctx); err != nil {
			err = fmt.Errorf("failed to interrupt host: %w", err)
			span.RecordError(err)
		}
	}

	s.mu.Lock()
	interactions := s.interactions.drain()
	evaluations := s.evaluations.drain()
	current := s.current
	s.current = nil
	s.abortReadsLocked(host.ErrCancelled)
	s.mu.Unlock()

	failAll(interactions, evaluations, host.ErrCancelled)
	if current != nil {
		current.finish(host.ErrCancelled)
	}
	s.logger.Info().
		Int("interactions", len(interactions)).
		Int("evaluations", len(evaluations)).
		Msg("Cancelled all requests")
	return err
}

// Close stops the host and disposes the session. Later calls fail with
// host.ErrClosed.
func (s *Session) Close() error {
	err := s.StopHost(context.Background())

	s.mu.Lock()
	s.setStateLocked(StateClosed)
	interactions := s.interactions.drain()
	evaluations := s.evaluations.drain()
	s.mu.Unlock()
	failAll(interactions, evaluations, host.ErrClosed)
	return err
}
