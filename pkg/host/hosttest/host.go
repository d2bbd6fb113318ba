// Package hosttest provides a scripted in-memory interpreter host. It speaks
// the same callback protocol as a real host: a top-level "> " prompt, nested
// "Browse[1]> " prompts when paused, out-of-band evaluation of helper
// routines, and breakpoint traps that go through a trampoline frame.
package hosttest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/hostsession/pkg/host"
)

// Options configures a Host.
type Options struct {
	Name      string
	Version   string
	Files     map[string]string
	MaxLength int

	// QuitIgnored and DisconnectIgnored make the host unresponsive to the
	// matching shutdown step, forcing the caller to escalate.
	QuitIgnored       bool
	DisconnectIgnored bool

	// LaunchError, when set, is returned by Launch.
	LaunchError error
}

type stepMode int

const (
	stepNone stepMode = iota
	stepOver
	stepInto
)

type stepState struct {
	mode  stepMode
	depth int
}

type trapState struct {
	set      bool
	maxDepth int // -1 stops at any depth
}

// Host is a scripted host that implements host.Connection and host.Launcher.
type Host struct {
	opts Options

	mu                 sync.Mutex
	global             *env
	files              map[string]string
	frames             []*frame
	breakpoints        map[string]map[int]bool
	breakpointsEnabled bool
	trap               trapState
	evaluations        []string
	options            map[string]string
	wd                 string
	plots              int
	cancels            int
	quits              int
	stoppedBy          string
	launched           bool
	running            bool
	cb                 host.Callbacks
	stop               context.CancelFunc
	done               chan struct{}
	interrupt          chan struct{}

	// only touched by the Run goroutine
	step stepState
}

// New creates a host with the given options.
func New(opts Options) *Host {
	if opts.Name == "" {
		opts.Name = "R"
	}
	if opts.Version == "" {
		opts.Version = "4.3.1"
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = 4096
	}
	h := &Host{
		opts:      opts,
		files:     make(map[string]string),
		done:      make(chan struct{}),
		interrupt: make(chan struct{}, 1),
	}
	for name, content := range opts.Files {
		h.files[name] = content
	}
	h.reset()
	return h
}

func (h *Host) reset() {
	h.global = newEnv("R_GlobalEnv", nil)
	h.frames = nil
	h.breakpoints = make(map[string]map[int]bool)
	h.breakpointsEnabled = true
	h.trap = trapState{}
	h.options = make(map[string]string)
	h.wd = ""
	h.stoppedBy = ""
}

// Launch implements host.Launcher. Each launch starts a fresh process state;
// files survive across launches.
func (h *Host) Launch(ctx context.Context) (host.Connection, error) {
	if h.opts.LaunchError != nil {
		return nil, h.opts.LaunchError
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil, errors.New("hosttest: host is already running")
	}
	if h.launched {
		h.reset()
		h.done = make(chan struct{})
	}
	h.launched = true
	return h, nil
}

// SetFile adds or replaces a script visible to source().
func (h *Host) SetFile(name, content string) {
	h.mu.Lock()
	h.files[name] = content
	h.mu.Unlock()
}

// Run implements host.Connection. It serves the console loop until the host
// is asked to stop or ctx ends.
func (h *Host) Run(ctx context.Context, cb host.Callbacks) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return errors.New("hosttest: host is already running")
	}
	runCtx, stop := context.WithCancel(ctx)
	h.running = true
	h.cb = cb
	h.stop = stop
	done := h.done
	h.mu.Unlock()
	defer stop()

	if err := cb.Connected(host.Info{Name: h.opts.Name, Version: h.opts.Version}); err != nil {
		h.finish(done)
		cb.Disconnected(err)
		return err
	}

	main := &interp{h: h, main: true}
	for {
		text, err := h.readConsole(runCtx, host.ReadConsoleRequest{
			Contexts:          []host.Context{{CallFlag: host.CallFlagTopLevel}},
			Prompt:            "> ",
			MaxLength:         h.opts.MaxLength,
			AddToHistory:      true,
			EvaluationAllowed: true,
		})
		if err != nil {
			if runCtx.Err() == nil && host.IsCancellation(err) {
				continue
			}
			break
		}
		h.runTopLevel(runCtx, main, text)
		if runCtx.Err() != nil {
			break
		}
	}

	h.mu.Lock()
	by := h.stoppedBy
	h.mu.Unlock()
	h.finish(done)

	var runErr error
	switch {
	case by == "quit":
	case by != "":
		runErr = host.ErrHostDisconnected
	default:
		runErr = ctx.Err()
	}
	cb.Disconnected(runErr)
	return runErr
}

func (h *Host) finish(done chan struct{}) {
	h.mu.Lock()
	h.running = false
	h.frames = nil
	h.mu.Unlock()
	close(done)
}

func (h *Host) runTopLevel(ctx context.Context, in *interp, text string) {
	select {
	case <-h.interrupt:
	default:
	}

	stmts, err := parseProgram(text)
	if err != nil {
		h.write("Error: unexpected input: "+err.Error()+"\n", host.StreamError)
		return
	}

	h.cb.Busy(true)
	defer h.cb.Busy(false)
	defer func() {
		h.step = stepState{}
		h.mu.Lock()
		h.trap = trapState{}
		h.frames = nil
		h.mu.Unlock()
	}()

	for _, s := range stmts {
		in.invisible = false
		v, err := in.execBlock(ctx, []stmt{s}, nil)
		if err != nil {
			var rt *runtimeError
			switch {
			case errors.Is(err, errAbort), host.IsCancellation(err):
			case errors.As(err, &rt):
				h.write("Error: "+rt.msg+"\n", host.StreamError)
			default:
				h.write("Error: "+err.Error()+"\n", host.StreamError)
			}
			return
		}
		if _, assigned := s.expr.(*assignExpr); !assigned && !in.invisible {
			h.write(printed(v)+"\n", host.StreamOutput)
		}
	}
}

// beforeStatement runs breakpoint, stepping and browser-trap checks before
// a statement of fr executes.
func (h *Host) beforeStatement(ctx context.Context, in *interp, fr *frame) error {
	depth := in.depth()

	if h.hasBreakpoint(fr.file, fr.line) {
		tr := &frame{
			call:       fmt.Sprintf("%s%s, %d)", host.TrampolineCall, host.Quote(fr.file), fr.line),
			env:        fr.env,
			global:     fr.global,
			trampoline: true,
		}
		in.push(tr)
		verb, err := in.browse(ctx, tr)
		in.pop()
		if err != nil {
			return err
		}
		if verb == "c" || verb == "cont" {
			h.step = stepState{}
			return nil
		}
		return h.stopAt(ctx, in, fr, depth)
	}

	stop := false
	switch h.step.mode {
	case stepInto:
		stop = true
	case stepOver:
		stop = depth <= h.step.depth
	}
	if h.trapFires(depth) {
		stop = true
	}
	if !stop {
		return nil
	}
	return h.stopAt(ctx, in, fr, depth)
}

func (h *Host) stopAt(ctx context.Context, in *interp, fr *frame, depth int) error {
	h.step = stepState{}
	verb, err := in.browse(ctx, fr)
	if err != nil {
		return err
	}
	switch verb {
	case "", "n":
		h.step = stepState{mode: stepOver, depth: depth}
	case "s":
		h.step = stepState{mode: stepInto}
	}
	return nil
}

func (h *Host) hasBreakpoint(file string, line int) bool {
	if file == "" || line == 0 {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.breakpointsEnabled && h.breakpoints[file][line]
}

func (h *Host) trapFires(depth int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.trap.set || (h.trap.maxDepth >= 0 && depth > h.trap.maxDepth) {
		return false
	}
	h.trap = trapState{}
	return true
}

func (h *Host) readConsole(ctx context.Context, req host.ReadConsoleRequest) (string, error) {
	return h.cb.ReadConsole(ctx, req)
}

func (h *Host) write(text string, stream host.OutputStream) {
	h.cb.WriteConsole(text, stream)
}

func (h *Host) writeTraceback() {
	frames := h.snapshotFrames()
	var b strings.Builder
	for i := len(frames) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "where %d: %s\n", i+1, frames[i].call)
	}
	h.write(b.String(), host.StreamOutput)
}

func (h *Host) snapshotFrames() []*frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*frame, len(h.frames))
	copy(out, h.frames)
	return out
}

func (h *Host) pushFrame(fr *frame) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, fr)
	return len(h.frames)
}

func (h *Host) popFrame() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.frames) > 0 {
		h.frames = h.frames[:len(h.frames)-1]
	}
}

func (h *Host) setLine(fr *frame, line int) {
	h.mu.Lock()
	fr.line = line
	h.mu.Unlock()
}

// Evaluate implements host.Connection.
func (h *Host) Evaluate(ctx context.Context, expr string, kind host.EvaluationKind) (*host.EvaluationResult, error) {
	h.mu.Lock()
	h.evaluations = append(h.evaluations, expr)
	running := h.running
	h.mu.Unlock()
	if !running {
		return nil, host.ErrHostDisconnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stmts, err := parseProgram(expr)
	if err != nil {
		var pe *parseError
		if errors.As(err, &pe) && pe.incomplete {
			return &host.EvaluationResult{ParseStatus: host.ParseIncomplete}, nil
		}
		return &host.EvaluationResult{ParseStatus: host.ParseError}, nil
	}
	if len(stmts) == 0 {
		return &host.EvaluationResult{ParseStatus: host.ParseNull}, nil
	}

	ev := &interp{h: h, frames: h.snapshotFrames()}
	v, err := ev.runIn(ctx, stmts, h.globalEnv())
	if err != nil {
		if host.IsCancellation(err) {
			return nil, err
		}
		return &host.EvaluationResult{ParseStatus: host.ParseOK, Error: err.Error()}, nil
	}

	res := &host.EvaluationResult{ParseStatus: host.ParseOK, Result: printed(v)}
	if kind.Has(host.KindJSON) {
		res.Structured = toJSON(v)
	}
	return res, nil
}

// CancelAll implements host.Connection. It interrupts running code; the
// pending console read is abandoned by the caller.
func (h *Host) CancelAll(ctx context.Context) error {
	h.mu.Lock()
	running := h.running
	h.cancels++
	h.mu.Unlock()
	if !running {
		return host.ErrHostDisconnected
	}
	select {
	case h.interrupt <- struct{}{}:
	default:
	}
	return nil
}

// Quit implements host.Connection.
func (h *Host) Quit(ctx context.Context) error {
	h.mu.Lock()
	h.quits++
	ignored := h.opts.QuitIgnored
	h.mu.Unlock()
	if ignored {
		return nil
	}
	h.shutdown("quit")
	return nil
}

// Disconnect implements host.Connection.
func (h *Host) Disconnect() error {
	if h.opts.DisconnectIgnored {
		return nil
	}
	h.shutdown("disconnect")
	return nil
}

// Kill implements host.Connection.
func (h *Host) Kill() error {
	h.shutdown("kill")
	return nil
}

func (h *Host) shutdown(by string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running || h.stoppedBy != "" {
		return
	}
	h.stoppedBy = by
	h.stop()
}

func (h *Host) globalEnv() *env {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.global
}

// Done is closed when Run returns.
func (h *Host) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// StoppedBy reports which shutdown step stopped the host: "quit",
// "disconnect", "kill", or "" if it is running or was never stopped.
func (h *Host) StoppedBy() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stoppedBy
}

// Evaluations returns every expression passed to Evaluate, in order.
func (h *Host) Evaluations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.evaluations...)
}

// Breakpoints returns the installed traps as "file:line", sorted.
func (h *Host) Breakpoints() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for file, lines := range h.breakpoints {
		for line, on := range lines {
			if on {
				out = append(out, fmt.Sprintf("%s:%d", file, line))
			}
		}
	}
	sort.Strings(out)
	return out
}

// Option returns the deparsed value of a host option set via options().
func (h *Host) Option(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.options[name]
	return v, ok
}

// Get returns the deparsed value of a global variable.
func (h *Host) Get(name string) (string, bool) {
	v, ok := h.globalEnv().lookup(name)
	if !ok {
		return "", false
	}
	return deparse(v), true
}

// Cancels returns how many times CancelAll was received.
func (h *Host) Cancels() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancels
}

// Quits returns how many quit requests were received.
func (h *Host) Quits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quits
}

// WorkingDirectory returns the directory last set with setwd().
func (h *Host) WorkingDirectory() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.wd
}
