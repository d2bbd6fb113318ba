package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harun/hostsession/pkg/debugger"
	"github.com/harun/hostsession/pkg/history"
	"github.com/harun/hostsession/pkg/host"
	"github.com/harun/hostsession/pkg/session"
)

// repl forwards console input to the host one prompt at a time. Lines
// starting with ':' are debugger commands.
type repl struct {
	rt     *runtime
	s      *session.Session
	d      *debugger.Debugger
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	mu sync.Mutex
}

func newREPL(rt *runtime, in io.Reader, out, errOut io.Writer) *repl {
	return &repl{
		rt:     rt,
		s:      rt.session,
		d:      rt.debugger,
		in:     in,
		out:    out,
		errOut: errOut,
	}
}

func (r *repl) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) errorf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.errOut, format, args...)
}

// subscribe mirrors host output and debugger stops to the terminal.
func (r *repl) subscribe() func() {
	var unsubs []func()
	unsubs = append(unsubs, r.s.On(session.EventOutput, func(e session.Event) {
		if e.Stream == host.StreamError {
			r.errorf("%s", e.Text)
			return
		}
		r.printf("%s", e.Text)
	}))
	for _, t := range []session.EventType{session.EventMessage, session.EventPlot, session.EventBrowser, session.EventDirectoryChanged} {
		t := t
		unsubs = append(unsubs, r.s.On(t, func(e session.Event) {
			r.printf("[%s] %s\n", t, e.Text)
		}))
	}
	unsubs = append(unsubs, r.s.On(session.EventDisconnected, func(e session.Event) {
		if e.Err != nil {
			r.errorf("host disconnected: %v\n", e.Err)
		}
	}))
	unsubs = append(unsubs, r.d.On(r.printBrowse))

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (r *repl) printBrowse(e debugger.BrowseEvent) {
	where := "unknown location"
	if e.Stack != nil {
		if f, ok := e.Stack.Innermost(); ok {
			where = f.Call
			if !f.Location.IsZero() {
				where = fmt.Sprintf("%s at %s", f.Call, f.Location)
			}
		}
	}
	switch {
	case len(e.Hits) > 0:
		r.printf("Breakpoint hit: %s\n", where)
	case e.StepCompleted:
		r.printf("Stepped to: %s\n", where)
	default:
		r.printf("Paused in: %s\n", where)
	}
}

// lineSource feeds input lines typed ahead of the prompt that will take
// them.
type lineSource struct {
	lines   <-chan string
	pending []string
}

func readLines(in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// take returns the next line, blocking on input when none is pending.
// ok is false at end of input.
func (ls *lineSource) take(ctx context.Context) (string, bool, error) {
	if len(ls.pending) > 0 {
		line := ls.pending[0]
		ls.pending = ls.pending[1:]
		return line, true, nil
	}
	if ls.lines == nil {
		return "", false, nil
	}
	select {
	case line, ok := <-ls.lines:
		if !ok {
			ls.lines = nil
		}
		return line, ok, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

type turn struct {
	ia  *session.Interaction
	err error
}

// awaitTurn waits for the next console prompt. Lines typed meanwhile are
// queued, except :break which interrupts the running code.
func (r *repl) awaitTurn(ctx context.Context, ls *lineSource) (*session.Interaction, context.CancelFunc, error) {
	tctx, cancel := context.WithCancel(ctx)
	ch := make(chan turn, 1)
	go func() {
		ia, err := r.s.BeginInteraction(tctx, true)
		ch <- turn{ia, err}
	}()

	for {
		var lines <-chan string
		if ls.lines != nil {
			lines = ls.lines
		}
		select {
		case t := <-ch:
			if t.err != nil {
				cancel()
				return nil, nil, t.err
			}
			return t.ia, cancel, nil
		case line, ok := <-lines:
			if !ok {
				ls.lines = nil
				continue
			}
			if cmd, err := parseCommand(line); err == nil && cmd.name == "break" {
				go r.interrupt(ctx)
				continue
			}
			ls.pending = append(ls.pending, line)
		case <-ctx.Done():
			cancel()
			return nil, nil, ctx.Err()
		}
	}
}

func (r *repl) interrupt(ctx context.Context) {
	if err := r.d.Break(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.errorf("break failed: %v\n", err)
	}
}

// run drives the console until end of input, :quit or ctx ends.
func (r *repl) run(ctx context.Context) error {
	defer r.subscribe()()
	ls := &lineSource{lines: readLines(r.in)}

	for {
		ia, release, err := r.awaitTurn(ctx, ls)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, host.ErrNotRunning) || errors.Is(err, host.ErrHostDisconnected) {
				return nil
			}
			return err
		}

		prompt := ia.Prompt()
		r.printf("%s", prompt.Text)
		line, ok, err := ls.take(ctx)
		if err != nil || !ok {
			ia.Decline()
			release()
			r.printf("\n")
			return nil
		}

		if cmd, perr := parseCommand(line); perr == nil {
			ia.Decline()
			release()
			if cmd.name == "quit" {
				return nil
			}
			r.exec(ctx, cmd)
			continue
		} else if !errors.Is(perr, errNotCommand) {
			ia.Decline()
			release()
			r.errorf("%v\n", perr)
			continue
		}

		err = ia.Respond(line)
		release()
		if err != nil {
			r.errorf("input not delivered: %v\n", err)
			continue
		}
		r.record(ctx, line, prompt)
	}
}

func (r *repl) record(ctx context.Context, line string, p session.Prompt) {
	if r.rt.history == nil || !p.AddToHistory && !p.IsBrowse() {
		return
	}
	entry := history.Entry{Input: line, Prompt: strings.TrimRight(p.Text, " "), Browse: p.IsBrowse()}
	if err := r.rt.history.Append(ctx, r.s.ID(), entry); err != nil {
		r.rt.logger.Warn().Err(err).Msg("Failed to record history")
	}
}
