package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harun/hostsession/pkg/debugger"
	"github.com/harun/hostsession/pkg/evaluation"
	"github.com/harun/hostsession/pkg/session"
)

var errNotCommand = errors.New("not a console command")

// command is a parsed ':' line.
type command struct {
	name string
	args []string
}

var commandArity = map[string][2]int{
	"break":    {0, 0},
	"next":     {0, 0},
	"step":     {0, 0},
	"out":      {0, 0},
	"continue": {0, 0},
	"stack":    {0, 0},
	"bp":       {0, 2},
	"rmbp":     {2, 2},
	"print":    {1, -1},
	"cancel":   {0, 0},
	"history":  {0, 1},
	"reload":   {0, 0},
	"quit":     {0, 0},
	"help":     {0, 0},
}

var commandAliases = map[string]string{
	"n": "next",
	"s": "step",
	"c": "continue",
	"q": "quit",
	"p": "print",
}

// parseCommand parses a console command line. Lines that are not commands
// return errNotCommand and go to the host unchanged.
func parseCommand(line string) (command, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, ":") || len(trimmed) == 1 {
		return command{}, errNotCommand
	}
	fields := strings.Fields(trimmed[1:])
	name := fields[0]
	if alias, ok := commandAliases[name]; ok {
		name = alias
	}
	arity, ok := commandArity[name]
	if !ok {
		return command{}, fmt.Errorf("unknown command :%s (try :help)", fields[0])
	}

	args := fields[1:]
	if name == "print" && len(args) > 0 {
		// The expression keeps its own spacing.
		rest := strings.TrimSpace(trimmed[1:])
		args = []string{strings.TrimSpace(rest[len(fields[0]):])}
	}
	if len(args) < arity[0] || arity[1] >= 0 && len(args) > arity[1] {
		return command{}, fmt.Errorf("wrong number of arguments for :%s", name)
	}
	return command{name: name, args: args}, nil
}

// parseLocation reads a FILE LINE pair.
func parseLocation(args []string) (debugger.Location, error) {
	if len(args) != 2 {
		return debugger.Location{}, fmt.Errorf("expected FILE LINE")
	}
	line, err := strconv.Atoi(args[1])
	if err != nil || line <= 0 {
		return debugger.Location{}, fmt.Errorf("invalid line number %q", args[1])
	}
	return debugger.Location{File: args[0], Line: line}, nil
}

const helpText = `Console commands:
  :break             interrupt running code and enter the debugger
  :next, :n          run to the next line in this frame
  :step, :s          step into the next call
  :out               run until the current frame returns
  :continue, :c      leave the debugger and keep running
  :stack             show the call stack
  :bp FILE LINE      set a breakpoint
  :bp                list breakpoints
  :bp on|off         enable or disable all breakpoints
  :rmbp FILE LINE    remove a breakpoint
  :print EXPR, :p    describe a value in the current frame
  :cancel            cancel everything queued and interrupt the host
  :history [N]       show recent console input
  :reload            reload script files into the built-in host
  :quit, :q          stop the host and exit
Anything else is sent to the host.
`

func (r *repl) exec(ctx context.Context, cmd command) {
	var err error
	switch cmd.name {
	case "help":
		r.printf("%s", helpText)
	case "break":
		if r.s.State() != session.StateBusy {
			r.printf("Nothing is running.\n")
			return
		}
		err = r.d.Break(ctx)
	case "next":
		err = r.step(ctx, r.d.StepOver)
	case "step":
		err = r.step(ctx, r.d.StepInto)
	case "out":
		err = r.step(ctx, r.d.StepOut)
	case "continue":
		err = r.d.Continue(ctx)
	case "stack":
		err = r.stack(ctx)
	case "bp":
		err = r.breakpoint(ctx, cmd.args)
	case "rmbp":
		err = r.removeBreakpoint(ctx, cmd.args)
	case "print":
		err = r.print(ctx, cmd.args[0])
	case "cancel":
		err = r.s.CancelAll(ctx)
	case "history":
		err = r.history(ctx, cmd.args)
	case "reload":
		var n int
		if n, err = r.rt.reloadScripts(); err == nil {
			r.printf("Reloaded %d script(s).\n", n)
		}
	}
	if err != nil {
		r.errorf("Error: %v\n", err)
	}
}

func (r *repl) step(ctx context.Context, fn func(context.Context) (bool, error)) error {
	if !r.d.IsBrowsing() {
		return fmt.Errorf("not in the debugger")
	}
	completed, err := fn(ctx)
	if err != nil {
		return err
	}
	if !completed {
		r.printf("Execution finished.\n")
	}
	return nil
}

func (r *repl) stack(ctx context.Context) error {
	st, err := r.d.GetStackFrames(ctx, true)
	if err != nil {
		return err
	}
	frames := st.Frames()
	if len(frames) == 0 {
		r.printf("No frames.\n")
		return nil
	}
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.Location.IsZero() {
			r.printf("%3d  %s\n", f.Index, f.Call)
			continue
		}
		r.printf("%3d  %s  [%s]\n", f.Index, f.Call, f.Location)
	}
	return nil
}

func (r *repl) breakpoint(ctx context.Context, args []string) error {
	switch {
	case len(args) == 0:
		bps := r.d.Breakpoints()
		if len(bps) == 0 {
			r.printf("No breakpoints.\n")
			return nil
		}
		for _, bp := range bps {
			state := "active"
			if !bp.Active() {
				state = "inactive"
			}
			r.printf("%s  hits=%d  %s\n", bp.Location(), bp.Hits(), state)
		}
		return nil
	case len(args) == 1 && (args[0] == "on" || args[0] == "off"):
		return r.d.EnableBreakpoints(ctx, args[0] == "on")
	}

	loc, err := parseLocation(args)
	if err != nil {
		return err
	}
	if _, err := r.d.CreateBreakpoint(ctx, loc); err != nil {
		return err
	}
	r.printf("Breakpoint set at %s\n", loc)
	return nil
}

func (r *repl) removeBreakpoint(ctx context.Context, args []string) error {
	loc, err := parseLocation(args)
	if err != nil {
		return err
	}
	for _, bp := range r.d.Breakpoints() {
		if bp.Location() == loc {
			return r.d.RemoveBreakpoint(ctx, bp)
		}
	}
	return fmt.Errorf("no breakpoint at %s", loc)
}

const printReprMaxLength = 200

// print describes expr in the innermost frame while browsing, otherwise in
// the global environment.
func (r *repl) print(ctx context.Context, expr string) error {
	var (
		res evaluation.Result
		err error
	)
	if r.d.IsBrowsing() {
		var st *debugger.Stack
		if st, err = r.d.GetStackFrames(ctx, true); err != nil {
			return err
		}
		f, ok := st.Innermost()
		if !ok {
			return fmt.Errorf("no frame to evaluate in")
		}
		res, err = r.d.EvaluateInFrame(ctx, f, expr, evaluation.FieldsAll, printReprMaxLength)
	} else {
		res, err = evaluation.Describe(ctx, r.s, expr, "", evaluation.FieldsAll, printReprMaxLength)
	}
	if err != nil {
		return err
	}
	r.printf("%s\n", formatResult(res))
	return nil
}

func formatResult(res evaluation.Result) string {
	switch v := res.(type) {
	case *evaluation.ErrorResult:
		return fmt.Sprintf("%s: error: %s", v.Expression(), v.Message)
	case *evaluation.PromiseResult:
		return fmt.Sprintf("%s: <promise> %s", v.Expression(), v.Code)
	case *evaluation.ActiveBindingResult:
		return fmt.Sprintf("%s: <active binding>", v.Expression())
	case *evaluation.ValueResult:
		desc := v.TypeName
		if len(v.Classes) > 0 {
			desc = strings.Join(v.Classes, "/")
		}
		repr := v.Representation.ToString
		if repr == "" {
			repr = v.Representation.Deparse
		}
		return fmt.Sprintf("%s: <%s, length %d> %s", v.Expression(), desc, v.Length, repr)
	}
	return res.Expression()
}

func (r *repl) history(ctx context.Context, args []string) error {
	if r.rt.history == nil {
		return fmt.Errorf("history is disabled")
	}
	n := 20
	if len(args) == 1 {
		var err error
		if n, err = strconv.Atoi(args[0]); err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args[0])
		}
	}
	entries, err := r.rt.history.Recent(ctx, r.s.ID(), n)
	if err != nil {
		return err
	}
	for _, e := range entries {
		marker := " "
		if e.Browse {
			marker = "B"
		}
		r.printf("%s %s  %s\n", e.Timestamp.Format(time.TimeOnly), marker, e.Input)
	}
	return nil
}
