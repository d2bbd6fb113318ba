package hosttest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/hostsession/pkg/host"
)

// errAbort unwinds execution back to the top-level prompt.
var errAbort = errors.New("execution aborted")

// runtimeError is an error raised by evaluated code.
type runtimeError struct{ msg string }

func (e *runtimeError) Error() string { return e.msg }

func errorf(format string, args ...interface{}) error {
	return &runtimeError{msg: fmt.Sprintf(format, args...)}
}

// returnSignal carries a return(...) value up to the enclosing call.
type returnSignal struct{ v value }

func (r *returnSignal) Error() string { return "no function to return from" }

// frame is one entry of the call stack.
type frame struct {
	call       string
	file       string
	line       int
	env        *env
	global     bool
	trampoline bool
}

// interp evaluates code. The main interpreter runs console input with
// debugging enabled and publishes its frames to the host; evaluation
// interpreters work on a private copy of the stack.
type interp struct {
	h         *Host
	main      bool
	frames    []*frame
	invisible bool
}

func (in *interp) stack() []*frame {
	if in.main {
		return in.h.snapshotFrames()
	}
	return in.frames
}

func (in *interp) push(fr *frame) int {
	if in.main {
		return in.h.pushFrame(fr)
	}
	in.frames = append(in.frames, fr)
	return len(in.frames)
}

func (in *interp) pop() {
	if in.main {
		in.h.popFrame()
		return
	}
	in.frames = in.frames[:len(in.frames)-1]
}

func (in *interp) depth() int {
	return len(in.stack())
}

// execBlock runs statements, with fr as the frame whose line tracks progress.
// fr is nil for console input, which has no frame.
func (in *interp) execBlock(ctx context.Context, body []stmt, fr *frame) (value, error) {
	var last value
	for _, s := range body {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fr != nil {
			in.h.setLine(fr, s.line)
			if in.main {
				if err := in.h.beforeStatement(ctx, in, fr); err != nil {
					return nil, err
				}
			}
		}
		v, err := in.eval(ctx, s.expr, envOf(fr, in.h.global))
		if err != nil {
			return nil, err
		}
		last = v
	}
	return last, nil
}

// runIn runs statements in e without tracking a frame.
func (in *interp) runIn(ctx context.Context, body []stmt, e *env) (value, error) {
	var last value
	for _, s := range body {
		v, err := in.eval(ctx, s.expr, e)
		if err != nil {
			return nil, err
		}
		last = v
	}
	return last, nil
}

func envOf(fr *frame, fallback *env) *env {
	if fr == nil {
		return fallback
	}
	return fr.env
}

func (in *interp) eval(ctx context.Context, n node, e *env) (value, error) {
	switch x := n.(type) {
	case *numLit:
		return x.v, nil
	case *strLit:
		return x.v, nil
	case *boolLit:
		return x.v, nil
	case *nullLit:
		return nil, nil
	case *ident:
		v, ok := e.lookup(x.name)
		if !ok {
			return nil, errorf("object '%s' not found", x.name)
		}
		return v, nil
	case *assignExpr:
		v, err := in.eval(ctx, x.value, e)
		if err != nil {
			return nil, err
		}
		e.set(x.name, v)
		return v, nil
	case *negExpr:
		v, err := in.eval(ctx, x.x, e)
		if err != nil {
			return nil, err
		}
		return arith(tokMinus, 0.0, v)
	case *binExpr:
		l, err := in.eval(ctx, x.left, e)
		if err != nil {
			return nil, err
		}
		r, err := in.eval(ctx, x.right, e)
		if err != nil {
			return nil, err
		}
		return arith(x.op, l, r)
	case *indexExpr:
		v, err := in.eval(ctx, x.x, e)
		if err != nil {
			return nil, err
		}
		key, err := in.eval(ctx, x.key, e)
		if err != nil {
			return nil, err
		}
		return index(v, key)
	case *funcLit:
		return &closure{params: x.params, body: x.body, text: x.text, file: in.currentFile(), env: e}, nil
	case *callExpr:
		return in.call(ctx, x, e)
	}
	return nil, errorf("cannot evaluate %T", n)
}

func (in *interp) currentFile() string {
	frames := in.stack()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].file != "" {
			return frames[i].file
		}
	}
	return ""
}

func (in *interp) call(ctx context.Context, c *callExpr, e *env) (value, error) {
	if id, ok := c.fn.(*ident); ok {
		if v, found := e.lookup(id.name); found {
			if fn, isFn := v.(*closure); isFn {
				return in.apply(ctx, fn, c, e)
			}
		}
		if b, ok := builtins[id.name]; ok {
			args, err := in.evalArgs(ctx, c.args, e)
			if err != nil {
				return nil, err
			}
			return b(ctx, in, e, args)
		}
		return nil, errorf("could not find function \"%s\"", id.name)
	}

	v, err := in.eval(ctx, c.fn, e)
	if err != nil {
		return nil, err
	}
	fn, ok := v.(*closure)
	if !ok {
		return nil, errorf("attempt to apply non-function")
	}
	return in.apply(ctx, fn, c, e)
}

func (in *interp) apply(ctx context.Context, fn *closure, c *callExpr, caller *env) (value, error) {
	args, err := in.evalArgs(ctx, c.args, caller)
	if err != nil {
		return nil, err
	}
	local := newEnv("<environment>", fn.env)
	pos := 0
	for _, a := range args {
		if a.name != "" {
			local.set(a.name, a.value)
			continue
		}
		if pos >= len(fn.params) {
			return nil, errorf("unused argument (%s)", deparse(a.value))
		}
		local.set(fn.params[pos], a.value)
		pos++
	}

	fr := &frame{call: c.text, file: fn.file, env: local}
	in.push(fr)
	defer in.pop()

	v, err := in.execBlock(ctx, fn.body, fr)
	var ret *returnSignal
	if errors.As(err, &ret) {
		return ret.v, nil
	}
	return v, err
}

type argValue struct {
	name  string
	value value
}

func (in *interp) evalArgs(ctx context.Context, args []argNode, e *env) ([]argValue, error) {
	out := make([]argValue, len(args))
	for i, a := range args {
		v, err := in.eval(ctx, a.value, e)
		if err != nil {
			return nil, err
		}
		out[i] = argValue{name: a.name, value: v}
	}
	return out, nil
}

func arith(op tokenType, l, r value) (value, error) {
	lv, lok := l.(float64)
	rv, rok := r.(float64)
	if !lok || !rok {
		return nil, errorf("non-numeric argument to binary operator")
	}
	switch op {
	case tokPlus:
		return lv + rv, nil
	case tokMinus:
		return lv - rv, nil
	case tokStar:
		return lv * rv, nil
	case tokSlash:
		return lv / rv, nil
	}
	return nil, errorf("unsupported operator")
}

func index(v, key value) (value, error) {
	switch k := key.(type) {
	case float64:
		i := int(k) - 1
		if i < 0 || i >= length(v) {
			return nil, errorf("subscript out of bounds")
		}
		switch x := v.(type) {
		case []float64:
			return x[i], nil
		case []string:
			return x[i], nil
		case *listValue:
			return x.items[i], nil
		case float64, string, bool:
			return x, nil
		}
	case string:
		switch x := v.(type) {
		case *listValue:
			for i, name := range x.names {
				if name == k {
					return x.items[i], nil
				}
			}
			return nil, nil
		case *env:
			item, _ := x.lookup(k)
			return item, nil
		}
	}
	return nil, errorf("subscript out of bounds")
}

// browse runs a nested browser prompt for fr until a stepping verb arrives.
func (in *interp) browse(ctx context.Context, fr *frame) (string, error) {
	h := in.h
	for {
		contexts := []host.Context{{CallFlag: host.CallFlagTopLevel}}
		for range in.stack() {
			contexts = append(contexts, host.Context{CallFlag: host.CallFlagFunction})
		}
		contexts = append(contexts, host.Context{CallFlag: host.CallFlagBrowser})

		text, err := h.readConsole(ctx, host.ReadConsoleRequest{
			Contexts:          contexts,
			Prompt:            "Browse[1]> ",
			MaxLength:         h.opts.MaxLength,
			AddToHistory:      true,
			EvaluationAllowed: true,
		})
		if err != nil {
			return "", err
		}

		cmd := strings.TrimSpace(text)
		switch cmd {
		case "", "n", "s", "c", "cont":
			return cmd, nil
		case "Q":
			return "", errAbort
		case "where":
			h.writeTraceback()
			continue
		}

		ev := &interp{h: h, frames: in.stack()}
		stmts, perr := parseProgram(cmd)
		if perr != nil {
			h.write("Error: "+perr.Error()+"\n", host.StreamError)
			continue
		}
		v, err := ev.runIn(ctx, stmts, fr.env)
		if err != nil {
			h.write("Error: "+err.Error()+"\n", host.StreamError)
			continue
		}
		if len(stmts) > 0 {
			if _, assigned := stmts[len(stmts)-1].expr.(*assignExpr); !assigned {
				h.write(printed(v)+"\n", host.StreamOutput)
			}
		}
	}
}
