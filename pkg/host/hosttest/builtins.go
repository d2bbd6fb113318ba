package hosttest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/hostsession/pkg/host"
)

type builtinFunc func(ctx context.Context, in *interp, e *env, args []argValue) (value, error)

var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"c":           builtinC,
		"list":        builtinList,
		"print":       builtinPrint,
		"cat":         builtinCat,
		"paste":       builtinPaste,
		"length":      builtinLength,
		"return":      builtinReturn,
		"invisible":   builtinInvisible,
		"environment": builtinEnvironment,
		"globalenv":   builtinGlobalenv,
		"sys.frame":   builtinSysFrame,
		"source":      builtinSource,
		"setwd":       builtinSetwd,
		"getwd":       builtinGetwd,
		"options":     builtinOptions,
		"plot":        builtinPlot,
		"browseURL":   builtinBrowseURL,
		"askYesNo":    builtinAskYesNo,
		"message_box": builtinMessageBox,
		"Sys.sleep":   builtinSleep,
		"stop":        builtinStop,

		host.HelperDescribeTraceback:  builtinDescribeTraceback,
		host.HelperDescribeExpression: builtinDescribeExpression,
		host.HelperDescribeChildren:   builtinDescribeChildren,
		host.HelperAddBreakpoint:      builtinAddBreakpoint,
		host.HelperRemoveBreakpoint:   builtinRemoveBreakpoint,
		host.HelperReapplyBreakpoints: builtinReapplyBreakpoints,
		host.HelperEnableBreakpoints:  builtinEnableBreakpoints,
		host.HelperSetBrowserTrap:     builtinSetBrowserTrap,
		host.HelperBrowserTrapSet:     builtinBrowserTrapSet,
	}
}

func argString(args []argValue, i int, fn string) (string, error) {
	if i >= len(args) {
		return "", errorf("argument %d is missing in %s()", i+1, fn)
	}
	s, ok := args[i].value.(string)
	if !ok {
		return "", errorf("invalid argument %d to %s(): expected a string", i+1, fn)
	}
	return s, nil
}

func argNumber(args []argValue, i int, fn string) (float64, error) {
	if i >= len(args) {
		return 0, errorf("argument %d is missing in %s()", i+1, fn)
	}
	f, ok := args[i].value.(float64)
	if !ok {
		return 0, errorf("invalid argument %d to %s(): expected a number", i+1, fn)
	}
	return f, nil
}

func argStrings(args []argValue, i int, fn string) ([]string, error) {
	if i >= len(args) {
		return nil, errorf("argument %d is missing in %s()", i+1, fn)
	}
	switch x := args[i].value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{x}, nil
	case []string:
		return x, nil
	}
	return nil, errorf("invalid argument %d to %s(): expected a character vector", i+1, fn)
}

func argEnv(args []argValue, i int, fn string) (*env, error) {
	if i >= len(args) {
		return nil, errorf("argument %d is missing in %s()", i+1, fn)
	}
	e, ok := args[i].value.(*env)
	if !ok {
		return nil, errorf("invalid argument %d to %s(): expected an environment", i+1, fn)
	}
	return e, nil
}

func builtinC(_ context.Context, _ *interp, _ *env, args []argValue) (value, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if _, ok := args[0].value.(string); ok {
		out := make([]string, 0, len(args))
		for _, a := range args {
			s, ok := a.value.(string)
			if !ok {
				s = toString(a.value)
			}
			out = append(out, s)
		}
		if len(out) == 1 {
			return out[0], nil
		}
		return out, nil
	}
	out := make([]float64, 0, len(args))
	for _, a := range args {
		switch x := a.value.(type) {
		case float64:
			out = append(out, x)
		case []float64:
			out = append(out, x...)
		default:
			return nil, errorf("cannot combine %s with numbers", typeName(a.value))
		}
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func builtinList(_ context.Context, _ *interp, _ *env, args []argValue) (value, error) {
	l := &listValue{items: make([]value, len(args))}
	named := false
	for i, a := range args {
		l.items[i] = a.value
		if a.name != "" {
			named = true
		}
	}
	if named {
		l.names = make([]string, len(args))
		for i, a := range args {
			l.names[i] = a.name
		}
	}
	return l, nil
}

func builtinPrint(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	if len(args) == 0 {
		return nil, errorf("argument \"x\" is missing, with no default")
	}
	in.h.write(printed(args[0].value)+"\n", host.StreamOutput)
	in.invisible = true
	return args[0].value, nil
}

func builtinCat(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = toString(a.value)
	}
	in.h.write(strings.Join(parts, " "), host.StreamOutput)
	in.invisible = true
	return nil, nil
}

func builtinPaste(_ context.Context, _ *interp, _ *env, args []argValue) (value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = toString(a.value)
	}
	return strings.Join(parts, " "), nil
}

func builtinLength(_ context.Context, _ *interp, _ *env, args []argValue) (value, error) {
	if len(args) == 0 {
		return nil, errorf("argument \"x\" is missing, with no default")
	}
	return float64(length(args[0].value)), nil
}

func builtinReturn(_ context.Context, _ *interp, _ *env, args []argValue) (value, error) {
	var v value
	if len(args) > 0 {
		v = args[0].value
	}
	return nil, &returnSignal{v: v}
}

func builtinInvisible(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	in.invisible = true
	if len(args) == 0 {
		return nil, nil
	}
	return args[0].value, nil
}

func builtinEnvironment(_ context.Context, _ *interp, e *env, _ []argValue) (value, error) {
	return e, nil
}

func builtinGlobalenv(_ context.Context, in *interp, _ *env, _ []argValue) (value, error) {
	return in.h.globalEnv(), nil
}

func builtinSysFrame(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	n, err := argNumber(args, 0, "sys.frame")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return in.h.globalEnv(), nil
	}
	frames := in.stack()
	i := int(n) - 1
	if i < 0 || i >= len(frames) {
		return nil, errorf("not that many frames on the stack")
	}
	return frames[i].env, nil
}

func builtinSource(ctx context.Context, in *interp, _ *env, args []argValue) (value, error) {
	name, err := argString(args, 0, "source")
	if err != nil {
		return nil, err
	}
	in.h.mu.Lock()
	content, ok := in.h.files[name]
	in.h.mu.Unlock()
	if !ok {
		return nil, errorf("cannot open file '%s': No such file or directory", name)
	}
	stmts, err := parseProgram(content)
	if err != nil {
		return nil, errorf("%s:%s", name, err.Error())
	}

	global := in.h.globalEnv()
	in.invisible = true
	if !in.main {
		_, err := in.runIn(ctx, stmts, global)
		return nil, err
	}

	in.push(&frame{call: fmt.Sprintf("source(%s)", host.Quote(name)), env: newEnv("<environment>", global)})
	defer in.pop()
	evalFrame := &frame{call: "eval(ei, envir)", file: name, env: global, global: true}
	in.push(evalFrame)
	defer in.pop()

	_, err = in.execBlock(ctx, stmts, evalFrame)
	in.invisible = true
	return nil, err
}

func builtinSetwd(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	dir, err := argString(args, 0, "setwd")
	if err != nil {
		return nil, err
	}
	in.h.mu.Lock()
	prev := in.h.wd
	in.h.wd = dir
	cb := in.h.cb
	in.h.mu.Unlock()
	if cb != nil {
		cb.DirectoryChanged(dir)
	}
	in.invisible = true
	return prev, nil
}

func builtinGetwd(_ context.Context, in *interp, _ *env, _ []argValue) (value, error) {
	return in.h.WorkingDirectory(), nil
}

func builtinOptions(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	in.h.mu.Lock()
	for _, a := range args {
		if a.name != "" {
			in.h.options[a.name] = deparse(a.value)
		}
	}
	in.h.mu.Unlock()
	in.invisible = true
	return nil, nil
}

func builtinPlot(_ context.Context, in *interp, _ *env, _ []argValue) (value, error) {
	in.h.mu.Lock()
	in.h.plots++
	path := fmt.Sprintf("plot-%d.png", in.h.plots)
	cb := in.h.cb
	in.h.mu.Unlock()
	cb.PlotProduced(path)
	in.invisible = true
	return nil, nil
}

func builtinBrowseURL(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	url, err := argString(args, 0, "browseURL")
	if err != nil {
		return nil, err
	}
	in.h.cb.ViewURL(url)
	in.invisible = true
	return nil, nil
}

func builtinAskYesNo(ctx context.Context, in *interp, _ *env, args []argValue) (value, error) {
	question, err := argString(args, 0, "askYesNo")
	if err != nil {
		return nil, err
	}
	answer, err := in.h.cb.YesNoCancel(ctx, question)
	if err != nil {
		return nil, err
	}
	switch answer {
	case host.AnswerYes:
		return true, nil
	case host.AnswerNo:
		return false, nil
	}
	return nil, nil
}

func builtinMessageBox(ctx context.Context, in *interp, _ *env, args []argValue) (value, error) {
	msg, err := argString(args, 0, "message_box")
	if err != nil {
		return nil, err
	}
	in.invisible = true
	return nil, in.h.cb.ShowMessage(ctx, msg)
}

func builtinSleep(ctx context.Context, in *interp, _ *env, args []argValue) (value, error) {
	secs, err := argNumber(args, 0, "Sys.sleep")
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-in.h.interrupt:
		return nil, host.ErrCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	in.invisible = true
	return nil, nil
}

func builtinStop(_ context.Context, _ *interp, _ *env, args []argValue) (value, error) {
	msg, err := argString(args, 0, "stop")
	if err != nil {
		return nil, err
	}
	return nil, errorf("%s", msg)
}

// traceEntry is one element of describe_traceback().
type traceEntry struct {
	Call            string `json:"call"`
	File            string `json:"file,omitempty"`
	Line            int    `json:"line,omitempty"`
	Environment     string `json:"environment"`
	EnvironmentName string `json:"environment_name"`
}

func builtinDescribeTraceback(_ context.Context, in *interp, _ *env, _ []argValue) (value, error) {
	frames := in.stack()
	in.h.mu.Lock()
	entries := make([]traceEntry, len(frames))
	for i, fr := range frames {
		entry := traceEntry{Call: fr.call, File: fr.file, Line: fr.line}
		if fr.trampoline {
			entry.File, entry.Line = "", 0
		}
		if fr.global {
			entry.Environment = host.GlobalEnvironment
			entry.EnvironmentName = "R_GlobalEnv"
		} else {
			entry.Environment = host.FrameEnvironment(i)
			entry.EnvironmentName = fr.env.name
		}
		entries[i] = entry
	}
	in.h.mu.Unlock()
	return marshalRaw(entries)
}

func marshalRaw(v interface{}) (value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errorf("cannot serialize result: %v", err)
	}
	return rawJSON(data), nil
}

func describe(name, expression string, v value, fields []string, reprMax int) map[string]interface{} {
	out := map[string]interface{}{
		"name":       name,
		"expression": expression,
		"type":       typeName(v),
	}
	truncate := func(s string) string {
		if reprMax > 0 && len(s) > reprMax {
			return s[:reprMax]
		}
		return s
	}
	repr := map[string]string{}
	for _, f := range fields {
		switch f {
		case "classes":
			out["classes"] = []string{className(v)}
		case "length":
			out["length"] = length(v)
		case "slot_count":
			out["slot_count"] = 0
		case "attribute_count":
			n := 0
			if l, ok := v.(*listValue); ok && l.names != nil {
				n = 1
			}
			out["attribute_count"] = n
		case "name_count":
			n := 0
			if l, ok := v.(*listValue); ok && l.names != nil {
				n = len(l.names)
			}
			out["name_count"] = n
		case "dimensions":
			out["dimensions"] = []int{}
		case "deparse":
			repr["deparse"] = truncate(deparse(v))
		case "str":
			repr["str"] = truncate(str(v))
		case "to_string":
			repr["to_string"] = truncate(toString(v))
		case "flags":
			flags := []string{}
			if isAtomic(v) {
				flags = append(flags, "atomic")
			}
			switch v.(type) {
			case *listValue:
				flags = append(flags, "recursive")
			case *closure, *env:
				flags = append(flags, "recursive", "has_parent_env")
			}
			out["flags"] = flags
		}
	}
	if len(repr) > 0 {
		out["representation"] = repr
	}
	return out
}

func evalString(ctx context.Context, in *interp, expr string, e *env) (value, error) {
	stmts, err := parseProgram(expr)
	if err != nil {
		return nil, errorf("%s", err.Error())
	}
	ev := &interp{h: in.h, frames: in.stack()}
	return ev.runIn(ctx, stmts, e)
}

func builtinDescribeExpression(ctx context.Context, in *interp, _ *env, args []argValue) (value, error) {
	expr, err := argString(args, 0, host.HelperDescribeExpression)
	if err != nil {
		return nil, err
	}
	e, err := argEnv(args, 1, host.HelperDescribeExpression)
	if err != nil {
		return nil, err
	}
	fields, err := argStrings(args, 2, host.HelperDescribeExpression)
	if err != nil {
		return nil, err
	}
	reprMax, err := argNumber(args, 3, host.HelperDescribeExpression)
	if err != nil {
		return nil, err
	}

	v, err := evalString(ctx, in, expr, e)
	if err != nil {
		if host.IsCancellation(err) {
			return nil, err
		}
		return marshalRaw(map[string]interface{}{"name": expr, "expression": expr, "error": err.Error()})
	}
	return marshalRaw(describe(expr, expr, v, fields, int(reprMax)))
}

func builtinDescribeChildren(ctx context.Context, in *interp, _ *env, args []argValue) (value, error) {
	expr, err := argString(args, 0, host.HelperDescribeChildren)
	if err != nil {
		return nil, err
	}
	e, err := argEnv(args, 1, host.HelperDescribeChildren)
	if err != nil {
		return nil, err
	}
	fields, err := argStrings(args, 2, host.HelperDescribeChildren)
	if err != nil {
		return nil, err
	}
	maxCount, err := argNumber(args, 3, host.HelperDescribeChildren)
	if err != nil {
		return nil, err
	}
	reprMax, err := argNumber(args, 4, host.HelperDescribeChildren)
	if err != nil {
		return nil, err
	}

	v, err := evalString(ctx, in, expr, e)
	if err != nil {
		return nil, err
	}
	kids := children(expr, v)
	if maxCount >= 0 && int(maxCount) < len(kids) {
		kids = kids[:int(maxCount)]
	}
	out := make([]map[string]interface{}, len(kids))
	for i, k := range kids {
		out[i] = describe(k.name, k.expression, k.value, fields, int(reprMax))
	}
	return marshalRaw(out)
}

func builtinAddBreakpoint(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	file, err := argString(args, 0, host.HelperAddBreakpoint)
	if err != nil {
		return nil, err
	}
	line, err := argNumber(args, 1, host.HelperAddBreakpoint)
	if err != nil {
		return nil, err
	}
	in.h.mu.Lock()
	defer in.h.mu.Unlock()
	if in.h.breakpoints[file] == nil {
		in.h.breakpoints[file] = make(map[int]bool)
	}
	in.h.breakpoints[file][int(line)] = true
	return true, nil
}

func builtinRemoveBreakpoint(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	file, err := argString(args, 0, host.HelperRemoveBreakpoint)
	if err != nil {
		return nil, err
	}
	line, err := argNumber(args, 1, host.HelperRemoveBreakpoint)
	if err != nil {
		return nil, err
	}
	in.h.mu.Lock()
	defer in.h.mu.Unlock()
	delete(in.h.breakpoints[file], int(line))
	return true, nil
}

func builtinReapplyBreakpoints(_ context.Context, in *interp, _ *env, _ []argValue) (value, error) {
	in.h.mu.Lock()
	defer in.h.mu.Unlock()
	n := 0
	for _, lines := range in.h.breakpoints {
		n += len(lines)
	}
	return float64(n), nil
}

func builtinEnableBreakpoints(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	if len(args) == 0 {
		return nil, errorf("argument \"enable\" is missing, with no default")
	}
	enable, ok := args[0].value.(bool)
	if !ok {
		return nil, errorf("invalid argument to %s(): expected TRUE or FALSE", host.HelperEnableBreakpoints)
	}
	in.h.mu.Lock()
	in.h.breakpointsEnabled = enable
	in.h.mu.Unlock()
	return enable, nil
}

func builtinSetBrowserTrap(_ context.Context, in *interp, _ *env, args []argValue) (value, error) {
	skip, err := argNumber(args, 0, host.HelperSetBrowserTrap)
	if err != nil {
		return nil, err
	}
	maxDepth := -1
	if skip > 0 {
		maxDepth = len(in.stack()) - int(skip)
	}
	in.h.mu.Lock()
	in.h.trap = trapState{set: true, maxDepth: maxDepth}
	in.h.mu.Unlock()
	return true, nil
}

func builtinBrowserTrapSet(_ context.Context, in *interp, _ *env, _ []argValue) (value, error) {
	in.h.mu.Lock()
	defer in.h.mu.Unlock()
	return in.h.trap.set, nil
}
