package debugger

import (
	"context"
	"strings"

	"github.com/harun/hostsession/internal/tracing"
	"github.com/harun/hostsession/pkg/evaluation"
	"github.com/harun/hostsession/pkg/host"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const tracebackSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["call", "environment"],
		"properties": {
			"call": {"type": "string"},
			"file": {"type": "string"},
			"line": {"type": "integer", "minimum": 0},
			"environment": {"type": "string"},
			"environment_name": {"type": "string"}
		}
	}
}`

var tracebackSchemaLoader = gojsonschema.NewStringLoader(tracebackSchema)

// Calls that belong to the machinery running a source file rather than to
// user code.
var sourceCalls = []string{"source(", "debug_source("}

// NoParent is the parent index of the outermost frame.
const NoParent = -1

// Frame is one call on the host stack.
type Frame struct {
	// Index is the position in the stack, outermost first.
	Index  int
	Parent int

	Call                  string
	Location              Location
	EnvironmentExpression string
	EnvironmentName       string
}

// IsGlobal reports whether the frame evaluates in the global environment.
func (f Frame) IsGlobal() bool {
	return f.EnvironmentExpression == host.GlobalEnvironment
}

// Stack is an immutable call stack, outermost frame first.
type Stack struct {
	frames []Frame
}

// Len returns the number of frames.
func (s *Stack) Len() int { return len(s.frames) }

// Frames returns a copy of the frames.
func (s *Stack) Frames() []Frame {
	return append([]Frame(nil), s.frames...)
}

// Frame returns the frame at index i.
func (s *Stack) Frame(i int) (Frame, bool) {
	if i < 0 || i >= len(s.frames) {
		return Frame{}, false
	}
	return s.frames[i], true
}

// Innermost returns the frame that is currently executing.
func (s *Stack) Innermost() (Frame, bool) {
	return s.Frame(len(s.frames) - 1)
}

// Parent returns the caller of f.
func (s *Stack) Parent(f Frame) (Frame, bool) {
	return s.Frame(f.Parent)
}

func newStack(frames []Frame) *Stack {
	out := make([]Frame, len(frames))
	for i, f := range frames {
		f.Index = i
		f.Parent = i - 1
		out[i] = f
	}
	return &Stack{frames: out}
}

func isTrampoline(f Frame) bool {
	return strings.HasPrefix(f.Call, host.TrampolineCall)
}

func isSourceCall(call string) bool {
	for _, prefix := range sourceCalls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

// skipSourceFrames drops the leading frames of a source() call up to the
// frame that evaluates the file itself.
func skipSourceFrames(frames []Frame) []Frame {
	i := 0
	for i < len(frames) && isSourceCall(frames[i].Call) {
		i++
	}
	if i == 0 {
		return frames
	}
	for i < len(frames) && frames[i].Location.IsZero() && strings.HasPrefix(frames[i].Call, "eval(") {
		i++
	}
	return frames[i:]
}

// GetStackFrames returns the host's current call stack. Trampoline frames are
// never included; skipSource also drops the frames of source() itself.
func (d *Debugger) GetStackFrames(ctx context.Context, skipSource bool) (*Stack, error) {
	raw, err := d.traceback(ctx)
	if err != nil {
		return nil, err
	}
	return buildStack(raw, skipSource), nil
}

func buildStack(raw []Frame, skipSource bool) *Stack {
	frames := make([]Frame, 0, len(raw))
	for _, f := range raw {
		if !isTrampoline(f) {
			frames = append(frames, f)
		}
	}
	if skipSource {
		frames = skipSourceFrames(frames)
	}
	return newStack(frames)
}

// traceback fetches the raw host stack, trampolines included.
func (d *Debugger) traceback(ctx context.Context) ([]Frame, error) {
	ctx, span := tracing.StartSpan(ctx, "hostsession.debugger", "debugger.traceback")
	defer span.End()

	expr := host.DescribeTracebackExpr()
	res, err := d.s.Evaluate(ctx, expr, host.KindJSON)
	if err != nil {
		return nil, err
	}
	data, err := res.JSON(expr)
	if err != nil {
		return nil, err
	}
	frames, err := parseTraceback(data)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("frames", len(frames)))
	return frames, nil
}

func parseTraceback(data []byte) ([]Frame, error) {
	result, err := gojsonschema.Validate(tracebackSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, host.NewProtocolError("traceback", "schema validation error: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, host.NewProtocolError("traceback", "%s", strings.Join(msgs, "; "))
	}

	var frames []Frame
	gjson.ParseBytes(data).ForEach(func(_, item gjson.Result) bool {
		frames = append(frames, Frame{
			Call: item.Get("call").String(),
			Location: Location{
				File: item.Get("file").String(),
				Line: int(item.Get("line").Int()),
			},
			EnvironmentExpression: item.Get("environment").String(),
			EnvironmentName:       item.Get("environment_name").String(),
		})
		return true
	})
	return frames, nil
}

// EvaluateInFrame describes expr evaluated in the environment of f.
func (d *Debugger) EvaluateInFrame(ctx context.Context, f Frame, expr string, fields evaluation.Fields, reprMaxLength int) (evaluation.Result, error) {
	return evaluation.Describe(ctx, d.s, expr, f.EnvironmentExpression, fields, reprMaxLength)
}

// FrameEnvironment describes the environment of f. Its children are the
// frame's variables.
func (d *Debugger) FrameEnvironment(ctx context.Context, f Frame, fields evaluation.Fields, reprMaxLength int) (evaluation.Result, error) {
	return d.EvaluateInFrame(ctx, f, "environment()", fields, reprMaxLength)
}
