package host

import (
	"context"
	"encoding/json"
)

// EvaluationKind selects how the host evaluates an expression. Kinds are flags
// and may be combined.
type EvaluationKind int

const (
	// KindNormal evaluates at the next evaluation-enabled prompt
	KindNormal EvaluationKind = 0
	// KindReentrant may be processed while the host is busy running code
	KindReentrant EvaluationKind = 1
	// KindJSON asks the host to serialize the result as JSON
	KindJSON EvaluationKind = 2
	// KindMutating marks evaluations that may change global state
	KindMutating EvaluationKind = 4
)

// Has reports whether all flags in other are set.
func (k EvaluationKind) Has(other EvaluationKind) bool {
	return k&other == other
}

// String returns a label usable as a metric or log value.
func (k EvaluationKind) String() string {
	switch {
	case k.Has(KindReentrant):
		return "reentrant"
	case k.Has(KindMutating):
		return "mutating"
	case k.Has(KindJSON):
		return "json"
	default:
		return "normal"
	}
}

// ParseStatus is the host's verdict on the syntax of an evaluated expression.
type ParseStatus string

const (
	ParseOK         ParseStatus = "OK"
	ParseIncomplete ParseStatus = "INCOMPLETE"
	ParseError      ParseStatus = "ERROR"
	ParseEOF        ParseStatus = "EOF"
	ParseNull       ParseStatus = "NULL"
)

// EvaluationResult is the raw answer to an evaluate call.
type EvaluationResult struct {
	ParseStatus ParseStatus     `json:"parse_status"`
	Error       string          `json:"error,omitempty"`
	Result      string          `json:"result,omitempty"`
	Structured  json.RawMessage `json:"structured,omitempty"`
}

// Failed reports whether the host rejected or failed the evaluation.
func (r *EvaluationResult) Failed() bool {
	return r.ParseStatus != ParseOK || r.Error != ""
}

// Err converts a failed result into an *EvaluationError for expr.
func (r *EvaluationResult) Err(expr string) error {
	if !r.Failed() {
		return nil
	}
	return &EvaluationError{Expression: expr, ParseStatus: r.ParseStatus, Message: r.Error}
}

// JSON returns the structured result. It is only authoritative when the parse
// status is OK and no error was reported.
func (r *EvaluationResult) JSON(expr string) (json.RawMessage, error) {
	if err := r.Err(expr); err != nil {
		return nil, err
	}
	if len(r.Structured) == 0 {
		return nil, NewProtocolError("structured", "missing structured result for %q", expr)
	}
	return r.Structured, nil
}

// CallFlag describes one entry of the host's context stack.
type CallFlag int

const (
	CallFlagTopLevel CallFlag = 0
	CallFlagNext     CallFlag = 1
	CallFlagBreak    CallFlag = 2
	CallFlagLoop     CallFlag = 3
	CallFlagFunction CallFlag = 4
	CallFlagReturn   CallFlag = 12
	CallFlagBrowser  CallFlag = 16
	CallFlagRestart  CallFlag = 32
	CallFlagBuiltin  CallFlag = 64
)

// Context is one entry of the host context stack reported with a console read.
type Context struct {
	CallFlag CallFlag `json:"call_flag"`
}

// IsBrowser reports whether the context is a browse (debugger) context.
func (c Context) IsBrowser() bool {
	return c.CallFlag == CallFlagBrowser
}

// IsBrowse reports whether any context in the stack is a browse context.
func IsBrowse(contexts []Context) bool {
	for _, c := range contexts {
		if c.IsBrowser() {
			return true
		}
	}
	return false
}

// ReadConsoleRequest is sent by the host whenever it wants a line of input.
type ReadConsoleRequest struct {
	Contexts          []Context `json:"contexts"`
	Prompt            string    `json:"prompt"`
	MaxLength         int       `json:"max_length"`
	AddToHistory      bool      `json:"add_to_history"`
	EvaluationAllowed bool      `json:"evaluation_allowed"`
}

// OutputStream identifies the stream of console output.
type OutputStream int

const (
	StreamOutput OutputStream = iota
	StreamError
)

func (s OutputStream) String() string {
	if s == StreamError {
		return "stderr"
	}
	return "stdout"
}

// Answer is the reply to a yes/no/cancel question.
type Answer int

const (
	AnswerCancel Answer = iota
	AnswerYes
	AnswerNo
)

// Info is what the host announces once connected.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Callbacks is the capability set the host invokes. It is implemented once by
// the session, which forwards notifications to its observers.
type Callbacks interface {
	Connected(info Info) error
	Disconnected(err error)
	ReadConsole(ctx context.Context, req ReadConsoleRequest) (string, error)
	WriteConsole(text string, stream OutputStream)
	YesNoCancel(ctx context.Context, question string) (Answer, error)
	ShowMessage(ctx context.Context, message string) error
	Busy(busy bool)
	DirectoryChanged(dir string)
	PlotProduced(path string)
	ViewURL(url string)
}

// Connection is a live channel to one host process. It handles exactly one
// logical call/response pair at a time on the host side, but Evaluate may be
// issued while a ReadConsole callback is outstanding.
type Connection interface {
	// Run serves host callbacks until the host disconnects or ctx ends.
	Run(ctx context.Context, cb Callbacks) error
	// Evaluate asks the host to evaluate expr out-of-band from the REPL loop.
	Evaluate(ctx context.Context, expr string, kind EvaluationKind) (*EvaluationResult, error)
	// CancelAll interrupts whatever the host is currently doing.
	CancelAll(ctx context.Context) error
	// Quit asks the host to exit gracefully.
	Quit(ctx context.Context) error
	// Disconnect drops the channel, signalling the host to exit.
	Disconnect() error
	// Kill forcibly terminates the host.
	Kill() error
}

// Launcher starts or attaches to a host and returns a connection to it.
type Launcher interface {
	Launch(ctx context.Context) (Connection, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context) (Connection, error)

// Launch calls f(ctx).
func (f LauncherFunc) Launch(ctx context.Context) (Connection, error) {
	return f(ctx)
}
