package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Message types on the wire.
const (
	MessageRequest      = "request"
	MessageResponse     = "response"
	MessageNotification = "notification"
)

// Methods issued by the host.
const (
	MethodHello        = "hello"
	MethodConsoleRead  = "console.read"
	MethodConsoleWrite = "console.write"
	MethodYesNoCancel  = "dialog.yesno"
	MethodShowMessage  = "dialog.message"
	MethodBusy         = "busy"
	MethodDirectory    = "directory"
	MethodPlot         = "plot"
	MethodBrowseURL    = "browse_url"
)

// MethodCancel is a notification either side sends to abandon the request
// carrying the same ID.
const MethodCancel = "cancel"

// Methods issued by the client.
const (
	MethodEvaluate  = "evaluate"
	MethodCancelAll = "cancel_all"
	MethodQuit      = "quit"
)

// Message is one frame of the host wire protocol. Both sides may issue
// requests; responses carry the ID of the request they answer.
type Message struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is an error reported in a response.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("host error %s: %s", e.Code, e.Message)
}

// Wire error codes
const (
	CodeCancelled = "cancelled"
	CodeFailed    = "failed"
	CodeUnknown   = "unknown_method"
)

type consoleWrite struct {
	Text   string `json:"text"`
	Stream string `json:"stream"`
}

type consoleReadResult struct {
	Text string `json:"text"`
}

type evaluateParams struct {
	Expression string `json:"expression"`
	Kind       int    `json:"kind"`
}

type textParams struct {
	Text string `json:"text"`
}

type busyParams struct {
	Busy bool `json:"busy"`
}

type answerResult struct {
	Answer string `json:"answer"`
}

// WebSocketConnection is a Connection over a websocket to the host.
type WebSocketConnection struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	// cancelGrace bounds the wait for the host to settle a request the
	// caller abandoned.
	cancelGrace time.Duration

	mu       sync.Mutex
	pending  map[string]chan *Message
	inflight map[string]context.CancelFunc
	process  *Process
	closed   bool
	done     chan struct{}
	closeErr error
}

// NewWebSocketConnection wraps an established websocket.
func NewWebSocketConnection(conn *websocket.Conn, logger zerolog.Logger) *WebSocketConnection {
	return &WebSocketConnection{
		conn:        conn,
		logger:      logger.With().Str("component", "host-transport").Logger(),
		pending:     make(map[string]chan *Message),
		inflight:    make(map[string]context.CancelFunc),
		done:        make(chan struct{}),
		cancelGrace: 5 * time.Second,
	}
}

// Dial connects to a host listening at url.
func Dial(ctx context.Context, url string, header http.Header, logger zerolog.Logger) (*WebSocketConnection, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial host at %s: %w", url, err)
	}
	return NewWebSocketConnection(conn, logger), nil
}

// AttachProcess binds the host process so Kill can terminate it.
func (c *WebSocketConnection) AttachProcess(p *Process) {
	c.mu.Lock()
	c.process = p
	c.mu.Unlock()
}

// Run implements Connection.
func (c *WebSocketConnection) Run(ctx context.Context, cb Callbacks) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-runCtx.Done():
			c.shutdown(ctx.Err())
		case <-c.done:
		}
	}()

	var runErr error
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			runErr = c.readError(err)
			break
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed host message")
			continue
		}

		if err := c.dispatch(runCtx, cb, &msg); err != nil {
			runErr = err
			break
		}
	}

	c.shutdown(runErr)
	cb.Disconnected(runErr)
	return runErr
}

func (c *WebSocketConnection) readError(err error) error {
	c.mu.Lock()
	closed := c.closed
	closeErr := c.closeErr
	c.mu.Unlock()
	if closed {
		return closeErr
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrHostDisconnected, err)
}

func (c *WebSocketConnection) dispatch(ctx context.Context, cb Callbacks, msg *Message) error {
	switch msg.Type {
	case MessageResponse:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("id", msg.ID).Msg("Response for unknown request")
			return nil
		}
		ch <- msg
		return nil

	case MessageRequest:
		reqCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.inflight[msg.ID] = cancel
		c.mu.Unlock()
		go c.serve(reqCtx, cb, msg)
		return nil

	case MessageNotification:
		return c.notify(cb, msg)
	}

	c.logger.Warn().Str("type", msg.Type).Msg("Unknown host message type")
	return nil
}

func (c *WebSocketConnection) notify(cb Callbacks, msg *Message) error {
	switch msg.Method {
	case MethodHello:
		var info Info
		if err := json.Unmarshal(msg.Params, &info); err != nil {
			return NewProtocolError("hello", "malformed handshake: %v", err)
		}
		return cb.Connected(info)
	case MethodConsoleWrite:
		var p consoleWrite
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			stream := StreamOutput
			if p.Stream == StreamError.String() {
				stream = StreamError
			}
			cb.WriteConsole(p.Text, stream)
		}
	case MethodBusy:
		var p busyParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			cb.Busy(p.Busy)
		}
	case MethodDirectory:
		var p textParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			cb.DirectoryChanged(p.Text)
		}
	case MethodPlot:
		var p textParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			cb.PlotProduced(p.Text)
		}
	case MethodBrowseURL:
		var p textParams
		if err := json.Unmarshal(msg.Params, &p); err == nil {
			cb.ViewURL(p.Text)
		}
	case MethodCancel:
		c.mu.Lock()
		cancel, ok := c.inflight[msg.ID]
		c.mu.Unlock()
		if ok {
			cancel()
		}
	default:
		c.logger.Debug().Str("method", msg.Method).Msg("Ignoring unknown host notification")
	}
	return nil
}

// serve answers one host-issued request.
func (c *WebSocketConnection) serve(ctx context.Context, cb Callbacks, msg *Message) {
	defer func() {
		c.mu.Lock()
		if cancel, ok := c.inflight[msg.ID]; ok {
			cancel()
			delete(c.inflight, msg.ID)
		}
		c.mu.Unlock()
	}()

	var (
		result interface{}
		err    error
	)
	switch msg.Method {
	case MethodConsoleRead:
		var req ReadConsoleRequest
		if err = json.Unmarshal(msg.Params, &req); err != nil {
			break
		}
		var text string
		text, err = cb.ReadConsole(ctx, req)
		result = consoleReadResult{Text: text}
	case MethodYesNoCancel:
		var p textParams
		if err = json.Unmarshal(msg.Params, &p); err != nil {
			break
		}
		var answer Answer
		answer, err = cb.YesNoCancel(ctx, p.Text)
		result = answerResult{Answer: answerNames[answer]}
	case MethodShowMessage:
		var p textParams
		if err = json.Unmarshal(msg.Params, &p); err != nil {
			break
		}
		err = cb.ShowMessage(ctx, p.Text)
		result = struct{}{}
	default:
		err = &WireError{Code: CodeUnknown, Message: msg.Method}
	}

	reply := &Message{Type: MessageResponse, ID: msg.ID}
	if err != nil {
		code := CodeFailed
		var we *WireError
		switch {
		case errors.As(err, &we):
			code = we.Code
		case IsCancellation(err):
			code = CodeCancelled
		}
		reply.Error = &WireError{Code: code, Message: err.Error()}
	} else {
		reply.Result, err = json.Marshal(result)
		if err != nil {
			reply.Error = &WireError{Code: CodeFailed, Message: err.Error()}
		}
	}
	if err := c.write(reply); err != nil {
		c.logger.Debug().Err(err).Str("method", msg.Method).Msg("Failed to answer host request")
	}
}

var answerNames = map[Answer]string{
	AnswerCancel: "cancel",
	AnswerYes:    "yes",
	AnswerNo:     "no",
}

func (c *WebSocketConnection) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// call issues a request and waits for its response.
func (c *WebSocketConnection) call(ctx context.Context, method string, params interface{}) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate request id: %w", err)
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrHostDisconnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(&Message{Type: MessageRequest, ID: id, Method: method, Params: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrHostDisconnected, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrHostDisconnected
		}
		if resp.Error != nil {
			if resp.Error.Code == CodeCancelled {
				return nil, ErrCancelled
			}
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		c.abandon(id, method, ch)
		return nil, ctx.Err()
	}
}

// Evaluate implements Connection.
func (c *WebSocketConnection) Evaluate(ctx context.Context, expr string, kind EvaluationKind) (*EvaluationResult, error) {
	resp, err := c.call(ctx, MethodEvaluate, evaluateParams{Expression: expr, Kind: int(kind)})
	if err != nil {
		return nil, err
	}
	var res EvaluationResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, NewProtocolError("evaluate", "malformed evaluation result: %v", err)
	}
	if res.ParseStatus == "" {
		return nil, NewProtocolError("parse_status", "missing parse status for %q", expr)
	}
	return &res, nil
}

// CancelAll implements Connection.
func (c *WebSocketConnection) CancelAll(ctx context.Context) error {
	_, err := c.call(ctx, MethodCancelAll, struct{}{})
	return err
}

// Quit implements Connection. The host exits on its own schedule.
func (c *WebSocketConnection) Quit(ctx context.Context) error {
	return c.write(&Message{Type: MessageNotification, Method: MethodQuit})
}

// Disconnect implements Connection.
func (c *WebSocketConnection) Disconnect() error {
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnect"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(ErrHostDisconnected)
	return err
}

// Kill implements Connection.
func (c *WebSocketConnection) Kill() error {
	c.mu.Lock()
	p := c.process
	c.mu.Unlock()
	c.shutdown(ErrHostDisconnected)
	if p != nil {
		return p.Kill()
	}
	return nil
}

// shutdown closes the socket once and fails every pending request.
func (c *WebSocketConnection) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]chan *Message)
	for _, cancel := range c.inflight {
		cancel()
	}
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = c.conn.Close()
}

// abandon asks the host to cancel request id and waits for it to settle, so
// the host is idle again before the caller's turn ends. A host that does not
// answer within cancelGrace is left running the request.
func (c *WebSocketConnection) abandon(id, method string, ch chan *Message) {
	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}
	if err := c.write(&Message{Type: MessageNotification, ID: id, Method: MethodCancel}); err != nil {
		forget()
		return
	}

	timer := time.NewTimer(c.cancelGrace)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		forget()
		c.logger.Warn().Str("id", id).Str("method", method).Msg("Host did not settle a cancelled request")
	}
}
