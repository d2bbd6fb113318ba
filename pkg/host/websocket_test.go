package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCallbacks struct {
	mock.Mock
}

func (m *mockCallbacks) Connected(info Info) error {
	args := m.Called(info)
	return args.Error(0)
}

func (m *mockCallbacks) Disconnected(err error) {
	m.Called(err)
}

func (m *mockCallbacks) ReadConsole(ctx context.Context, req ReadConsoleRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockCallbacks) WriteConsole(text string, stream OutputStream) {
	m.Called(text, stream)
}

func (m *mockCallbacks) YesNoCancel(ctx context.Context, question string) (Answer, error) {
	args := m.Called(ctx, question)
	return args.Get(0).(Answer), args.Error(1)
}

func (m *mockCallbacks) ShowMessage(ctx context.Context, message string) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *mockCallbacks) Busy(busy bool)              { m.Called(busy) }
func (m *mockCallbacks) DirectoryChanged(dir string) { m.Called(dir) }
func (m *mockCallbacks) PlotProduced(path string)    { m.Called(path) }
func (m *mockCallbacks) ViewURL(url string)          { m.Called(url) }

// wireHost accepts one websocket connection and hands the server side to the test.
type wireHost struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newWireHost(t *testing.T) *wireHost {
	t.Helper()
	h := &wireHost{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.conns <- conn
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *wireHost) url() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *wireHost) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-h.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func receive(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func params(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func dialWireHost(t *testing.T) (*WebSocketConnection, *websocket.Conn) {
	t.Helper()
	h := newWireHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, h.url(), nil, zerolog.Nop())
	require.NoError(t, err)
	return client, h.accept(t)
}

func TestWebSocketConnection_ConsoleRoundTrip(t *testing.T) {
	client, server := dialWireHost(t)

	cb := &mockCallbacks{}
	cb.On("Connected", Info{Name: "R", Version: "4.3.1"}).Return(nil)
	cb.On("ReadConsole", mock.Anything, mock.MatchedBy(func(req ReadConsoleRequest) bool {
		return req.Prompt == "> " && req.MaxLength == 100 && req.EvaluationAllowed
	})).Return("1+1\n", nil)
	cb.On("WriteConsole", "[1] 2\n", StreamOutput).Return()
	cb.On("Busy", true).Return()
	cb.On("Disconnected", nil).Return()

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(context.Background(), cb) }()

	send(t, server, Message{Type: MessageNotification, Method: MethodHello, Params: params(t, Info{Name: "R", Version: "4.3.1"})})
	send(t, server, Message{Type: MessageRequest, ID: "r1", Method: MethodConsoleRead, Params: params(t, ReadConsoleRequest{
		Prompt:            "> ",
		MaxLength:         100,
		EvaluationAllowed: true,
		Contexts:          []Context{{CallFlag: CallFlagTopLevel}},
	})})

	resp := receive(t, server)
	assert.Equal(t, MessageResponse, resp.Type)
	assert.Equal(t, "r1", resp.ID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"text":"1+1\n"}`, string(resp.Result))

	send(t, server, Message{Type: MessageNotification, Method: MethodBusy, Params: params(t, busyParams{Busy: true})})
	send(t, server, Message{Type: MessageNotification, Method: MethodConsoleWrite, Params: params(t, consoleWrite{Text: "[1] 2\n", Stream: "stdout"})})

	t.Run("evaluate", func(t *testing.T) {
		type outcome struct {
			res *EvaluationResult
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := client.Evaluate(context.Background(), "x", KindJSON)
			done <- outcome{res, err}
		}()

		req := receive(t, server)
		assert.Equal(t, MessageRequest, req.Type)
		assert.Equal(t, MethodEvaluate, req.Method)
		var p evaluateParams
		require.NoError(t, json.Unmarshal(req.Params, &p))
		assert.Equal(t, "x", p.Expression)
		assert.Equal(t, int(KindJSON), p.Kind)

		send(t, server, Message{Type: MessageResponse, ID: req.ID, Result: params(t, EvaluationResult{
			ParseStatus: ParseOK,
			Result:      "[1] 1",
			Structured:  json.RawMessage(`1`),
		})})

		out := <-done
		require.NoError(t, out.err)
		assert.Equal(t, "[1] 1", out.res.Result)
		assert.JSONEq(t, `1`, string(out.res.Structured))
	})

	require.NoError(t, server.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
	cb.AssertExpectations(t)
}

func TestWebSocketConnection_DisconnectFailsPending(t *testing.T) {
	client, server := dialWireHost(t)

	cb := &mockCallbacks{}
	cb.On("Disconnected", mock.Anything).Return()

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(context.Background(), cb) }()

	evalErr := make(chan error, 1)
	go func() {
		_, err := client.Evaluate(context.Background(), "Sys.sleep(10)", KindNormal)
		evalErr <- err
	}()

	req := receive(t, server)
	require.Equal(t, MethodEvaluate, req.Method)
	require.NoError(t, server.UnderlyingConn().Close())

	select {
	case err := <-evalErr:
		assert.ErrorIs(t, err, ErrHostDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending evaluation was not failed")
	}

	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, ErrHostDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	_, err := client.Evaluate(context.Background(), "1", KindNormal)
	assert.ErrorIs(t, err, ErrHostDisconnected)
	cb.AssertCalled(t, "Disconnected", mock.Anything)
}

func TestWebSocketConnection_HostCancelsConsoleRead(t *testing.T) {
	client, server := dialWireHost(t)

	cb := &mockCallbacks{}
	cb.On("ReadConsole", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return("", context.Canceled)
	cb.On("Disconnected", mock.Anything).Return()

	go func() { _ = client.Run(context.Background(), cb) }()

	send(t, server, Message{Type: MessageRequest, ID: "r2", Method: MethodConsoleRead, Params: params(t, ReadConsoleRequest{Prompt: "> ", MaxLength: 10})})
	send(t, server, Message{Type: MessageNotification, ID: "r2", Method: MethodCancel})

	resp := receive(t, server)
	assert.Equal(t, "r2", resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeCancelled, resp.Error.Code)
}

func TestWebSocketConnection_ErrorsAndLifecycle(t *testing.T) {
	client, server := dialWireHost(t)

	cb := &mockCallbacks{}
	cb.On("YesNoCancel", mock.Anything, "Save workspace?").Return(AnswerNo, nil)
	cb.On("Disconnected", mock.Anything).Return()

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(context.Background(), cb) }()

	t.Run("yes/no dialog is answered", func(t *testing.T) {
		send(t, server, Message{Type: MessageRequest, ID: "d1", Method: MethodYesNoCancel, Params: params(t, textParams{Text: "Save workspace?"})})
		resp := receive(t, server)
		assert.Equal(t, "d1", resp.ID)
		assert.JSONEq(t, `{"answer":"no"}`, string(resp.Result))
	})

	t.Run("unknown host request is rejected", func(t *testing.T) {
		send(t, server, Message{Type: MessageRequest, ID: "u1", Method: "frobnicate"})
		resp := receive(t, server)
		require.NotNil(t, resp.Error)
		assert.Equal(t, CodeUnknown, resp.Error.Code)
	})

	t.Run("wire error is returned to the caller", func(t *testing.T) {
		errCh := make(chan error, 1)
		go func() {
			errCh <- client.CancelAll(context.Background())
		}()
		req := receive(t, server)
		assert.Equal(t, MethodCancelAll, req.Method)
		send(t, server, Message{Type: MessageResponse, ID: req.ID, Error: &WireError{Code: CodeFailed, Message: "not interruptible"}})

		err := <-errCh
		var we *WireError
		require.True(t, errors.As(err, &we))
		assert.Equal(t, "not interruptible", we.Message)
	})

	t.Run("missing parse status is a protocol error", func(t *testing.T) {
		errCh := make(chan error, 1)
		go func() {
			_, err := client.Evaluate(context.Background(), "1", KindNormal)
			errCh <- err
		}()
		req := receive(t, server)
		send(t, server, Message{Type: MessageResponse, ID: req.ID, Result: json.RawMessage(`{}`)})

		var pe *ProtocolError
		assert.True(t, errors.As(<-errCh, &pe))
	})

	t.Run("evaluate honours caller cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := client.Evaluate(ctx, "1", KindNormal)
			errCh <- err
		}()
		req := receive(t, server)
		cancel()

		// the host is told and the call waits for it to settle
		note := receive(t, server)
		assert.Equal(t, MessageNotification, note.Type)
		assert.Equal(t, MethodCancel, note.Method)
		assert.Equal(t, req.ID, note.ID)
		select {
		case err := <-errCh:
			t.Fatalf("call returned before the host settled: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		send(t, server, Message{Type: MessageResponse, ID: req.ID, Error: &WireError{Code: CodeCancelled, Message: "interrupted"}})
		select {
		case err := <-errCh:
			assert.True(t, IsCancellation(err))
		case <-time.After(2 * time.Second):
			t.Fatal("call did not return after the host settled")
		}
	})

	t.Run("abandoned call gives up on a silent host", func(t *testing.T) {
		client.cancelGrace = 50 * time.Millisecond
		defer func() { client.cancelGrace = 5 * time.Second }()

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := client.Evaluate(ctx, "Sys.sleep(60)", KindNormal)
			errCh <- err
		}()
		req := receive(t, server)
		cancel()
		assert.Equal(t, req.ID, receive(t, server).ID)

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("call did not give up")
		}

		// a late response is ignored
		send(t, server, Message{Type: MessageResponse, ID: req.ID, Result: json.RawMessage(`{}`)})
	})

	require.NoError(t, client.Quit(context.Background()))
	quit := receive(t, server)
	assert.Equal(t, MessageNotification, quit.Type)
	assert.Equal(t, MethodQuit, quit.Method)

	require.NoError(t, client.Disconnect())
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, ErrHostDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Disconnect")
	}
}
