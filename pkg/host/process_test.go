package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testHostEnv = "HOSTSESSION_TEST_HOST"

// TestMain lets the test binary double as a host process.
func TestMain(m *testing.M) {
	switch os.Getenv(testHostEnv) {
	case "serve":
		os.Exit(serveTestHost())
	case "exit":
		os.Exit(3)
	}
	os.Exit(m.Run())
}

// serveTestHost listens on --port, greets the client and exits on quit.
func serveTestHost() int {
	port := 0
	for i := 1; i < len(os.Args)-1; i++ {
		if os.Args[i] == "--port" {
			fmt.Sscanf(os.Args[i+1], "%d", &port)
		}
	}
	if port == 0 {
		return 2
	}

	quit := make(chan struct{})
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hello, _ := json.Marshal(Info{Name: "R", Version: "4.3.1"})
		_ = conn.WriteJSON(Message{Type: MessageNotification, Method: MethodHello, Params: hello})
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Method == MethodQuit {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				close(quit)
				return
			}
		}
	})
	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	<-quit
	time.Sleep(50 * time.Millisecond)
	return 0
}

func testLauncher(mode string) *ProcessLauncher {
	return &ProcessLauncher{
		Path:           os.Args[0],
		Env:            []string{testHostEnv + "=" + mode},
		ConnectTimeout: 10 * time.Second,
		RetryInterval:  20 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
}

func TestProcessLauncher_LaunchAndQuit(t *testing.T) {
	conn, err := testLauncher("serve").Launch(context.Background())
	require.NoError(t, err)
	ws := conn.(*WebSocketConnection)
	require.NotNil(t, ws.process)

	connected := make(chan struct{})
	cb := &mockCallbacks{}
	cb.On("Connected", Info{Name: "R", Version: "4.3.1"}).
		Run(func(mock.Arguments) { close(connected) }).
		Return(nil)
	cb.On("Disconnected", mock.Anything).Return()

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(context.Background(), cb) }()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("host never said hello")
	}

	require.NoError(t, conn.Quit(context.Background()))

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after quit")
	}
	select {
	case <-ws.process.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("host process did not exit")
	}
}

func TestProcessLauncher_Kill(t *testing.T) {
	conn, err := testLauncher("serve").Launch(context.Background())
	require.NoError(t, err)
	ws := conn.(*WebSocketConnection)

	require.NoError(t, conn.Kill())
	select {
	case <-ws.process.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("host process survived Kill")
	}
	assert.NoError(t, ws.process.Kill(), "killing an exited process is a no-op")
}

func TestProcessLauncher_ExitBeforeAccept(t *testing.T) {
	_, err := testLauncher("exit").Launch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessExited))
}

func TestProcessLauncher_MissingBinary(t *testing.T) {
	l := &ProcessLauncher{Path: "/nonexistent/host-binary", Logger: zerolog.Nop()}
	_, err := l.Launch(context.Background())
	assert.Error(t, err)
}
