package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrProcessExited is returned when the host process exits before accepting
// a connection.
var ErrProcessExited = errors.New("host process exited")

// Process is a running host process.
type Process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exited   atomic.Bool
	mu       sync.RWMutex
	exitErr  error
	waitOnce sync.Once
	closers  []io.Closer
}

func startProcess(cmd *exec.Cmd, closers ...io.Closer) (*Process, error) {
	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, fmt.Errorf("start host process: %w", err)
	}
	p := &Process{cmd: cmd, done: make(chan struct{}), closers: closers}
	go p.waitLoop()
	return p, nil
}

func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		for _, c := range p.closers {
			_ = c.Close()
		}
		p.exited.Store(true)
		close(p.done)
	})
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitError returns the error from waiting on the process, if it has exited.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Kill terminates the process. Killing an exited process is a no-op.
func (p *Process) Kill() error {
	if p.exited.Load() || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill host process %d: %w", p.PID(), err)
	}
	return nil
}

// ProcessLauncher starts a host binary that serves the websocket protocol on
// the port passed with --port.
type ProcessLauncher struct {
	Path string
	Args []string
	Env  []string
	Dir  string

	// Port to listen on; 0 picks a free loopback port.
	Port int

	// ConnectTimeout bounds how long to wait for the host to accept.
	ConnectTimeout time.Duration
	RetryInterval  time.Duration

	Logger zerolog.Logger
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context) (Connection, error) {
	port := l.Port
	if port == 0 {
		var err error
		if port, err = freePort(); err != nil {
			return nil, err
		}
	}
	timeout := l.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retry := l.RetryInterval
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}

	args := append(append([]string(nil), l.Args...), "--port", strconv.Itoa(port))
	cmd := exec.Command(l.Path, args...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	logger := l.Logger.With().Str("component", "host-process").Logger()
	stdout := newLineLogger(logger, zerolog.DebugLevel)
	stderr := newLineLogger(logger, zerolog.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	proc, err := startProcess(cmd, stdout, stderr)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("pid", proc.PID()).Int("port", port).Str("path", l.Path).Msg("Host process started")

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	for {
		conn, err := Dial(dialCtx, url, nil, l.Logger)
		if err == nil {
			conn.AttachProcess(proc)
			return conn, nil
		}

		select {
		case <-proc.Done():
			return nil, fmt.Errorf("%w before accepting connections: %v", ErrProcessExited, proc.ExitError())
		case <-dialCtx.Done():
			_ = proc.Kill()
			return nil, fmt.Errorf("host did not accept connections on port %d: %w", port, dialCtx.Err())
		case <-time.After(retry):
			logger.Debug().Err(err).Msg("Host not ready, retrying")
		}
	}
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate host port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// lineLogger forwards process output to the logger one line at a time.
type lineLogger struct {
	pw *io.PipeWriter
}

func newLineLogger(logger zerolog.Logger, level zerolog.Level) *lineLogger {
	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			logger.WithLevel(level).Str("stream", "host").Msg(scanner.Text())
		}
		_, _ = io.Copy(io.Discard, pr)
	}()
	return &lineLogger{pw: pw}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *lineLogger) Close() error {
	return w.pw.Close()
}
