package hosttest

import (
	"context"

	"github.com/harun/hostsession/pkg/host"
)

// IdleCallbacks never answers console reads, which leaves the host parked at
// its top-level prompt where it only serves out-of-band evaluations.
type IdleCallbacks struct{}

var _ host.Callbacks = IdleCallbacks{}

func (IdleCallbacks) Connected(host.Info) error { return nil }
func (IdleCallbacks) Disconnected(error)        {}

func (IdleCallbacks) ReadConsole(ctx context.Context, _ host.ReadConsoleRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (IdleCallbacks) WriteConsole(string, host.OutputStream) {}

func (IdleCallbacks) YesNoCancel(context.Context, string) (host.Answer, error) {
	return host.AnswerCancel, nil
}

func (IdleCallbacks) ShowMessage(context.Context, string) error { return nil }
func (IdleCallbacks) Busy(bool)                                 {}
func (IdleCallbacks) DirectoryChanged(string)                   {}
func (IdleCallbacks) PlotProduced(string)                       {}
func (IdleCallbacks) ViewURL(string)                            {}

// StartIdle launches h and runs it with IdleCallbacks until ctx ends. It
// returns once the host is serving evaluations.
func StartIdle(ctx context.Context, h *Host) error {
	conn, err := h.Launch(ctx)
	if err != nil {
		return err
	}
	ready := make(chan struct{})
	go func() {
		_ = conn.Run(ctx, readyCallbacks{ready: ready})
	}()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type readyCallbacks struct {
	IdleCallbacks
	ready chan struct{}
}

func (c readyCallbacks) Connected(host.Info) error {
	close(c.ready)
	return nil
}
