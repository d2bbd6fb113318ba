package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/hostsession/internal/tracing"
	"github.com/harun/hostsession/pkg/host"
	"go.opentelemetry.io/otel/attribute"
)

// Interaction is a turn at the console. It becomes current when the host
// reaches a console read and every earlier interaction has been served.
type Interaction struct {
	s       *Session
	id      string
	ctx     context.Context
	visible bool
	queued  time.Time

	granted chan struct{}
	prompt  Prompt

	answer   chan string
	declined chan struct{}
	decline  sync.Once

	done chan struct{}
	once sync.Once
	err  error
}

func (i *Interaction) enqueuedAt() time.Time { return i.queued }

// ID returns the request id.
func (i *Interaction) ID() string { return i.id }

// Visible reports whether the answer should be echoed to the console.
func (i *Interaction) Visible() bool { return i.visible }

// Prompt returns the prompt this interaction answers.
func (i *Interaction) Prompt() Prompt { return i.prompt }

// Respond answers the prompt. It returns once the host has taken the text,
// or with an error if the read was abandoned first.
func (i *Interaction) Respond(text string) error {
	select {
	case i.answer <- text:
		<-i.done
		return i.err
	case <-i.done:
		if i.err != nil {
			return i.err
		}
		return fmt.Errorf("interaction %s already finished: %w", i.id, host.ErrOperationConflict)
	}
}

// Decline gives up the turn without answering; the next queued interaction
// becomes current.
func (i *Interaction) Decline() {
	i.decline.Do(func() { close(i.declined) })
}

// Done is closed once the interaction has been answered, declined or failed.
func (i *Interaction) Done() <-chan struct{} { return i.done }

func (i *Interaction) finish(err error) {
	i.once.Do(func() {
		i.err = err
		close(i.done)
	})
}

// BeginInteraction queues a console turn and waits until it is current. If
// ctx ends while queued the request is withdrawn; if it ends while current,
// the turn passes to the next requestor.
func (s *Session) BeginInteraction(ctx context.Context, visible bool) (*Interaction, error) {
	ctx = tracing.PropagateToRequest(ctx, s.id)
	ctx, span := tracing.StartSpan(ctx, "hostsession.session", "session.begin_interaction",
		attribute.Bool("visible", visible))
	defer span.End()

	i := &Interaction{
		s:        s,
		id:       tracing.GetRequestID(ctx),
		ctx:      ctx,
		visible:  visible,
		queued:   time.Now(),
		granted:  make(chan struct{}),
		answer:   make(chan string),
		declined: make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if err := s.checkRunningLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.interactions.push(i)
	s.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().Bool("visible", visible).Msg("Interaction queued")

	select {
	case <-i.granted:
		return i, nil
	case <-i.done:
		return nil, i.err
	case <-ctx.Done():
		s.mu.Lock()
		removed := s.interactions.remove(i)
		s.mu.Unlock()
		err := fmt.Errorf("interaction withdrawn: %w", ctx.Err())
		if !removed {
			// Granted or failed concurrently; the console loop sees ctx and moves on.
			i.Decline()
		}
		i.finish(err)
		return nil, err
	}
}

// serve hands prompt to i and waits for its answer. ok is false if i gave up
// the turn.
func (i *Interaction) serve(readCtx context.Context, prompt Prompt) (string, bool, error) {
	i.prompt = prompt
	close(i.granted)

	select {
	case text := <-i.answer:
		return text, true, nil
	case <-i.declined:
		i.finish(nil)
		return "", false, nil
	case <-i.ctx.Done():
		i.finish(fmt.Errorf("interaction abandoned: %w", i.ctx.Err()))
		return "", false, nil
	case <-readCtx.Done():
		return "", false, readCtx.Err()
	}
}
