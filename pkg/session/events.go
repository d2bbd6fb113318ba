package session

import (
	"context"

	"github.com/harun/hostsession/pkg/host"
)

// EventType identifies a session notification.
type EventType string

const (
	EventBeforeRequest    EventType = "before_request"
	EventAfterRequest     EventType = "after_request"
	EventMutated          EventType = "mutated"
	EventOutput           EventType = "output"
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventBusy             EventType = "busy"
	EventDirectoryChanged EventType = "directory_changed"
	EventPlot             EventType = "plot"
	EventBrowser          EventType = "browser"
	EventMessage          EventType = "message"
)

// Event is a session notification. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	// Prompt is set for before_request and after_request.
	Prompt *Prompt

	// Text carries output text, a directory, a plot path, a URL or a message.
	Text   string
	Stream host.OutputStream

	Info host.Info
	Busy bool
	Err  error
}

// Handler receives session events. Handlers run synchronously on the
// goroutine that raised the event and must not block on the session.
type Handler func(Event)

// UIHandler answers host callbacks that need a user decision.
type UIHandler interface {
	YesNoCancel(ctx context.Context, question string) (host.Answer, error)
	ShowMessage(ctx context.Context, message string) error
}

// cancelUI answers every question with Cancel.
type cancelUI struct{}

func (cancelUI) YesNoCancel(context.Context, string) (host.Answer, error) {
	return host.AnswerCancel, nil
}

func (cancelUI) ShowMessage(context.Context, string) error { return nil }

type subscription struct {
	id      uint64
	handler Handler
}

// On registers handler for events of type t and returns a function that
// removes it.
func (s *Session) On(t EventType, handler Handler) func() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.subSeq++
	id := s.subSeq
	s.handlers[t] = append(s.handlers[t], subscription{id: id, handler: handler})

	return func() {
		s.eventMu.Lock()
		defer s.eventMu.Unlock()
		subs := s.handlers[t]
		for i, sub := range subs {
			if sub.id == id {
				s.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// emit delivers an event synchronously to all registered handlers.
func (s *Session) emit(event Event) {
	s.eventMu.RLock()
	subs := s.handlers[event.Type]
	s.eventMu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}
