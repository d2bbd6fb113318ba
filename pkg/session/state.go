package session

import (
	"unicode/utf8"

	"github.com/harun/hostsession/pkg/host"
)

// State is the lifecycle state of a session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateBusy
	StateDisconnected
	StateClosed
)

var stateNames = []string{"uninitialized", "initializing", "ready", "busy", "disconnected", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// running reports whether a host is attached.
func (s State) running() bool {
	return s == StateInitializing || s == StateReady || s == StateBusy
}

// Prompt describes the console read the host is waiting on.
type Prompt struct {
	Text              string
	MaxLength         int
	AddToHistory      bool
	EvaluationAllowed bool
	Contexts          []host.Context
}

// IsBrowse reports whether this is a nested debugger prompt.
func (p Prompt) IsBrowse() bool {
	return host.IsBrowse(p.Contexts)
}

func promptFrom(req host.ReadConsoleRequest) Prompt {
	return Prompt{
		Text:              req.Prompt,
		MaxLength:         req.MaxLength,
		AddToHistory:      req.AddToHistory,
		EvaluationAllowed: req.EvaluationAllowed,
		Contexts:          append([]host.Context(nil), req.Contexts...),
	}
}

// fitAnswer makes text a single console line that is strictly shorter than
// maxLength including its trailing newline. It never splits a UTF-8 sequence.
// A maxLength of 1 cannot be met; readConsole rejects such reads.
func fitAnswer(text string, maxLength int) string {
	if n := len(text); n > 0 && text[n-1] == '\n' {
		text = text[:n-1]
	}
	if limit := maxLength - 2; maxLength > 0 && len(text) > limit {
		if limit < 0 {
			limit = 0
		}
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text + "\n"
}
