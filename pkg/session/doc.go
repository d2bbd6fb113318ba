// Package session multiplexes many callers onto one interpreter host.
//
// The host handles one call at a time and asks for console input whenever it
// is idle. Callers queue for either an interaction (a turn answering the
// console prompt) or an evaluation (an out-of-band turn that runs while the
// host is parked at a prompt).
//
// Invariants:
//   - Interactions are served strictly FIFO; at most one is current.
//   - Evaluations queued before a prompt begins run before that prompt's answer
//     is returned to the host.
//   - Answers are a single line strictly shorter than the prompt's max length.
//   - CancelAll is the only operation that interrupts the host.
//
// Usage:
//
//	s, _ := session.New(session.DefaultConfig(), launcher, log.Logger)
//	_ = s.StartHost(ctx, session.StartOptions{WorkingDirectory: "/tmp"})
//	res, _ := s.Evaluate(ctx, "1 + 1", host.KindNormal)
//	i, _ := s.BeginInteraction(ctx, true)
//	_ = i.Respond("x <- 42")
package session
