// Package debugger adds breakpoints and stepping on top of a session.
//
// The host only reports that it is waiting at a prompt, possibly a nested
// browse prompt. The debugger inspects each browse prompt, steps over the
// trampoline frames that breakpoint traps introduce, matches the stopped
// location against its breakpoint table and publishes one BrowseEvent.
//
// Invariants:
//   - There is at most one Breakpoint per location.
//   - A breakpoint hit takes precedence over step completion.
//   - Breakpoint hit handlers run before the browse event is published, and
//     the event is published before a pending step resolves.
//   - Stacks are never modified after they are built.
package debugger
