// Package history keeps the console input submitted to a host session in
// JSONL files, one file per session.
//
// Invariants:
// - Session ids are validated and path-safe.
// - Writes for the same session are serialized.
// - Unparseable lines are skipped on load and dropped by Repair.
//
// Usage:
//
//	store, _ := history.New("/tmp/hostsession/history")
//	_ = store.Append(ctx, "a1b2", history.Entry{Input: "x <- 1", Prompt: "> "})
//	recent, _ := store.Recent(ctx, "a1b2", 20)
//	_ = recent
package history
