package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/hostsession/internal/observability"
	"github.com/harun/hostsession/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "hostsession.history"

// Entry is one line of console input sent to the host.
type Entry struct {
	SessionID string    `json:"session_id"`
	Input     string    `json:"input"`
	Prompt    string    `json:"prompt,omitempty"`
	Browse    bool      `json:"browse,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Info describes a history log on disk.
type Info struct {
	SessionID    string
	Size         int64
	LastModified time.Time
	Entries      int
}

// Store persists console history as JSONL.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// New creates a Store rooted at dir, creating it if needed. An empty dir
// defaults to ~/.hostsession/history.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".hostsession", "history")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Debug().Str("dir", dir).Msg("History store initialized")
	s.updateLogsMetric()

	return s, nil
}

// Dir returns the directory holding the logs.
func (s *Store) Dir() string {
	return s.dir
}

func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

func (s *Store) updateLogsMetric() {
	ids, err := s.List()
	if err != nil {
		return
	}
	observability.SetHistoryLogs(len(ids))
}

func (s *Store) writeLock(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[id] = lock
	return lock
}

func (s *Store) releaseWriteLock(id string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, id)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append adds entry to the session's log. Entries with blank input are
// ignored.
func (s *Store) Append(ctx context.Context, id string, entry Entry) error {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "history.append",
		attribute.String("session_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordHistoryAppend(time.Since(start))
	}()

	if err := validateSessionID(id); err != nil {
		return fail(span, err)
	}
	if strings.TrimSpace(entry.Input) == "" {
		return nil
	}
	entry.SessionID = id
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	_, statErr := os.Stat(s.path(id))
	file, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fail(span, fmt.Errorf("failed to open history file: %w", err))
	}
	defer file.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fail(span, fmt.Errorf("failed to marshal entry: %w", err))
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fail(span, fmt.Errorf("failed to write entry: %w", err))
	}
	if err := file.Sync(); err != nil {
		return fail(span, fmt.Errorf("failed to sync file: %w", err))
	}

	if os.IsNotExist(statErr) {
		s.updateLogsMetric()
	}
	logger.Debug().Bool("browse", entry.Browse).Msg("History entry appended")
	return nil
}

// Load returns every valid entry of the session's log in order. A missing
// log yields no entries.
func (s *Store) Load(ctx context.Context, id string) ([]Entry, error) {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "history.load",
		attribute.String("session_id", id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordHistoryLoad(time.Since(start))
	}()

	if err := validateSessionID(id); err != nil {
		return nil, fail(span, err)
	}

	file, err := os.Open(s.path(id))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to open history file: %w", err))
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse history line, skipping")
			continue
		}
		if entry.Input == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid history entry, skipping")
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("failed to read history file: %w", err))
	}

	span.SetAttributes(attribute.Int("entries", len(entries)))
	return entries, nil
}

// Recent returns at most n of the latest entries, oldest first.
func (s *Store) Recent(ctx context.Context, id string, n int) ([]Entry, error) {
	entries, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Delete removes the session's log.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx = tracing.WithSessionID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "history.delete",
		attribute.String("session_id", id),
	)
	defer span.End()

	if err := validateSessionID(id); err != nil {
		return fail(span, err)
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fail(span, fmt.Errorf("failed to delete history file: %w", err))
	}
	s.releaseWriteLock(id)
	s.updateLogsMetric()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Msg("History deleted")
	return nil
}

// List returns the ids of every session with a log.
func (s *Store) List() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var ids []string
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".jsonl"))
	}
	return ids, nil
}

// Replace atomically rewrites the session's log with entries.
func (s *Store) Replace(id string, entries []Entry) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	lock := s.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(id)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(file)
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err == nil {
			_, err = w.Write(append(data, '\n'))
		}
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write entries: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace history file: %w", err)
	}
	return nil
}

// Repair rewrites the session's log keeping only parseable entries.
func (s *Store) Repair(ctx context.Context, id string) error {
	entries, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Replace(id, entries); err != nil {
		return err
	}

	log.Info().
		Str("session_id", id).
		Int("entries", len(entries)).
		Msg("History repaired")
	return nil
}

// Stat describes the session's log.
func (s *Store) Stat(ctx context.Context, id string) (Info, error) {
	if err := validateSessionID(id); err != nil {
		return Info{}, err
	}

	fi, err := os.Stat(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("no history for session %s", id)
		}
		return Info{}, fmt.Errorf("failed to stat history file: %w", err)
	}

	entries, err := s.Load(ctx, id)
	if err != nil {
		return Info{}, err
	}

	return Info{
		SessionID:    id,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		Entries:      len(entries),
	}, nil
}

// Close drops the per-session write locks.
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return nil
}
