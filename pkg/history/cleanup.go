package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAge     = 30 * 24 * time.Hour
	DefaultMaxEntries = 1000
	DefaultSchedule   = "@daily"
)

// Cleanup deletes stale history logs and trims long ones.
type Cleanup struct {
	store      *Store
	maxAge     time.Duration
	maxEntries int
	schedule   string

	mu        sync.Mutex
	scheduler *cron.Cron
}

// NewCleanup creates a cleanup handler. A zero maxAge uses DefaultMaxAge.
func NewCleanup(store *Store, maxAge time.Duration) *Cleanup {
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}

	return &Cleanup{
		store:      store,
		maxAge:     maxAge,
		maxEntries: DefaultMaxEntries,
		schedule:   DefaultSchedule,
	}
}

// SetSchedule sets the cron expression passes run on. It takes effect on the
// next Start.
func (c *Cleanup) SetSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", expr, err)
	}
	c.mu.Lock()
	c.schedule = expr
	c.mu.Unlock()
	return nil
}

func (c *Cleanup) Schedule() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schedule
}

// Start runs a cleanup pass now and then on the schedule until Stop.
func (c *Cleanup) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scheduler != nil {
		return fmt.Errorf("cleanup is already running")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(c.schedule, c.pass); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.schedule, err)
	}
	scheduler.Start()
	c.scheduler = scheduler
	go c.pass()

	log.Debug().
		Dur("max_age", c.maxAge).
		Int("max_entries", c.maxEntries).
		Str("schedule", c.schedule).
		Msg("History cleanup started")

	return nil
}

// Stop stops the schedule and waits for a running pass to finish.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	scheduler := c.scheduler
	c.scheduler = nil
	c.mu.Unlock()
	if scheduler == nil {
		return fmt.Errorf("cleanup is not running")
	}

	<-scheduler.Stop().Done()
	return nil
}

func (c *Cleanup) pass() {
	if _, err := c.CleanupNow(); err != nil {
		log.Error().Err(err).Msg("Failed to clean up history")
	}
}

// CleanupNow runs one pass and returns the number of logs deleted.
func (c *Cleanup) CleanupNow() (int, error) {
	ids, err := c.store.List()
	if err != nil {
		return 0, fmt.Errorf("failed to list history: %w", err)
	}

	ctx := context.Background()
	c.mu.Lock()
	maxAge, maxEntries := c.maxAge, c.maxEntries
	c.mu.Unlock()

	now := time.Now()
	deleted := 0
	for _, id := range ids {
		info, err := c.store.Stat(ctx, id)
		if err != nil {
			log.Warn().Str("session_id", id).Err(err).Msg("Failed to stat history")
			continue
		}

		if age := now.Sub(info.LastModified); age >= maxAge {
			if err := c.store.Delete(ctx, id); err != nil {
				log.Error().Str("session_id", id).Err(err).Msg("Failed to delete history")
				continue
			}
			deleted++
			continue
		}

		if maxEntries > 0 && info.Entries > maxEntries {
			if err := c.prune(ctx, id, maxEntries); err != nil {
				log.Warn().Str("session_id", id).Err(err).Msg("Failed to prune history")
			}
		}
	}

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Cleaned up old history")
	}
	return deleted, nil
}

func (c *Cleanup) prune(ctx context.Context, id string, maxEntries int) error {
	entries, err := c.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if len(entries) <= maxEntries {
		return nil
	}

	kept := entries[len(entries)-maxEntries:]
	if err := c.store.Replace(id, kept); err != nil {
		return err
	}

	log.Debug().
		Str("session_id", id).
		Int("from_entries", len(entries)).
		Int("to_entries", len(kept)).
		Msg("History pruned")
	return nil
}

// IsRunning reports whether the cleanup loop is running.
func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler != nil
}

func (c *Cleanup) MaxAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxAge
}

func (c *Cleanup) SetMaxAge(age time.Duration) {
	c.mu.Lock()
	c.maxAge = age
	c.mu.Unlock()
}

func (c *Cleanup) MaxEntries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxEntries
}

// SetMaxEntries bounds entries kept per log. Zero disables pruning.
func (c *Cleanup) SetMaxEntries(n int) {
	c.mu.Lock()
	c.maxEntries = n
	c.mu.Unlock()
}
