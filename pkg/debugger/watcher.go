package debugger

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SourceWatcher reinstalls breakpoints when a source file that has some is
// rewritten, since the host drops traps from code it loads again.
type SourceWatcher struct {
	d        *Debugger
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	once   sync.Once
}

// NewSourceWatcher creates a watcher for d. Call Watch for each directory of
// interest and Stop when done.
func NewSourceWatcher(d *Debugger, logger zerolog.Logger) (*SourceWatcher, error) {
	return newSourceWatcher(d, logger, 300*time.Millisecond)
}

func newSourceWatcher(d *Debugger, logger zerolog.Logger, debounce time.Duration) (*SourceWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	sw := &SourceWatcher{
		d:        d,
		watcher:  watcher,
		logger:   logger.With().Str("component", "source_watcher").Logger(),
		debounce: debounce,
		timeout:  d.cfg.ReapplyTimeout,
		stopCh:   make(chan struct{}),
	}

	go sw.run()

	return sw, nil
}

// Watch starts watching a directory.
func (sw *SourceWatcher) Watch(path string) error {
	return sw.watcher.Add(path)
}

// Stop stops the watcher.
func (sw *SourceWatcher) Stop() error {
	var err error
	sw.once.Do(func() {
		close(sw.stopCh)
		err = sw.watcher.Close()
		sw.mu.Lock()
		if sw.timer != nil {
			sw.timer.Stop()
		}
		sw.mu.Unlock()
	})
	return err
}

func (sw *SourceWatcher) run() {
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !sw.hasBreakpoints(event.Name) {
				continue
			}
			sw.logger.Debug().
				Str("file", filepath.Base(event.Name)).
				Str("op", event.Op.String()).
				Msg("Source with breakpoints changed")
			sw.scheduleReapply()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Error().Err(err).Msg("Source watcher error")

		case <-sw.stopCh:
			return
		}
	}
}

// hasBreakpoints matches by path, or by base name for breakpoints recorded
// with a relative file name.
func (sw *SourceWatcher) hasBreakpoints(name string) bool {
	clean := filepath.Clean(name)
	for _, bp := range sw.d.Breakpoints() {
		file := bp.Location().File
		if filepath.Clean(file) == clean {
			return true
		}
		if !filepath.IsAbs(file) && filepath.Base(file) == filepath.Base(clean) {
			return true
		}
	}
	return false
}

// scheduleReapply debounces bursts of writes into one reapply.
func (sw *SourceWatcher) scheduleReapply() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.debounce, func() {
		select {
		case <-sw.stopCh:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), sw.timeout)
		defer cancel()
		if err := sw.d.ReapplyBreakpoints(ctx); err != nil {
			sw.logger.Warn().Err(err).Msg("Failed to reapply breakpoints after source change")
		}
	})
}
