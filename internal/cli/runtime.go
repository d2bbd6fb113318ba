package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/hostsession/internal/config"
	"github.com/harun/hostsession/internal/logger"
	"github.com/harun/hostsession/internal/observability"
	"github.com/harun/hostsession/internal/tracing"
	"github.com/harun/hostsession/pkg/debugger"
	"github.com/harun/hostsession/pkg/history"
	"github.com/harun/hostsession/pkg/host"
	"github.com/harun/hostsession/pkg/host/hosttest"
	"github.com/harun/hostsession/pkg/session"
	"github.com/rs/zerolog"
)

// runtime wires a session, its debugger and the ambient services from the
// loaded configuration.
type runtime struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger

	session  *session.Session
	debugger *debugger.Debugger
	history  *history.Store
	cleanup  *history.Cleanup
	watcher  *debugger.SourceWatcher
	metrics  *http.Server

	// scripted is set when no host binary is configured.
	scripted *hosttest.Host
}

// loadConfig loads the config file and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if hostPath != "" {
		cfg.Host.Path = hostPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newRuntime(stderr io.Writer) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Output:    stderr,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	rt := &runtime{cfg: cfg, log: lg, logger: lg.GetZerolog()}
	if err := rt.init(); err != nil {
		rt.close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) init() error {
	cfg := rt.cfg

	if cfg.Logging.AuditFile != "" {
		if err := observability.Audit().Open(cfg.Logging.AuditFile); err != nil {
			return err
		}
	}
	traceOpts := tracing.Options{ServiceName: "hostsession"}
	if cfg.Logging.TraceSpans {
		spanLogger := rt.logger.With().Str("component", "tracing").Logger()
		traceOpts.SpanLogger = &spanLogger
	}
	if err := tracing.InitOpenTelemetry(traceOpts); err != nil {
		rt.logger.Warn().Err(err).Msg("Tracing disabled")
	}

	launcher, err := rt.launcher()
	if err != nil {
		return err
	}

	rt.session, err = session.New(session.Config{
		HostVersion:       cfg.Host.VersionConstraint,
		QuitTimeout:       cfg.Session.QuitTimeout(),
		DisconnectTimeout: cfg.Session.DisconnectTimeout(),
		KillTimeout:       cfg.Session.KillTimeout(),
	}, launcher, rt.log.Component("session"))
	if err != nil {
		return err
	}
	rt.debugger = debugger.New(rt.session, debugger.Config{
		ReapplyTimeout: cfg.Debugger.ReapplyTimeout(),
	}, rt.log.Component("debugger"))

	if cfg.History.Enabled {
		rt.history, err = history.New(cfg.History.Dir)
		if err != nil {
			return err
		}
		rt.cleanup = history.NewCleanup(rt.history, cfg.History.MaxAge())
		rt.cleanup.SetMaxEntries(cfg.History.MaxEntries)
		if cfg.History.CleanupSchedule != "" {
			if err := rt.cleanup.SetSchedule(cfg.History.CleanupSchedule); err != nil {
				return err
			}
		}
		if err := rt.cleanup.Start(); err != nil {
			return err
		}
	}

	if cfg.Metrics.Addr != "" {
		rt.serveMetrics()
	}
	return nil
}

func (rt *runtime) launcher() (host.Launcher, error) {
	cfg := rt.cfg
	if cfg.Host.Path == "" {
		dir := cfg.Session.WorkingDirectory
		if dir == "" {
			dir = "."
		}
		files, err := loadScripts(dir)
		if err != nil {
			return nil, err
		}
		rt.scripted = hosttest.New(hosttest.Options{Files: files})
		rt.logger.Info().Int("scripts", len(files)).Msg("Using the built-in scripted host")
		return rt.scripted, nil
	}

	return &host.ProcessLauncher{
		Path:           cfg.Host.Path,
		Args:           cfg.Host.Args,
		Env:            cfg.Host.Env,
		Dir:            cfg.Host.Dir,
		Port:           cfg.Host.Port,
		ConnectTimeout: cfg.Host.ConnectTimeout(),
		Logger:         rt.logger,
	}, nil
}

// loadScripts reads the script files in dir so the scripted host can source
// them by base name.
func loadScripts(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read scripts: %w", err)
	}
	files := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".r") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read script %s: %w", e.Name(), err)
		}
		files[e.Name()] = string(data)
	}
	return files, nil
}

// reloadScripts refreshes the scripted host's copies of the script files.
func (rt *runtime) reloadScripts() (int, error) {
	if rt.scripted == nil {
		return 0, fmt.Errorf("scripts are only reloaded for the built-in host")
	}
	dir := rt.cfg.Session.WorkingDirectory
	if dir == "" {
		dir = "."
	}
	files, err := loadScripts(dir)
	if err != nil {
		return 0, err
	}
	for name, content := range files {
		rt.scripted.SetFile(name, content)
	}
	return len(files), nil
}

func (rt *runtime) serveMetrics() {
	path := rt.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, observability.MetricsHandler())
	rt.metrics = &http.Server{
		Addr:              rt.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error().Err(err).Str("addr", rt.cfg.Metrics.Addr).Msg("Metrics server failed")
		}
	}()
	rt.logger.Info().Str("addr", rt.cfg.Metrics.Addr).Str("path", path).Msg("Serving metrics")
}

// start launches the host, restores saved breakpoints and starts watching
// source directories.
func (rt *runtime) start(ctx context.Context) error {
	cfg := rt.cfg
	if err := rt.session.StartHost(ctx, session.StartOptions{
		WorkingDirectory: cfg.Session.WorkingDirectory,
		GraphicsDevice:   cfg.Session.GraphicsDevice,
		CRANMirror:       cfg.Session.CRANMirror,
		HelpType:         cfg.Session.HelpType,
		Bootstrap:        cfg.Session.Bootstrap,
	}); err != nil {
		return err
	}

	if cfg.Debugger.BreakpointsFile != "" {
		bps, err := rt.debugger.LoadBreakpoints(ctx, cfg.Debugger.BreakpointsFile)
		if err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to restore breakpoints")
		} else if len(bps) > 0 {
			rt.logger.Info().Int("breakpoints", len(bps)).Msg("Breakpoints restored")
		}
	}

	if len(cfg.Debugger.WatchDirs) > 0 {
		w, err := debugger.NewSourceWatcher(rt.debugger, rt.logger)
		if err != nil {
			return err
		}
		rt.watcher = w
		for _, dir := range cfg.Debugger.WatchDirs {
			if err := w.Watch(dir); err != nil {
				rt.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
			}
		}
	}
	return nil
}

// close stops the host and releases everything newRuntime acquired.
func (rt *runtime) close(ctx context.Context) {
	if rt.watcher != nil {
		_ = rt.watcher.Stop()
	}
	if rt.debugger != nil {
		if path := rt.cfg.Debugger.BreakpointsFile; path != "" {
			if err := rt.debugger.SaveBreakpoints(path); err != nil {
				rt.logger.Warn().Err(err).Msg("Failed to save breakpoints")
			}
		}
		rt.debugger.Close()
	}
	if rt.session != nil {
		if err := rt.session.StopHost(ctx); err != nil && !errors.Is(err, host.ErrNotRunning) {
			rt.logger.Warn().Err(err).Msg("Failed to stop host")
		}
		_ = rt.session.Close()
	}
	if rt.cleanup != nil && rt.cleanup.IsRunning() {
		_ = rt.cleanup.Stop()
	}
	if rt.history != nil {
		_ = rt.history.Close()
	}
	if rt.metrics != nil {
		_ = rt.metrics.Shutdown(ctx)
	}
	_ = tracing.ShutdownOpenTelemetry(ctx)
	if rt.cfg.Logging.AuditFile != "" {
		_ = observability.Audit().Close()
	}
	_ = rt.log.Close()
}

// shutdownTimeout bounds close: the full stop escalation plus a margin for
// the ambient services.
func (rt *runtime) shutdownTimeout() time.Duration {
	s := rt.cfg.Session
	return s.QuitTimeout() + s.DisconnectTimeout() + s.KillTimeout() + 5*time.Second
}
