package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
)

// Config represents the main configuration structure
type Config struct {
	Host     HostConfig     `json:"host" mapstructure:"host"`
	Session  SessionConfig  `json:"session" mapstructure:"session"`
	Debugger DebuggerConfig `json:"debugger" mapstructure:"debugger"`
	History  HistoryConfig  `json:"history" mapstructure:"history"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics  MetricsConfig  `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// HostConfig describes how to launch the interpreter host. An empty Path
// runs the built-in scripted host.
type HostConfig struct {
	Path              string   `json:"path" mapstructure:"path"`
	Args              []string `json:"args" mapstructure:"args"`
	Env               []string `json:"env" mapstructure:"env"`
	Dir               string   `json:"dir" mapstructure:"dir"`
	Port              int      `json:"port" mapstructure:"port"`
	ConnectTimeoutMs  int      `json:"connect_timeout_ms" mapstructure:"connect_timeout_ms"`
	VersionConstraint string   `json:"version_constraint" mapstructure:"version_constraint"`
}

// SessionConfig holds startup options and shutdown timeouts
type SessionConfig struct {
	WorkingDirectory    string   `json:"working_directory" mapstructure:"working_directory"`
	GraphicsDevice      string   `json:"graphics_device" mapstructure:"graphics_device"`
	CRANMirror          string   `json:"cran_mirror" mapstructure:"cran_mirror"`
	HelpType            string   `json:"help_type" mapstructure:"help_type"`
	Bootstrap           []string `json:"bootstrap" mapstructure:"bootstrap"`
	QuitTimeoutMs       int      `json:"quit_timeout_ms" mapstructure:"quit_timeout_ms"`
	DisconnectTimeoutMs int      `json:"disconnect_timeout_ms" mapstructure:"disconnect_timeout_ms"`
	KillTimeoutMs       int      `json:"kill_timeout_ms" mapstructure:"kill_timeout_ms"`
}

// DebuggerConfig holds breakpoint persistence and reapply settings
type DebuggerConfig struct {
	ReapplyTimeoutMs int      `json:"reapply_timeout_ms" mapstructure:"reapply_timeout_ms"`
	BreakpointsFile  string   `json:"breakpoints_file" mapstructure:"breakpoints_file"`
	WatchDirs        []string `json:"watch_dirs" mapstructure:"watch_dirs"`
}

// HistoryConfig holds console history retention
type HistoryConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Dir        string `json:"dir" mapstructure:"dir"`
	MaxEntries int    `json:"max_entries" mapstructure:"max_entries"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`

	// CleanupSchedule is a standard cron expression or descriptor.
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`

	// TraceSpans logs every finished tracing span at debug level.
	TraceSpans bool `json:"trace_spans" mapstructure:"trace_spans"`
}

// MetricsConfig holds the Prometheus endpoint settings. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `json:"addr" mapstructure:"addr"`
	Path string `json:"path" mapstructure:"path"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Host: HostConfig{
			ConnectTimeoutMs: 30000,
		},
		Session: SessionConfig{
			GraphicsDevice:      "pdf",
			HelpType:            "text",
			QuitTimeoutMs:       10000,
			DisconnectTimeoutMs: 5000,
			KillTimeoutMs:       5000,
		},
		Debugger: DebuggerConfig{
			ReapplyTimeoutMs: 5000,
		},
		History: HistoryConfig{
			Enabled:    true,
			MaxEntries: 1000,
			MaxAgeDays: 30,

			CleanupSchedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   false,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (h HostConfig) ConnectTimeout() time.Duration { return millis(h.ConnectTimeoutMs) }

func (s SessionConfig) QuitTimeout() time.Duration       { return millis(s.QuitTimeoutMs) }
func (s SessionConfig) DisconnectTimeout() time.Duration { return millis(s.DisconnectTimeoutMs) }
func (s SessionConfig) KillTimeout() time.Duration       { return millis(s.KillTimeoutMs) }

func (d DebuggerConfig) ReapplyTimeout() time.Duration { return millis(d.ReapplyTimeoutMs) }

func (h HistoryConfig) MaxAge() time.Duration {
	return time.Duration(h.MaxAgeDays) * 24 * time.Hour
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host.VersionConstraint != "" {
		if _, err := semver.NewConstraint(c.Host.VersionConstraint); err != nil {
			return fmt.Errorf("invalid host version constraint %q: %w", c.Host.VersionConstraint, err)
		}
	}
	if c.Host.Port < 0 || c.Host.Port > 65535 {
		return fmt.Errorf("host port out of range: %d", c.Host.Port)
	}
	if c.Host.Path == "" && len(c.Host.Args) > 0 {
		return fmt.Errorf("host args given without host path")
	}

	timeouts := []struct {
		name string
		ms   int
	}{
		{"host.connect_timeout_ms", c.Host.ConnectTimeoutMs},
		{"session.quit_timeout_ms", c.Session.QuitTimeoutMs},
		{"session.disconnect_timeout_ms", c.Session.DisconnectTimeoutMs},
		{"session.kill_timeout_ms", c.Session.KillTimeoutMs},
		{"debugger.reapply_timeout_ms", c.Debugger.ReapplyTimeoutMs},
	}
	for _, t := range timeouts {
		if t.ms <= 0 {
			return fmt.Errorf("%s must be positive, got %d", t.name, t.ms)
		}
	}

	if c.History.MaxEntries < 0 {
		return fmt.Errorf("history.max_entries must be >= 0")
	}
	if c.History.MaxAgeDays < 0 {
		return fmt.Errorf("history.max_age_days must be >= 0")
	}
	if c.History.CleanupSchedule != "" {
		if _, err := cron.ParseStandard(c.History.CleanupSchedule); err != nil {
			return fmt.Errorf("invalid history.cleanup_schedule %q: %w", c.History.CleanupSchedule, err)
		}
	}

	return nil
}
