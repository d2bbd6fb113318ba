package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Empty(t, cfg.Host.Path)
	assert.Equal(t, 30*time.Second, cfg.Host.ConnectTimeout())
	assert.Equal(t, 10*time.Second, cfg.Session.QuitTimeout())
	assert.Equal(t, 5*time.Second, cfg.Session.DisconnectTimeout())
	assert.Equal(t, 5*time.Second, cfg.Session.KillTimeout())
	assert.Equal(t, 5*time.Second, cfg.Debugger.ReapplyTimeout())
	assert.Equal(t, "text", cfg.Session.HelpType)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, 30*24*time.Hour, cfg.History.MaxAge())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "version constraint",
			mutate: func(c *Config) { c.Host.VersionConstraint = ">= 4.2, < 5" },
		},
		{
			name:    "bad version constraint",
			mutate:  func(c *Config) { c.Host.VersionConstraint = "not a version" },
			wantErr: "version constraint",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Host.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "args without path",
			mutate:  func(c *Config) { c.Host.Args = []string{"--vanilla"} },
			wantErr: "host args",
		},
		{
			name:    "zero quit timeout",
			mutate:  func(c *Config) { c.Session.QuitTimeoutMs = 0 },
			wantErr: "session.quit_timeout_ms",
		},
		{
			name:    "negative reapply timeout",
			mutate:  func(c *Config) { c.Debugger.ReapplyTimeoutMs = -1 },
			wantErr: "debugger.reapply_timeout_ms",
		},
		{
			name:    "negative history entries",
			mutate:  func(c *Config) { c.History.MaxEntries = -5 },
			wantErr: "history.max_entries",
		},
		{
			name:   "cron cleanup schedule",
			mutate: func(c *Config) { c.History.CleanupSchedule = "0 4 * * 1" },
		},
		{
			name:    "bad cleanup schedule",
			mutate:  func(c *Config) { c.History.CleanupSchedule = "sometimes" },
			wantErr: "history.cleanup_schedule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host.Path = "/usr/bin/hostd"

	s := cfg.String()
	assert.Contains(t, s, `"path": "/usr/bin/hostd"`)
	assert.Contains(t, s, `"quit_timeout_ms": 10000`)
}
