package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 10000, cfg.Session.QuitTimeoutMs)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("load config from file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		testConfig := `{
			"host": {
				"path": "/opt/host/bin/hostd",
				"args": ["--vanilla"],
				"version_constraint": ">= 4.0"
			},
			"session": {
				"working_directory": "/work",
				"quit_timeout_ms": 2500
			},
			"metrics": {"addr": ":9464"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "/opt/host/bin/hostd", cfg.Host.Path)
		assert.Equal(t, []string{"--vanilla"}, cfg.Host.Args)
		assert.Equal(t, ">= 4.0", cfg.Host.VersionConstraint)
		assert.Equal(t, "/work", cfg.Session.WorkingDirectory)
		assert.Equal(t, 2500, cfg.Session.QuitTimeoutMs)
		assert.Equal(t, ":9464", cfg.Metrics.Addr)
		// Untouched sections keep their defaults.
		assert.Equal(t, 5000, cfg.Session.KillTimeoutMs)
		assert.Equal(t, "/metrics", cfg.Metrics.Path)
	})

	t.Run("set default paths", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "/var/lib/hs"}`), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "/var/lib/hs", cfg.DataDir)
		assert.Equal(t, filepath.Join("/var/lib/hs", "hostsession.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join("/var/lib/hs", "history"), cfg.History.Dir)
		assert.Equal(t, filepath.Join("/var/lib/hs", "breakpoints.yaml"), cfg.Debugger.BreakpointsFile)
	})

	t.Run("environment overrides", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "warn"}}`), 0644))
		t.Setenv("HOSTSESSION_LOGGING_LEVEL", "debug")
		t.Setenv("HOSTSESSION_METRICS_ADDR", "127.0.0.1:9100")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0644))

		_, err := NewLoader(configPath).Load()

		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save config to file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")

		cfg := DefaultConfig()
		cfg.Host.Path = "/usr/local/bin/hostd"
		cfg.Session.Bootstrap = []string{"library(stats)"}

		require.NoError(t, NewLoader(configPath).Save(cfg))

		_, err := os.Stat(configPath)
		require.NoError(t, err)

		loaded, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "/usr/local/bin/hostd", loaded.Host.Path)
		assert.Equal(t, []string{"library(stats)"}, loaded.Session.Bootstrap)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "subdir", "config.json")

		require.NoError(t, NewLoader(configPath).Save(DefaultConfig()))

		_, err := os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		assert.Equal(t, "/custom/path/config.json", loader.GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		path := NewLoader("").GetConfigPath()
		assert.Contains(t, path, ".hostsession")
		assert.Equal(t, "hostsession.json", filepath.Base(path))
	})
}
