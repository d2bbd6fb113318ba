package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHostPath(t *testing.T) {
	v := NewValidator()
	dir := t.TempDir()

	exe := filepath.Join(dir, "hostd")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755))
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0644))

	t.Run("empty means scripted host", func(t *testing.T) {
		assert.NoError(t, v.ValidateHostPath(""))
	})
	t.Run("executable", func(t *testing.T) {
		assert.NoError(t, v.ValidateHostPath(exe))
	})
	t.Run("not executable", func(t *testing.T) {
		assert.Error(t, v.ValidateHostPath(plain))
	})
	t.Run("directory", func(t *testing.T) {
		assert.Error(t, v.ValidateHostPath(dir))
	})
	t.Run("missing", func(t *testing.T) {
		assert.Error(t, v.ValidateHostPath(filepath.Join(dir, "nope")))
	})
	t.Run("unknown bare name", func(t *testing.T) {
		assert.Error(t, v.ValidateHostPath("no-such-hostd-binary"))
	})
}

func TestValidateVersionConstraint(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateVersionConstraint(""))
	assert.NoError(t, v.ValidateVersionConstraint(">= 4.1.0"))
	assert.NoError(t, v.ValidateVersionConstraint("~4.3"))
	assert.Error(t, v.ValidateVersionConstraint("four"))
}

func TestValidateMetricsAddr(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateMetricsAddr(""))
	assert.NoError(t, v.ValidateMetricsAddr(":9090"))
	assert.NoError(t, v.ValidateMetricsAddr("127.0.0.1:9090"))
	assert.Error(t, v.ValidateMetricsAddr("9090"))
}

func TestValidateHelpType(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateHelpType("text"))
	assert.NoError(t, v.ValidateHelpType("html"))
	assert.Error(t, v.ValidateHelpType("pdf"))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level))
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Host.VersionConstraint = "bogus"
		cfg.Session.WorkingDirectory = filepath.Join(t.TempDir(), "missing")
		cfg.Session.Bootstrap = []string{"  "}
		cfg.Metrics.Addr = "nope"
		cfg.Logging.Level = "loud"

		errs := v.ValidateConfig(cfg)
		require.Len(t, errs, 5)

		var msgs []string
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		joined := strings.Join(msgs, "\n")
		assert.Contains(t, joined, "version constraint")
		assert.Contains(t, joined, "working directory")
		assert.Contains(t, joined, "bootstrap[0]")
		assert.Contains(t, joined, "metrics address")
		assert.Contains(t, joined, "log level")
	})
}
