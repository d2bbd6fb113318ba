package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	workDir := t.TempDir()

	t.Run("accepts answers", func(t *testing.T) {
		in := strings.NewReader(strings.Join([]string{
			"",       // host path: keep scripted host
			">= 4.0", // version constraint
			workDir,  // working directory
			"html",   // help type
			":9464",  // metrics
			"debug",  // log level
		}, "\n") + "\n")
		var out bytes.Buffer

		cfg, err := NewWizard(in, &out).Run(nil)

		require.NoError(t, err)
		assert.Empty(t, cfg.Host.Path)
		assert.Equal(t, ">= 4.0", cfg.Host.VersionConstraint)
		assert.Equal(t, workDir, cfg.Session.WorkingDirectory)
		assert.Equal(t, "html", cfg.Session.HelpType)
		assert.Equal(t, ":9464", cfg.Metrics.Addr)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Contains(t, out.String(), "Configuration complete!")
	})

	t.Run("reprompts on invalid answer", func(t *testing.T) {
		in := strings.NewReader("\nnot-a-constraint\n~4.2\n\n\n\n\n")
		var out bytes.Buffer

		cfg, err := NewWizard(in, &out).Run(nil)

		require.NoError(t, err)
		assert.Equal(t, "~4.2", cfg.Host.VersionConstraint)
		assert.Contains(t, out.String(), "Error: invalid version constraint")
		assert.Equal(t, "text", cfg.Session.HelpType)
	})

	t.Run("keeps base values", func(t *testing.T) {
		base := DefaultConfig()
		base.Metrics.Addr = ":7000"
		in := strings.NewReader(strings.Repeat("\n", 6))

		cfg, err := NewWizard(in, &bytes.Buffer{}).Run(base)

		require.NoError(t, err)
		assert.Equal(t, ":7000", cfg.Metrics.Addr)
	})

	t.Run("input ends early", func(t *testing.T) {
		_, err := NewWizard(strings.NewReader(""), &bytes.Buffer{}).Run(nil)
		assert.Error(t, err)
	})
}
