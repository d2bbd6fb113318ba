package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// useTempConfig points the global --config flag at a config rooted in a
// temp dir. Scripts go into the session working directory.
func useTempConfig(t *testing.T, scripts map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0755))
	for name, content := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(work, name), []byte(content), 0644))
	}

	doc := map[string]interface{}{
		"data_dir": filepath.Join(dir, "data"),
		"session": map[string]interface{}{
			"working_directory": work,
		},
		"logging": map[string]interface{}{
			"level":   "error",
			"console": false,
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "hostsession.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	resetFlags()
	prevCfg, prevLevel, prevHost := cfgFile, logLevel, hostPath
	cfgFile, logLevel, hostPath = path, "", ""
	t.Cleanup(func() {
		cfgFile, logLevel, hostPath = prevCfg, prevLevel, prevHost
	})
	return dir
}

func startTestRuntime(t *testing.T, scripts map[string]string) *runtime {
	t.Helper()
	useTempConfig(t, scripts)
	rt, err := newRuntime(io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		rt.close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, rt.start(ctx))
	return rt
}

// resetFlags clears flag values left behind by earlier Execute calls on the
// shared command tree.
func resetFlags() {
	evalDescribe = false
	stopTimeout = 30
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		if f := c.Flags().Lookup("help"); f != nil {
			_ = f.Value.Set("false")
			f.Changed = false
		}
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)
}
