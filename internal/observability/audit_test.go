package observability

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAuditLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestAuditor_WritesRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, Audit().Open(path))
	t.Cleanup(func() { _ = Audit().Close() })

	ctx := context.Background()
	AuditHost(ctx, "session-1", "start", nil, map[string]string{"version": "4.3.1"})
	AuditHost(ctx, "session-1", "start", errors.New("no such file"), nil)
	AuditBreakpoint(ctx, "session-1", "create", "a.R:3")

	lines := readAuditLines(t, path)
	require.Len(t, lines, 3)

	assert.Equal(t, "host", lines[0]["kind"])
	assert.Equal(t, "start", lines[0]["action"])
	assert.Equal(t, "session-1", lines[0]["session"])
	assert.Equal(t, "ok", lines[0]["outcome"])
	assert.Equal(t, "4.3.1", lines[0]["version"])
	assert.NotContains(t, lines[0], "trace_id")

	assert.Equal(t, "failed", lines[1]["outcome"])
	assert.Equal(t, "no such file", lines[1]["error"])

	assert.Equal(t, "breakpoints", lines[2]["kind"])
	assert.Equal(t, "a.R:3", lines[2]["location"])
}

func TestAuditor_DiscardsWhenClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, Audit().Open(path))
	AuditHost(context.Background(), "s", "stop", nil, nil)
	require.NoError(t, Audit().Close())
	require.NoError(t, Audit().Close())

	AuditHost(context.Background(), "s", "stop", nil, nil)
	assert.Len(t, readAuditLines(t, path), 1)
}
