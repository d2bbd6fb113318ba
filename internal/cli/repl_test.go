package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/harun/hostsession/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const script = "x <- 1\ny <- 2\nz <- 3\n"

func runREPL(t *testing.T, rt *runtime, input string) (string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	r := newREPL(rt, strings.NewReader(input), &out, &errOut)
	require.NoError(t, r.run(ctx))
	return out.String(), errOut.String()
}

func TestREPL_ForwardsInput(t *testing.T) {
	rt := startTestRuntime(t, nil)

	out, errOut := runREPL(t, rt, "x <- 41\nprint(x + 1)\n")
	assert.Contains(t, out, "> ")
	assert.Contains(t, out, "[1] 42")
	assert.Empty(t, errOut)

	entries, err := rt.history.Recent(context.Background(), rt.session.ID(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "x <- 41", entries[0].Input)
	assert.Equal(t, "print(x + 1)", entries[1].Input)
	assert.Equal(t, ">", entries[0].Prompt)
	assert.False(t, entries[0].Browse)
}

func TestREPL_HostErrorsGoToStderr(t *testing.T) {
	rt := startTestRuntime(t, nil)

	_, errOut := runREPL(t, rt, "stop(\"boom\")\n")
	assert.Contains(t, errOut, "boom")
}

func TestREPL_Debugging(t *testing.T) {
	rt := startTestRuntime(t, map[string]string{"script.R": script})

	out, errOut := runREPL(t, rt, strings.Join([]string{
		":bp script.R 2",
		`source("script.R")`,
		":print x",
		":next",
		":continue",
		":bp",
	}, "\n")+"\n")
	assert.Empty(t, errOut)

	assert.Contains(t, out, "Breakpoint set at script.R:2")
	assert.Contains(t, out, "Breakpoint hit:")
	assert.Contains(t, out, "script.R:2")
	assert.Contains(t, out, "Browse[1]> ")
	assert.Contains(t, out, "x: <numeric, length 1> 1")
	assert.Contains(t, out, "Stepped to:")
	assert.Contains(t, out, "script.R:3")
	assert.Contains(t, out, "script.R:2  hits=1  active")

	assert.Less(t, strings.Index(out, "Breakpoint hit:"), strings.Index(out, "Stepped to:"))
	assert.False(t, rt.debugger.IsBrowsing())
}

func TestREPL_CommandErrors(t *testing.T) {
	rt := startTestRuntime(t, nil)

	out, errOut := runREPL(t, rt, ":bogus\n:next\n:rmbp a.R 3\n:bp a.R zero\n:help\n")
	assert.Contains(t, errOut, "unknown command :bogus")
	assert.Contains(t, errOut, "not in the debugger")
	assert.Contains(t, errOut, "no breakpoint at a.R:3")
	assert.Contains(t, errOut, `invalid line number "zero"`)
	assert.Contains(t, out, "Console commands:")
}

func TestREPL_BreakWhenIdle(t *testing.T) {
	rt := startTestRuntime(t, nil)

	out, _ := runREPL(t, rt, ":break\n")
	assert.Contains(t, out, "Nothing is running.")
	assert.Equal(t, session.StateReady, rt.session.State())
}

func TestREPL_PrintGlobal(t *testing.T) {
	rt := startTestRuntime(t, nil)

	out, errOut := runREPL(t, rt, "v <- c(1, 2, 3)\n:print v\n:p missing_value\n")
	assert.Contains(t, out, "v: <numeric, length 3> 1, 2, 3")
	assert.NotEmpty(t, errOut+out)
}

func TestREPL_History(t *testing.T) {
	rt := startTestRuntime(t, nil)

	out, _ := runREPL(t, rt, "a <- 1\nb <- 2\n:history 1\n")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var shown []string
	for _, l := range lines {
		if strings.HasSuffix(l, "b <- 2") || strings.HasSuffix(l, "a <- 1") {
			shown = append(shown, l)
		}
	}
	require.Len(t, shown, 1)
	assert.True(t, strings.HasSuffix(shown[0], "b <- 2"))
}

func TestREPL_Reload(t *testing.T) {
	rt := startTestRuntime(t, map[string]string{"a.R": "x <- 1\n"})

	out, errOut := runREPL(t, rt, ":reload\n")
	assert.Empty(t, errOut)
	assert.Contains(t, out, "Reloaded 1 script(s).")
}

func TestREPL_Quit(t *testing.T) {
	rt := startTestRuntime(t, nil)

	out, _ := runREPL(t, rt, ":quit\nprint(99)\n")
	assert.NotContains(t, out, "[1] 99")
}
