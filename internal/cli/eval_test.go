package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalCommand(t *testing.T) {
	useTempConfig(t, map[string]string{"lib.R": "double <- function(x) {\n  x * 2\n}\n"})

	cmd := GetRootCmd()
	cmd.SetArgs([]string{"eval", "--config", cfgFile, `source("lib.R")`, "double(21)"})
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, output.String(), "[1] 42")
}

func TestEvalCommand_Describe(t *testing.T) {
	useTempConfig(t, nil)

	cmd := GetRootCmd()
	cmd.SetArgs([]string{"eval", "--config", cfgFile, "--describe", `c("a", "b")`})
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, output.String(), "<character, length 2>")
}

func TestEvalCommand_HostError(t *testing.T) {
	useTempConfig(t, nil)

	cmd := GetRootCmd()
	cmd.SetArgs([]string{"eval", "--config", cfgFile, `stop("nope")`})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestVersionCommand(t *testing.T) {
	resetFlags()
	cmd := GetRootCmd()
	cmd.SetArgs([]string{"version"})
	output := &bytes.Buffer{}
	cmd.SetOut(output)

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "hostsession version "+GetVersion()+"\n", output.String())
}
