package cli

import (
	"testing"

	"github.com/harun/hostsession/pkg/debugger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    command
		wantErr string
	}{
		{line: ":next", want: command{name: "next", args: []string{}}},
		{line: "  :n  ", want: command{name: "next", args: []string{}}},
		{line: ":c", want: command{name: "continue", args: []string{}}},
		{line: ":bp script.R 4", want: command{name: "bp", args: []string{"script.R", "4"}}},
		{line: ":bp off", want: command{name: "bp", args: []string{"off"}}},
		{line: ":print  paste(a,  b)", want: command{name: "print", args: []string{"paste(a,  b)"}}},
		{line: ":p x", want: command{name: "print", args: []string{"x"}}},
		{line: ":history 5", want: command{name: "history", args: []string{"5"}}},
		{line: ":bogus", wantErr: "unknown command :bogus"},
		{line: ":print", wantErr: "wrong number of arguments for :print"},
		{line: ":rmbp a.R", wantErr: "wrong number of arguments for :rmbp"},
		{line: ":next now", wantErr: "wrong number of arguments for :next"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := parseCommand(tt.line)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

func TestParseCommand_NotACommand(t *testing.T) {
	for _, line := range []string{"x <- 1", "", ":", "  print(':x')"} {
		_, err := parseCommand(line)
		assert.ErrorIs(t, err, errNotCommand, line)
	}
}

func TestParseLocation(t *testing.T) {
	loc, err := parseLocation([]string{"a.R", "12"})
	require.NoError(t, err)
	assert.Equal(t, debugger.Location{File: "a.R", Line: 12}, loc)

	_, err = parseLocation([]string{"a.R", "0"})
	assert.Error(t, err)
	_, err = parseLocation([]string{"a.R"})
	assert.Error(t, err)
}
