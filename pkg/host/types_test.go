package host

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluationResult_JSON(t *testing.T) {
	t.Run("ok result is authoritative", func(t *testing.T) {
		res := &EvaluationResult{ParseStatus: ParseOK, Structured: json.RawMessage(`{"a":1}`)}
		raw, err := res.JSON("x")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(raw))
	})

	t.Run("host error becomes an evaluation error", func(t *testing.T) {
		res := &EvaluationResult{ParseStatus: ParseOK, Error: "object 'q' not found"}
		_, err := res.JSON("q")
		var ee *EvaluationError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, "q", ee.Expression)
		assert.Contains(t, err.Error(), "object 'q' not found")
	})

	t.Run("parse failure becomes an evaluation error", func(t *testing.T) {
		res := &EvaluationResult{ParseStatus: ParseIncomplete}
		_, err := res.JSON("f(")
		var ee *EvaluationError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, ParseIncomplete, ee.ParseStatus)
	})

	t.Run("missing structured payload is a protocol error", func(t *testing.T) {
		res := &EvaluationResult{ParseStatus: ParseOK, Result: "[1] 1"}
		_, err := res.JSON("1")
		var pe *ProtocolError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "structured", pe.Field)
	})
}

func TestEvaluationKind(t *testing.T) {
	k := KindJSON | KindMutating
	assert.True(t, k.Has(KindJSON))
	assert.True(t, k.Has(KindMutating))
	assert.False(t, k.Has(KindReentrant))
	assert.Equal(t, "mutating", k.String())
	assert.Equal(t, "normal", KindNormal.String())
	assert.Equal(t, "reentrant", (KindReentrant | KindJSON).String())
}

func TestIsBrowse(t *testing.T) {
	assert.False(t, IsBrowse(nil))
	assert.False(t, IsBrowse([]Context{{CallFlag: CallFlagTopLevel}, {CallFlag: CallFlagFunction}}))
	assert.True(t, IsBrowse([]Context{{CallFlag: CallFlagTopLevel}, {CallFlag: CallFlagBrowser}}))
	assert.False(t, IsBrowse([]Context{{CallFlag: CallFlagBrowser | CallFlagFunction}}))
}

func TestErrors(t *testing.T) {
	assert.ErrorIs(t, ErrAlreadyRunning, ErrOperationConflict)
	assert.ErrorIs(t, ErrDetached, ErrOperationConflict)
	assert.ErrorIs(t, ErrCancelled, context.Canceled)
	assert.True(t, IsCancellation(ErrCancelled))
	assert.True(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(ErrHostDisconnected))
}

func TestHelperExpressions(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"traceback", DescribeTracebackExpr(), "describe_traceback()"},
		{"describe", DescribeExpressionExpr("x", GlobalEnvironment, []string{"length", "flags"}, 200),
			`describe_expression("x", globalenv(), c("length", "flags"), 200)`},
		{"children", DescribeChildrenExpr(`l[["a"]]`, FrameEnvironment(2), nil, -1, 50),
			`describe_children("l[[\"a\"]]", sys.frame(3), c(), -1, 50)`},
		{"add", AddBreakpointExpr("a.R", 2), `add_breakpoint("a.R", 2)`},
		{"remove", RemoveBreakpointExpr("a.R", 2), `remove_breakpoint("a.R", 2)`},
		{"reapply", ReapplyBreakpointsExpr(), "reapply_breakpoints()"},
		{"enable", EnableBreakpointsExpr(false), "enable_breakpoints(FALSE)"},
		{"trap", SetBrowserTrapExpr(1), "set_browser_trap(1)"},
		{"trap set", BrowserTrapSetExpr(), "browser_trap_set()"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
