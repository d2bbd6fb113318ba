package host

import (
	"fmt"
	"strconv"
	"strings"
)

// Helper routines installed in the host. Debugger operations are ordinary
// evaluate calls against these, with KindJSON results.
const (
	HelperDescribeTraceback  = "describe_traceback"
	HelperDescribeExpression = "describe_expression"
	HelperDescribeChildren   = "describe_children"
	HelperAddBreakpoint      = "add_breakpoint"
	HelperRemoveBreakpoint   = "remove_breakpoint"
	HelperReapplyBreakpoints = "reapply_breakpoints"
	HelperEnableBreakpoints  = "enable_breakpoints"
	HelperSetBrowserTrap     = "set_browser_trap"
	HelperBrowserTrapSet     = "browser_trap_set"

	// TrampolineCall prefixes the call text of frames introduced by the
	// breakpoint trapping mechanism.
	TrampolineCall = ".breakpoint("

	// GlobalEnvironment is the expression for the top-level environment
	GlobalEnvironment = "globalenv()"
)

// Quote renders s as a host string literal.
func Quote(s string) string {
	return strconv.Quote(s)
}

// Bool renders b as a host logical literal.
func Bool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// Vector renders a character vector literal.
func Vector(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = Quote(item)
	}
	return "c(" + strings.Join(quoted, ", ") + ")"
}

// DescribeTracebackExpr returns the call stack as a JSON array.
func DescribeTracebackExpr() string {
	return HelperDescribeTraceback + "()"
}

// DescribeExpressionExpr describes the value of expr evaluated in env.
func DescribeExpressionExpr(expr, env string, fields []string, reprMaxLength int) string {
	return fmt.Sprintf("%s(%s, %s, %s, %d)", HelperDescribeExpression, Quote(expr), env, Vector(fields), reprMaxLength)
}

// DescribeChildrenExpr describes at most maxCount children of expr in env.
// A negative maxCount requests all children.
func DescribeChildrenExpr(expr, env string, fields []string, maxCount, reprMaxLength int) string {
	return fmt.Sprintf("%s(%s, %s, %s, %d, %d)", HelperDescribeChildren, Quote(expr), env, Vector(fields), maxCount, reprMaxLength)
}

// AddBreakpointExpr installs a trap at file:line.
func AddBreakpointExpr(file string, line int) string {
	return fmt.Sprintf("%s(%s, %d)", HelperAddBreakpoint, Quote(file), line)
}

// RemoveBreakpointExpr removes the trap at file:line.
func RemoveBreakpointExpr(file string, line int) string {
	return fmt.Sprintf("%s(%s, %d)", HelperRemoveBreakpoint, Quote(file), line)
}

// ReapplyBreakpointsExpr re-injects all known traps into loaded code.
func ReapplyBreakpointsExpr() string {
	return HelperReapplyBreakpoints + "()"
}

// EnableBreakpointsExpr toggles all traps at once.
func EnableBreakpointsExpr(enable bool) string {
	return fmt.Sprintf("%s(%s)", HelperEnableBreakpoints, Bool(enable))
}

// SetBrowserTrapExpr makes the host enter the browser at the next statement,
// ignoring skip frames created by the request itself.
func SetBrowserTrapExpr(skip int) string {
	return fmt.Sprintf("%s(%d)", HelperSetBrowserTrap, skip)
}

// BrowserTrapSetExpr queries whether a browser trap is pending.
func BrowserTrapSetExpr() string {
	return HelperBrowserTrapSet + "()"
}

// FrameEnvironment returns the environment expression for the frame at the
// zero-based index.
func FrameEnvironment(index int) string {
	return fmt.Sprintf("sys.frame(%d)", index+1)
}
