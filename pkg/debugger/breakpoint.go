package debugger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/hostsession/internal/observability"
	"github.com/harun/hostsession/internal/tracing"
	"github.com/harun/hostsession/pkg/host"
	"go.opentelemetry.io/otel/attribute"
)

// Location is a source position. Line numbers are 1-based.
type Location struct {
	File string `yaml:"file"`
	Line int    `yaml:"line"`
}

// IsZero reports whether the location is unknown.
func (l Location) IsZero() bool {
	return l.File == "" || l.Line <= 0
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Breakpoint is a trap installed at a location. There is at most one
// Breakpoint per location per debugger; creating it again bumps its use count.
type Breakpoint struct {
	d   *Debugger
	loc Location

	mu       sync.Mutex
	uses     int
	hits     int
	active   bool
	subSeq   uint64
	handlers []hitHandler
}

type hitHandler struct {
	id uint64
	fn func(*Breakpoint)
}

// Location returns where the breakpoint is installed.
func (bp *Breakpoint) Location() Location { return bp.loc }

// Hits returns how many times execution stopped at this breakpoint.
func (bp *Breakpoint) Hits() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.hits
}

// UseCount returns how many creators share the breakpoint.
func (bp *Breakpoint) UseCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.uses
}

// Active reports whether the breakpoint is still in the table.
func (bp *Breakpoint) Active() bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.active
}

// OnHit registers fn to run each time the breakpoint is hit. Hit handlers
// run before the browse event for the same prompt is published.
func (bp *Breakpoint) OnHit(fn func(*Breakpoint)) func() {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.subSeq++
	id := bp.subSeq
	bp.handlers = append(bp.handlers, hitHandler{id: id, fn: fn})
	return func() {
		bp.mu.Lock()
		defer bp.mu.Unlock()
		for i, h := range bp.handlers {
			if h.id == id {
				bp.handlers = append(bp.handlers[:i:i], bp.handlers[i+1:]...)
				return
			}
		}
	}
}

// Delete removes one use of the breakpoint.
func (bp *Breakpoint) Delete(ctx context.Context) error {
	return bp.d.RemoveBreakpoint(ctx, bp)
}

func (bp *Breakpoint) hit() []func(*Breakpoint) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.hits++
	fns := make([]func(*Breakpoint), len(bp.handlers))
	for i, h := range bp.handlers {
		fns[i] = h.fn
	}
	return fns
}

// CreateBreakpoint returns the breakpoint at loc, installing it in the host
// if it is not tracked yet.
func (d *Debugger) CreateBreakpoint(ctx context.Context, loc Location) (*Breakpoint, error) {
	if loc.IsZero() {
		return nil, fmt.Errorf("invalid breakpoint location %q", loc.String())
	}
	ctx, span := tracing.StartSpan(ctx, "hostsession.debugger", "debugger.create_breakpoint",
		attribute.String("location", loc.String()))
	defer span.End()

	d.tableMu.Lock()
	defer d.tableMu.Unlock()

	d.mu.Lock()
	if bp, ok := d.breakpoints[loc]; ok {
		d.mu.Unlock()
		bp.mu.Lock()
		bp.uses++
		bp.mu.Unlock()
		return bp, nil
	}
	d.mu.Unlock()

	if err := d.install(ctx, loc); err != nil {
		span.RecordError(err)
		return nil, err
	}

	bp := &Breakpoint{d: d, loc: loc, uses: 1, active: true}
	d.mu.Lock()
	d.breakpoints[loc] = bp
	count := len(d.breakpoints)
	d.mu.Unlock()

	observability.SetBreakpoints(count)
	observability.AuditBreakpoint(ctx, d.s.ID(), "create", loc.String())
	d.logger.Debug().Str("location", loc.String()).Msg("Breakpoint created")
	return bp, nil
}

// RemoveBreakpoint drops one use of bp and uninstalls it once unused.
// Removing a breakpoint that is no longer in the table is a no-op.
func (d *Debugger) RemoveBreakpoint(ctx context.Context, bp *Breakpoint) error {
	if bp.d != d {
		return fmt.Errorf("breakpoint %s belongs to another debugger: %w", bp.loc, host.ErrOperationConflict)
	}
	ctx, span := tracing.StartSpan(ctx, "hostsession.debugger", "debugger.remove_breakpoint",
		attribute.String("location", bp.loc.String()))
	defer span.End()

	d.tableMu.Lock()
	defer d.tableMu.Unlock()

	d.mu.Lock()
	tracked := d.breakpoints[bp.loc] == bp
	d.mu.Unlock()
	if !tracked {
		return nil
	}

	bp.mu.Lock()
	bp.uses--
	remaining := bp.uses
	bp.mu.Unlock()
	if remaining > 0 {
		return nil
	}

	expr := host.RemoveBreakpointExpr(bp.loc.File, bp.loc.Line)
	if err := d.helper(ctx, expr); err != nil {
		// The host may be gone; the table entry goes regardless.
		d.logger.Warn().Err(err).Str("location", bp.loc.String()).Msg("Failed to remove host breakpoint")
	}

	d.mu.Lock()
	delete(d.breakpoints, bp.loc)
	count := len(d.breakpoints)
	d.mu.Unlock()

	bp.mu.Lock()
	bp.active = false
	bp.mu.Unlock()

	observability.SetBreakpoints(count)
	observability.AuditBreakpoint(ctx, d.s.ID(), "remove", bp.loc.String())
	d.logger.Debug().Str("location", bp.loc.String()).Msg("Breakpoint removed")
	return nil
}

// Breakpoints returns the tracked breakpoints ordered by location.
func (d *Debugger) Breakpoints() []*Breakpoint {
	d.mu.Lock()
	out := make([]*Breakpoint, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		out = append(out, bp)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].loc, out[j].loc
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})
	return out
}

// EnableBreakpoints turns host traps on or off without changing the table.
func (d *Debugger) EnableBreakpoints(ctx context.Context, enable bool) error {
	if err := d.helper(ctx, host.EnableBreakpointsExpr(enable)); err != nil {
		return err
	}
	d.mu.Lock()
	d.enabled = enable
	d.mu.Unlock()
	return nil
}

// ReapplyBreakpoints installs every tracked breakpoint in the host again.
// It runs after each connect, since a new host process has no traps.
func (d *Debugger) ReapplyBreakpoints(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "hostsession.debugger", "debugger.reapply_breakpoints")
	defer span.End()

	d.tableMu.Lock()
	defer d.tableMu.Unlock()

	bps := d.Breakpoints()
	for _, bp := range bps {
		if err := d.install(ctx, bp.loc); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if err := d.helper(ctx, host.ReapplyBreakpointsExpr()); err != nil {
		span.RecordError(err)
		return err
	}

	d.mu.Lock()
	enabled := d.enabled
	d.mu.Unlock()
	if !enabled {
		if err := d.helper(ctx, host.EnableBreakpointsExpr(false)); err != nil {
			return err
		}
	}

	span.SetAttributes(attribute.Int("breakpoints", len(bps)))
	d.logger.Debug().Int("breakpoints", len(bps)).Msg("Breakpoints reapplied")
	return nil
}

func (d *Debugger) install(ctx context.Context, loc Location) error {
	return d.helper(ctx, host.AddBreakpointExpr(loc.File, loc.Line))
}

// helper runs a debug helper routine and turns a host-reported failure into
// an error.
func (d *Debugger) helper(ctx context.Context, expr string) error {
	res, err := d.s.Evaluate(ctx, expr, host.KindNormal)
	if err != nil {
		return err
	}
	return res.Err(expr)
}
