package debugger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// breakpointFile is the on-disk form of the breakpoint table.
type breakpointFile struct {
	Version     int        `yaml:"version"`
	Enabled     bool       `yaml:"enabled"`
	Breakpoints []Location `yaml:"breakpoints"`
}

const breakpointFileVersion = 1

// SaveBreakpoints writes the breakpoint table to path as YAML.
func (d *Debugger) SaveBreakpoints(path string) error {
	d.mu.Lock()
	enabled := d.enabled
	d.mu.Unlock()

	doc := breakpointFile{Version: breakpointFileVersion, Enabled: enabled}
	for _, bp := range d.Breakpoints() {
		doc.Breakpoints = append(doc.Breakpoints, bp.Location())
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode breakpoints: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write breakpoints: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write breakpoints: %w", err)
	}
	d.logger.Debug().Str("path", path).Int("breakpoints", len(doc.Breakpoints)).Msg("Breakpoints saved")
	return nil
}

// LoadBreakpoints creates every breakpoint listed in path. A missing file
// loads nothing.
func (d *Debugger) LoadBreakpoints(ctx context.Context, path string) ([]*Breakpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read breakpoints: %w", err)
	}

	var doc breakpointFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse breakpoints %s: %w", path, err)
	}
	if doc.Version > breakpointFileVersion {
		return nil, fmt.Errorf("unsupported breakpoint file version %d", doc.Version)
	}

	var created []*Breakpoint
	for _, loc := range doc.Breakpoints {
		bp, err := d.CreateBreakpoint(ctx, loc)
		if err != nil {
			return created, fmt.Errorf("failed to restore breakpoint %s: %w", loc, err)
		}
		created = append(created, bp)
	}
	if !doc.Enabled && len(doc.Breakpoints) > 0 {
		if err := d.EnableBreakpoints(ctx, false); err != nil {
			return created, err
		}
	}
	return created, nil
}
