package config

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateHostPath checks that path names an executable. Bare names are
// looked up in PATH.
func (v *Validator) ValidateHostPath(path string) error {
	if path == "" {
		return nil // scripted host
	}
	if !strings.ContainsRune(path, os.PathSeparator) {
		if _, err := exec.LookPath(path); err != nil {
			return fmt.Errorf("host binary %q not found in PATH", path)
		}
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("host binary %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("host binary %q is a directory", path)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("host binary %q is not executable", path)
	}
	return nil
}

// ValidateVersionConstraint validates a semver constraint such as ">= 4.2".
func (v *Validator) ValidateVersionConstraint(constraint string) error {
	if constraint == "" {
		return nil
	}
	if _, err := semver.NewConstraint(constraint); err != nil {
		return fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	return nil
}

// ValidateWorkingDirectory checks that dir exists when set.
func (v *Validator) ValidateWorkingDirectory(dir string) error {
	if dir == "" {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("working directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %q is not a directory", dir)
	}
	return nil
}

// ValidateMetricsAddr validates a listen address such as ":9090".
func (v *Validator) ValidateMetricsAddr(addr string) error {
	if addr == "" {
		return nil // disabled
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid metrics address %q: %w", addr, err)
	}
	return nil
}

// ValidateHelpType validates the host help viewer type.
func (v *Validator) ValidateHelpType(helpType string) error {
	if helpType == "" {
		return nil
	}
	validTypes := []string{"text", "html"}
	for _, valid := range validTypes {
		if helpType == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid help type: %s (must be one of: %s)", helpType, strings.Join(validTypes, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation, including checks against
// the filesystem that Config.Validate leaves out.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := cfg.Validate(); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateHostPath(cfg.Host.Path); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateWorkingDirectory(cfg.Session.WorkingDirectory); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateHelpType(cfg.Session.HelpType); err != nil {
		errors = append(errors, err)
	}
	for i, expr := range cfg.Session.Bootstrap {
		if strings.TrimSpace(expr) == "" {
			errors = append(errors, fmt.Errorf("session.bootstrap[%d] is empty", i))
		}
	}
	for _, dir := range cfg.Debugger.WatchDirs {
		if err := v.ValidateWorkingDirectory(dir); err != nil {
			errors = append(errors, fmt.Errorf("debugger.watch_dirs: %w", err))
		}
	}
	if err := v.ValidateMetricsAddr(cfg.Metrics.Addr); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
