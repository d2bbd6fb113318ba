package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and writing prompts to
// out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base, or from
// the defaults when base is nil.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== hostsession configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "Interpreter host:")
	if err := w.ask("Host binary (empty for the built-in scripted host)", &cfg.Host.Path, validator.ValidateHostPath); err != nil {
		return nil, err
	}
	if err := w.ask("Required host version (semver constraint, empty for any)", &cfg.Host.VersionConstraint, validator.ValidateVersionConstraint); err != nil {
		return nil, err
	}
	fmt.Fprintln(w.out)

	fmt.Fprintln(w.out, "Session:")
	if err := w.ask("Working directory", &cfg.Session.WorkingDirectory, validator.ValidateWorkingDirectory); err != nil {
		return nil, err
	}
	if err := w.ask("Help type (text/html)", &cfg.Session.HelpType, validator.ValidateHelpType); err != nil {
		return nil, err
	}
	fmt.Fprintln(w.out)

	fmt.Fprintln(w.out, "Observability:")
	if err := w.ask("Metrics listen address (empty to disable)", &cfg.Metrics.Addr, validator.ValidateMetricsAddr); err != nil {
		return nil, err
	}
	if err := w.ask("Log level (debug/info/warn/error)", &cfg.Logging.Level, validator.ValidateLogLevel); err != nil {
		return nil, err
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

// ask prompts until the answer validates. An empty answer keeps the current
// value.
func (w *Wizard) ask(prompt string, value *string, validate func(string) error) error {
	for {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, *value)
		answer, err := w.readLine()
		if err != nil {
			return err
		}
		if answer == "" {
			return nil
		}
		if err := validate(answer); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		*value = answer
		return nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
