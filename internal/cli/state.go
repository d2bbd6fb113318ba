package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// runState is written while a session runs so status and stop can find it.
type runState struct {
	PID         int       `json:"pid"`
	SessionID   string    `json:"session_id"`
	Host        string    `json:"host"`
	HostVersion string    `json:"host_version,omitempty"`
	Started     time.Time `json:"started"`
}

func runStatePath(dataDir string) string {
	return filepath.Join(dataDir, "hostsession.pid")
}

func writeRunState(path string, st runState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func readRunState(path string) (runState, error) {
	var st runState
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("invalid run state file: %w", err)
	}
	if st.PID <= 0 {
		return st, fmt.Errorf("invalid run state file: missing pid")
	}
	return st, nil
}

// isRunning reports whether the process recorded at path is alive.
func isRunning(path string) bool {
	st, err := readRunState(path)
	if err != nil {
		return false
	}
	return processAlive(st.PID)
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
