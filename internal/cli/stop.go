package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running hostsession console",
	Long: `Stop a running hostsession console gracefully.
Sends SIGTERM so the console stops its host and saves breakpoints, then waits
for it to exit before falling back to SIGKILL.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for the console to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := runStatePath(cfg.DataDir)
	out := cmd.OutOrStdout()

	st, err := readRunState(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("no hostsession console is running")
	}
	if err != nil {
		return err
	}
	if !processAlive(st.PID) {
		_ = os.Remove(path)
		fmt.Fprintln(out, "Console was not running; removed stale state file")
		return nil
	}

	process, err := os.FindProcess(st.PID)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(st.PID) {
			_ = os.Remove(path)
			fmt.Fprintln(out, "Console stopped successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	_ = os.Remove(path)
	fmt.Fprintln(out, "Console killed")
	return nil
}
