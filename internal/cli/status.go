package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Long:  `Show whether a hostsession console is running, and which host it drives.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := runStatePath(cfg.DataDir)
	out := cmd.OutOrStdout()

	if !isRunning(path) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}
	st, err := readRunState(path)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", st.PID)
	fmt.Fprintf(out, "Session: %s\n", st.SessionID)
	if st.HostVersion != "" {
		fmt.Fprintf(out, "Host: %s %s\n", st.Host, st.HostVersion)
	} else {
		fmt.Fprintf(out, "Host: %s\n", st.Host)
	}
	if !st.Started.IsZero() {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(st.Started)))
	}
	return nil
}
