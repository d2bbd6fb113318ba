package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a host and attach an interactive console",
	Long: `Start the configured interpreter host and attach an interactive console.
Input lines go to the host's console prompt. Lines starting with ':' are
debugger commands; type :help for the list. Ctrl-C cancels running code.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), rt.shutdownTimeout())
		defer cancel()
		rt.close(closeCtx)
	}()

	startCtx, cancel := context.WithTimeout(ctx, rt.cfg.Host.ConnectTimeout())
	err = rt.start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start host: %w", err)
	}

	info := rt.session.HostInfo()
	statePath := runStatePath(rt.cfg.DataDir)
	if err := writeRunState(statePath, runState{
		PID:         os.Getpid(),
		SessionID:   rt.session.ID(),
		Host:        info.Name,
		HostVersion: info.Version,
		Started:     time.Now(),
	}); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to write run state")
	}
	defer os.Remove(statePath)

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for {
			select {
			case <-interrupts:
				if err := rt.session.CancelAll(ctx); err != nil {
					rt.logger.Debug().Err(err).Msg("Interrupt not delivered")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s %s (session %s)\n", info.Name, info.Version, rt.session.ID())
	return newREPL(rt, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr()).run(ctx)
}
