package cli

import (
	"context"
	"fmt"

	"github.com/harun/hostsession/pkg/evaluation"
	"github.com/harun/hostsession/pkg/host"
	"github.com/spf13/cobra"
)

var evalDescribe bool

var evalCmd = &cobra.Command{
	Use:   "eval EXPR...",
	Short: "Evaluate expressions in a fresh host",
	Long: `Start the configured host, evaluate each expression in order and print
its result, then stop the host. With --describe each value is described
structurally instead of printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().BoolVar(&evalDescribe, "describe", false, "describe values instead of printing them")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), rt.shutdownTimeout())
		defer cancel()
		rt.close(closeCtx)
	}()

	ctx := cmd.Context()
	startCtx, cancel := context.WithTimeout(ctx, rt.cfg.Host.ConnectTimeout())
	err = rt.start(startCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to start host: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, expr := range args {
		if evalDescribe {
			res, err := evaluation.Describe(ctx, rt.session, expr, "", evaluation.FieldsAll, printReprMaxLength)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, formatResult(res))
			continue
		}

		res, err := rt.session.Evaluate(ctx, expr, host.KindNormal)
		if err != nil {
			return err
		}
		if err := res.Err(expr); err != nil {
			return err
		}
		if res.Result != "" {
			fmt.Fprintln(out, res.Result)
		}
	}
	return nil
}
