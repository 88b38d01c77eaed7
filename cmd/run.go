package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/archive-flow/internal/dispatch"
	"github.com/sells-group/archive-flow/internal/model"
)

var (
	runStrategy string
	runItems    []string
	runLimit    int
	runJSON     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Advance every eligible item once",
	Long:  "Runs each eligible item (or the items named with --item) from its current status through as many steps as it can complete, then prints a summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		strategy, err := resolveStrategy(runStrategy)
		if err != nil {
			return err
		}

		release, err := acquireRunLock(cfg.Workflow.LockFile)
		if err != nil {
			return err
		}
		defer release()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := runOnce(ctx, env, strategy, runItems, runLimit)
		if err != nil {
			return err
		}
		return printResult(cmd, res, runJSON)
	},
}

func resolveStrategy(flagValue string) (dispatch.Strategy, error) {
	if flagValue == "" {
		flagValue = cfg.Workflow.Strategy
	}
	return dispatch.ParseStrategy(flagValue)
}

// runOnce dispatches one run and hands the result to the alert checker.
func runOnce(ctx context.Context, env *appEnv, strategy dispatch.Strategy, ids []string, limit int) (*model.BatchResult, error) {
	var (
		res *model.BatchResult
		err error
	)
	if len(ids) > 0 {
		res, err = env.Dispatcher.RunIDs(ctx, ids, strategy)
	} else {
		res, err = env.Dispatcher.RunEligible(ctx, strategy, limit)
	}
	if err != nil {
		return nil, eris.Wrap(err, "run")
	}
	env.Checker.ObserveRun(ctx, res)
	return res, nil
}

func printResult(cmd *cobra.Command, res *model.BatchResult, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(res), "encode result")
	}
	_, err := fmt.Fprintln(out, renderOutcomes(res))
	return err
}

func init() {
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "batch, streaming or phased (default from config)")
	runCmd.Flags().StringSliceVar(&runItems, "item", nil, "item id to run (repeatable); default is every eligible item")
	runCmd.Flags().IntVar(&runLimit, "limit", 0, "max eligible items to run (0 = no limit)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the batch result as JSON")
	rootCmd.AddCommand(runCmd)
}
