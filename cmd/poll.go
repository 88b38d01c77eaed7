package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pollStrategy string

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run over eligible items repeatedly",
	Long:  "Repeats a run over all eligible items every poll.interval_secs until poll.duration_secs have passed (ARCHIVE_POLL_INTERVAL_SECS, ARCHIVE_POLL_DURATION_SECS).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		strategy, err := resolveStrategy(pollStrategy)
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

		interval := time.Duration(cfg.Poll.IntervalSecs) * time.Second
		deadline := time.Now().Add(time.Duration(cfg.Poll.DurationSecs) * time.Second)
		log := zap.L().With(zap.String("component", "poll"))
		log.Info("polling for eligible items",
			zap.Duration("interval", interval),
			zap.Time("until", deadline),
			zap.String("strategy", string(strategy)),
		)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for cycle := 1; ; cycle++ {
			res, err := runOnce(ctx, env, strategy, nil, 0)
			if err != nil {
				// A failed cycle (e.g. no credential capacity) is retried next tick.
				log.Error("poll cycle failed", zap.Int("cycle", cycle), zap.Error(err))
			} else if res.TotalItems > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), renderOutcomes(res))
			}

			if !time.Now().Add(interval).Before(deadline) {
				log.Info("poll duration reached", zap.Int("cycles", cycle))
				return nil
			}
			select {
			case <-ctx.Done():
				log.Info("poll stopped", zap.Int("cycles", cycle))
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	pollCmd.Flags().StringVar(&pollStrategy, "strategy", "", "batch, streaming or phased (default from config)")
	rootCmd.AddCommand(pollCmd)
}
