package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the item backlog by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Collector.Collect(cmd.Context())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), renderBacklog(snap))
		return err
	},
}

func renderBacklog(snap *monitoring.MetricsSnapshot) string {
	statuses := make([]model.Status, 0, len(snap.StatusCounts))
	for st := range snap.StatusCounts {
		statuses = append(statuses, st)
	}
	slices.Sort(statuses)

	rows := make([][]string, 0, len(statuses)+4)
	for _, st := range statuses {
		rows = append(rows, []string{string(st), strconv.Itoa(snap.StatusCounts[st])})
	}
	rows = append(rows,
		[]string{"eligible", strconv.Itoa(snap.Eligible)},
		[]string{"in flight (marker set)", strconv.Itoa(snap.InFlight)},
		[]string{"with errors", strconv.Itoa(snap.WithErrors)},
		[]string{"awaiting input", strconv.Itoa(snap.AwaitingInput)},
	)
	return renderTable([]string{"Status", "Items"}, rows, []columnAlignment{alignLeft, alignRight})
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
