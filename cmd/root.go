package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/archive-flow/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "archive-flow",
	Short: "Status-driven processing pipeline for archival footage and stills",
	Long:  "Advances archive items through media inspection, thumbnailing, frame processing, enrichment, AI description and tagging, resuming from whatever status each record holds.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
