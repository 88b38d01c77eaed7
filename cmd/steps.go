package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/archive-flow/internal/workflow"
)

var stepsVariant string

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "Print the step table as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		name := stepsVariant
		if name == "" {
			name = cfg.Workflow.Variant
		}
		v, err := workflow.VariantByName(name)
		if err != nil {
			return err
		}
		return writeVariant(cmd, v)
	},
}

func writeVariant(cmd *cobra.Command, v *workflow.Variant) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return eris.Wrap(err, "encode step table")
	}
	return eris.Wrap(enc.Close(), "flush step table")
}

func init() {
	stepsCmd.Flags().StringVar(&stepsVariant, "variant", "", "footage or still_image (default from config)")
	rootCmd.AddCommand(stepsCmd)
}
