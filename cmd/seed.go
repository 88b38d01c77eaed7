package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/archive-flow/internal/model"
	"github.com/sells-group/archive-flow/internal/store"
)

// seedItem is the YAML form of an item to create.
type seedItem struct {
	ID              string     `yaml:"id"`
	Status          string     `yaml:"status"`
	Title           string     `yaml:"title"`
	Description     string     `yaml:"description"`
	Notes           string     `yaml:"notes"`
	EnrichmentURL   string     `yaml:"enrichment_url"`
	DurationSeconds float64    `yaml:"duration_seconds"`
	Children        []seedItem `yaml:"children"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Create items from a YAML file (sqlite and postgres stores)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrap(err, "read seed file")
		}
		var items []seedItem
		if err := yaml.Unmarshal(data, &items); err != nil {
			return eris.Wrap(err, "parse seed file")
		}

		st, err := initStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		seeder, ok := st.(store.Seeder)
		if !ok {
			return eris.Errorf("store driver %q cannot create items", cfg.Store.Driver)
		}
		n, err := seed(cmd.Context(), seeder, items)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %d item(s)\n", n)
		return err
	},
}

// seed inserts items and their children, parents first.
func seed(ctx context.Context, s store.Seeder, items []seedItem) (int, error) {
	n := 0
	var insert func(it seedItem, parentID string) error
	insert = func(it seedItem, parentID string) error {
		if it.ID == "" {
			return eris.New("seed item without id")
		}
		status := model.ParseStatus(it.Status)
		if status == "" {
			status = model.StatusPending
		}
		handle, err := s.Insert(ctx, model.WorkItem{
			ID:              it.ID,
			Status:          status,
			ParentID:        parentID,
			Title:           it.Title,
			Description:     it.Description,
			Notes:           it.Notes,
			EnrichmentURL:   it.EnrichmentURL,
			DurationSeconds: it.DurationSeconds,
		})
		if err != nil {
			return eris.Wrapf(err, "insert %s", it.ID)
		}
		zap.L().Debug("seeded item", zap.String("item", it.ID), zap.String("handle", handle))
		n++
		for _, c := range it.Children {
			if err := insert(c, it.ID); err != nil {
				return err
			}
		}
		return nil
	}
	for _, it := range items {
		if err := insert(it, ""); err != nil {
			return n, err
		}
	}
	return n, nil
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
