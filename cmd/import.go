package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gebin/importer-exporter/internal/controller"
)

var (
	importWorkers int
	featurePath   string
	replaceIDs    bool
	codespace     string
	noAppearance  bool
)

var importCmd = &cobra.Command{
	Use:   "import [document.json]",
	Short: "Import a city model document into the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if cmd.Flags().Changed("workers") {
			cfg.Import.Workers = importWorkers
		}
		if featurePath != "" {
			cfg.Import.FeaturePath = featurePath
		}
		if cmd.Flags().Changed("replace-ids") {
			cfg.Import.ReplaceIDs = replaceIDs
		}
		if codespace != "" {
			cfg.Import.Codespace = codespace
		}
		if noAppearance {
			cfg.Import.Appearances = false
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open document: %w", err)
		}
		defer func() { _ = f.Close() }()

		fmt.Fprintf(cmd.OutOrStdout(), "Importing %s into %s...\n", path, cfg.DSN)
		s, err := controller.Import(cmd.Context(), cfg, f, filepath.Dir(path))
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), s)
		return nil
	},
}

func init() {
	importCmd.Flags().IntVarP(&importWorkers, "workers", "w", 0, "Number of import workers")
	importCmd.Flags().StringVar(&featurePath, "features", "", "JSONPath selecting the city objects to import")
	importCmd.Flags().BoolVar(&replaceIDs, "replace-ids", false, "Replace every gml:id by a generated one")
	importCmd.Flags().StringVar(&codespace, "codespace", "", "Codespace written with every gml:id")
	importCmd.Flags().BoolVar(&noAppearance, "no-appearances", false, "Skip appearances")
	rootCmd.AddCommand(importCmd)
}
