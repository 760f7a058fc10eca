package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gebin/importer-exporter/internal/controller"
)

var exportNoAppearance bool

var exportCmd = &cobra.Command{
	Use:   "export [output.json]",
	Short: "Export all top-level city objects of the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		output := args[0]
		if exportNoAppearance {
			cfg.Export.Appearances = false
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() {
			err = errors.Join(err, f.Close())
		}()

		fmt.Fprintf(cmd.OutOrStdout(), "Exporting %s to %s...\n", cfg.DSN, output)
		s, err := controller.Export(cmd.Context(), cfg, f)
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), s)
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportNoAppearance, "no-appearances", false, "Skip appearances")
	rootCmd.AddCommand(exportCmd)
}
