package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gebin/importer-exporter/internal/controller"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the city model tables and sequences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := controller.CreateSchema(cmd.Context(), cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema ready in %s (%s, SRID %d).\n", cfg.DSN, cfg.Dialect, cfg.SRID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
