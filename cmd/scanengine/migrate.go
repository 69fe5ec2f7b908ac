package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scanengine/internal/logging"
	"github.com/JakeFAU/scanengine/internal/server"
	"github.com/JakeFAU/scanengine/migrations"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }() //nolint:errcheck // stderr sync
			return server.Migrate(cmd.Context(), cfg, logger)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "versions",
		Short: "List the embedded migration versions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			versions, err := migrations.Versions()
			if err != nil {
				return err
			}
			for _, v := range versions {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	})
	return cmd
}
