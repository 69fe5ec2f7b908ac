package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scan workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			if migrate {
				if !cfg.UsesPostgres() {
					zap.L().Warn("--migrate ignored: no postgres driver configured")
				} else if err := server.Migrate(cmd.Context(), cfg, zap.L()); err != nil {
					_ = app.Close(cmd.Context()) //nolint:errcheck // Close only logs
					return err
				}
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending Postgres migrations before serving")
	return cmd
}
