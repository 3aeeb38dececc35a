package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/copilot-gateway/internal/db"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := connectPostgres(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(ctx, pool, logger)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations complete", "applied", len(applied))
			return nil
		},
	}
}
