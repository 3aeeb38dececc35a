package main

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vnmchuo/copilot-gateway/internal/auth"
	"github.com/vnmchuo/copilot-gateway/internal/policy"
	"github.com/vnmchuo/copilot-gateway/internal/rag"
	"github.com/vnmchuo/copilot-gateway/internal/seeder"
)

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the test API key, tenant_a configs and demo documents",
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

			engine, memory := newEngine(cfg)
			if memory {
				logger.Warn("VECTOR_STORE_URL is not set, demo documents will not outlive this command")
			}

			if err := newSeeder(pool, engine, cfg.VectorDimension, logger).Run(ctx); err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			return nil
		},
	}
}

func newSeeder(pool *pgxpool.Pool, engine rag.Engine, dimension int, logger *slog.Logger) *seeder.Seeder {
	return &seeder.Seeder{
		Keys:      auth.NewPostgresStore(pool),
		Configs:   policy.NewPostgresStore(pool),
		Engine:    engine,
		Dimension: dimension,
		Logger:    logger.With("component", "seeder"),
	}
}
