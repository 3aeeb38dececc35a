package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/copilot-gateway/internal/rag"
)

func ingestCmd() *cobra.Command {
	var tenantID, useCase, source string

	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Load documents from a YAML or JSON file into a tenant index",
		Long: `Load documents into the index for (tenant, use case, source). The file may set
tenant_id, use_case and source itself; flags override them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			engine, memory := newEngine(cfg)
			if memory {
				return errors.New("VECTOR_STORE_URL is required for ingest")
			}

			file, err := rag.LoadDocuments(args[0])
			if err != nil {
				return err
			}
			if tenantID != "" {
				file.TenantID = tenantID
			}
			if useCase != "" {
				file.UseCase = useCase
			}
			if source != "" {
				file.Source = source
			}
			if file.TenantID == "" || file.UseCase == "" || file.Source == "" {
				return errors.New("tenant, use case and source are required")
			}

			if err := rag.Ingest(ctx, engine, logger, file.TenantID, file.UseCase, file.Source, file.Documents, cfg.VectorDimension); err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&useCase, "use-case", "", "use case")
	cmd.Flags().StringVar(&source, "source", "", "document source")
	return cmd
}
