package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the copilot tools over MCP on stdio",
		Long: `Serve support.answer_ticket, hr.answer_question and legal.review_contract as MCP tools
over stdin/stdout. No tenant is bound, so every call must carry tenant_id.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context())
		},
	}
}

func runMCP(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	// No tracer here: the stdout exporter would interleave with the protocol.
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.memory {
		logger.Warn("VECTOR_STORE_URL is not set, retrieval will find no documents")
	}

	logger.Info("mcp server starting on stdio", "version", version)
	if err := a.tools.ServeStdio(ctx, version); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
