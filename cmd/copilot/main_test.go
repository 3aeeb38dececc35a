package main

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/copilot-gateway/config"
	"github.com/vnmchuo/copilot-gateway/internal/rag"
)

func TestCommands(t *testing.T) {
	root := &cobra.Command{Use: "copilot"}
	root.AddCommand(serveCmd(), mcpCmd(), migrateCmd(), seedCmd(), ingestCmd())

	for _, name := range []string{"serve", "mcp", "migrate", "seed", "ingest"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Expected %s subcommand, got %v (%v)", name, cmd, err)
		}
	}

	if err := ingestCmd().Args(ingestCmd(), nil); err == nil {
		t.Error("Expected ingest to require a file argument")
	}
}

func TestNewEngine(t *testing.T) {
	engine, memory := newEngine(&config.Config{})
	if !memory {
		t.Error("Expected in-process engine without VECTOR_STORE_URL")
	}
	if _, ok := engine.(*rag.MemoryEngine); !ok {
		t.Errorf("Expected *rag.MemoryEngine, got %T", engine)
	}

	engine, memory = newEngine(&config.Config{VectorStoreURL: "http://vectors:8000"})
	if memory {
		t.Error("Expected HTTP engine when VECTOR_STORE_URL is set")
	}
	if _, ok := engine.(*rag.HTTPEngine); !ok {
		t.Errorf("Expected *rag.HTTPEngine, got %T", engine)
	}
}
