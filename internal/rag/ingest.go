package rag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Ingest provisions the index for (tenantID, useCase, source) and upserts
// docs into it. An empty batch still provisions the index and is otherwise a
// no-op.
func Ingest(ctx context.Context, engine Engine, logger *slog.Logger, tenantID, useCase, source string, docs []Document, dimension int) error {
	name := IndexName(tenantID, useCase, source)
	logger = logger.With("tenant_id", tenantID, "use_case", useCase, "source", source, "index", name)

	if err := engine.CreateIndex(ctx, name, dimension); err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}

	if len(docs) == 0 {
		logger.Info("no documents to ingest")
		return nil
	}

	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("document %d has no id", i)
		}
	}

	if err := engine.Upsert(ctx, name, docs); err != nil {
		return fmt.Errorf("upsert into %s: %w", name, err)
	}
	logger.Info("ingested documents", "count", len(docs))
	return nil
}

// DocumentFile is the on-disk shape read by LoadDocuments. JSON is valid
// YAML, so either format works.
type DocumentFile struct {
	TenantID  string     `yaml:"tenant_id"`
	UseCase   string     `yaml:"use_case"`
	Source    string     `yaml:"source"`
	Documents []Document `yaml:"documents"`
}

func LoadDocuments(path string) (*DocumentFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open documents file: %w", err)
	}
	defer f.Close()
	return DecodeDocuments(f)
}

func DecodeDocuments(r io.Reader) (*DocumentFile, error) {
	var doc DocumentFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	if doc.Source == "" {
		doc.Source = "kb"
	}
	return &doc, nil
}
