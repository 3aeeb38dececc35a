package rag

import (
	"context"
	"errors"
)

// ErrIndexNotFound is returned by engines when the named index has not been
// provisioned.
var ErrIndexNotFound = errors.New("index not found")

type Document struct {
	ID       string         `json:"id" yaml:"id"`
	Text     string         `json:"text,omitempty" yaml:"text"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

// Engine is the vector-engine collaborator. Embedding happens inside the
// engine; callers only deal in text.
type Engine interface {
	CreateIndex(ctx context.Context, name string, dimension int) error
	Upsert(ctx context.Context, name string, docs []Document) error
	Query(ctx context.Context, name, text string, topK int) ([]Document, error)
}
