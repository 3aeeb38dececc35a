package rag

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// MemoryEngine is an in-process Engine for development and tests. It ranks
// documents by how many distinct query terms they contain.
type MemoryEngine struct {
	mu      sync.RWMutex
	indexes map[string]map[string]Document
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{indexes: make(map[string]map[string]Document)}
}

func (m *MemoryEngine) CreateIndex(ctx context.Context, name string, dimension int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[name]; !ok {
		m.indexes[name] = make(map[string]Document)
	}
	return nil
}

func (m *MemoryEngine) Upsert(ctx context.Context, name string, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[name]
	if !ok {
		return ErrIndexNotFound
	}
	for _, d := range docs {
		idx[d.ID] = d
	}
	return nil
}

func (m *MemoryEngine) Query(ctx context.Context, name, text string, topK int) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[name]
	if !ok {
		return nil, ErrIndexNotFound
	}

	terms := tokenize(text)
	type scored struct {
		doc   Document
		score int
	}
	var hits []scored
	for _, d := range idx {
		words := make(map[string]bool)
		for _, w := range tokenize(d.Text) {
			words[w] = true
		}
		score := 0
		for _, t := range terms {
			if words[t] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{doc: d, score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].doc.ID < hits[j].doc.ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]Document, len(hits))
	for i, h := range hits {
		out[i] = h.doc
	}
	return out, nil
}

// tokenize lowercases s and returns its distinct words of three or more
// letters or digits.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

var _ Engine = (*MemoryEngine)(nil)
