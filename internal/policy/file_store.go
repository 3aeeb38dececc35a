package policy

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileStore serves tenant configs from a YAML document of the form
//
//	configs:
//	  - tenant_id: tenant_a
//	    use_case: support
//	    crew_name: support_crew_v1
//	    llm_policy: {provider: anthropic, model: claude-sonnet-4-5}
type FileStore struct {
	configs []*TenantUseCaseConfig
}

type fileDocument struct {
	Configs []*TenantUseCaseConfig `yaml:"configs"`
}

func LoadFile(path string) (*FileStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()
	return NewFileStore(f)
}

func NewFileStore(r io.Reader) (*FileStore, error) {
	var doc fileDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode policy file: %w", err)
	}

	seen := make(map[key]bool, len(doc.Configs))
	for i, c := range doc.Configs {
		if c == nil || c.TenantID == "" || c.UseCase == "" {
			return nil, fmt.Errorf("policy file entry %d: tenant_id and use_case are required", i)
		}
		k := key{c.TenantID, c.UseCase}
		if seen[k] {
			return nil, fmt.Errorf("policy file: duplicate entry for %s/%s", c.TenantID, c.UseCase)
		}
		seen[k] = true
	}
	return &FileStore{configs: doc.Configs}, nil
}

func (s *FileStore) List(ctx context.Context) ([]*TenantUseCaseConfig, error) {
	return s.configs, nil
}

func (s *FileStore) Get(ctx context.Context, tenantID, useCase string) (*TenantUseCaseConfig, error) {
	for _, c := range s.configs {
		if c.TenantID == tenantID && c.UseCase == useCase {
			return c, nil
		}
	}
	return nil, ErrConfigNotFound
}
