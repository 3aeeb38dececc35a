package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectConfigs = `
	SELECT tenant_id, use_case_id, crew_name, flow_ids, llm_policy
	FROM tenant_use_case_configs
`

func (s *PostgresStore) List(ctx context.Context) ([]*TenantUseCaseConfig, error) {
	rows, err := s.db.Query(ctx, selectConfigs+` ORDER BY tenant_id, use_case_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant configs: %w", err)
	}
	defer rows.Close()

	var configs []*TenantUseCaseConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant configs: %w", err)
	}
	return configs, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, useCase string) (*TenantUseCaseConfig, error) {
	row := s.db.QueryRow(ctx, selectConfigs+` WHERE tenant_id = $1 AND use_case_id = $2`, tenantID, useCase)
	c, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return c, nil
}

// Upsert writes one config row. It is used by the dev seeder; the kernel
// itself only reads.
func (s *PostgresStore) Upsert(ctx context.Context, c *TenantUseCaseConfig) error {
	flows, err := json.Marshal(nonNilFlows(c.FlowRefs))
	if err != nil {
		return fmt.Errorf("encode flow_ids: %w", err)
	}
	policy, err := json.Marshal(nonNilPolicy(c.LLMPolicy))
	if err != nil {
		return fmt.Errorf("encode llm_policy: %w", err)
	}

	query := `
		INSERT INTO tenant_use_case_configs (tenant_id, use_case_id, crew_name, flow_ids, llm_policy)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, use_case_id)
		DO UPDATE SET crew_name = EXCLUDED.crew_name, flow_ids = EXCLUDED.flow_ids, llm_policy = EXCLUDED.llm_policy
	`
	if _, err := s.db.Exec(ctx, query, c.TenantID, c.UseCase, c.CrewName, flows, policy); err != nil {
		return fmt.Errorf("failed to upsert tenant config: %w", err)
	}
	return nil
}

func scanConfig(row pgx.Row) (*TenantUseCaseConfig, error) {
	var c TenantUseCaseConfig
	var flows, policy []byte
	if err := row.Scan(&c.TenantID, &c.UseCase, &c.CrewName, &flows, &policy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan tenant config: %w", err)
	}
	if len(flows) > 0 {
		if err := json.Unmarshal(flows, &c.FlowRefs); err != nil {
			return nil, fmt.Errorf("decode flow_ids for %s/%s: %w", c.TenantID, c.UseCase, err)
		}
	}
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &c.LLMPolicy); err != nil {
			return nil, fmt.Errorf("decode llm_policy for %s/%s: %w", c.TenantID, c.UseCase, err)
		}
	}
	return &c, nil
}

func nonNilFlows(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilPolicy(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
