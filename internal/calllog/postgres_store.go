package calllog

import (
	"context"
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

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO llm_call_logs (
			tenant_id, use_case_id, provider_name, model_name, tokens_input, tokens_output,
			latency_ms, status, error_type, error_message, request_id, trace_id, cost_usd
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), $13)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		e.TenantID, e.UseCase, e.ProviderName, e.ModelName, e.TokensInput, e.TokensOutput,
		e.LatencyMs, string(e.Status), e.ErrorKind, e.ErrorMessage, e.RequestID, e.TraceID, e.CostUSD,
	).Scan(&e.ID, &e.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to append call log: %w", err)
	}

	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `
		SELECT id, tenant_id, use_case_id, provider_name, model_name, tokens_input, tokens_output,
			latency_ms, status, COALESCE(error_type, ''), COALESCE(error_message, ''),
			COALESCE(request_id, ''), COALESCE(trace_id, ''), cost_usd, created_at
		FROM llm_call_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	args := []any{f.TenantID, f.From, f.To}
	if f.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var status string
		err := rows.Scan(
			&e.ID, &e.TenantID, &e.UseCase, &e.ProviderName, &e.ModelName, &e.TokensInput, &e.TokensOutput,
			&e.LatencyMs, &status, &e.ErrorKind, &e.ErrorMessage,
			&e.RequestID, &e.TraceID, &e.CostUSD, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call log: %w", err)
		}
		e.Status = Status(status)
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call logs: %w", err)
	}

	return entries, nil
}

func (s *PostgresStore) Summary(ctx context.Context, f Filter) ([]*Usage, error) {
	query := `
		SELECT provider_name, model_name, COUNT(*),
			COUNT(*) FILTER (WHERE status = 'error'),
			COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0),
			COALESCE(SUM(cost_usd), 0), COALESCE(AVG(latency_ms), 0)
		FROM llm_call_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY provider_name, model_name
		ORDER BY provider_name, model_name
	`
	rows, err := s.db.Query(ctx, query, f.TenantID, f.From, f.To)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize call logs: %w", err)
	}
	defer rows.Close()

	var out []*Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.ProviderName, &u.ModelName, &u.Calls, &u.Errors,
			&u.TokensInput, &u.TokensOutput, &u.CostUSD, &u.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		out = append(out, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage: %w", err)
	}

	return out, nil
}
