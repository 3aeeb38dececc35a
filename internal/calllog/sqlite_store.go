package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS llm_call_logs (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	use_case_id   TEXT NOT NULL,
	provider_name TEXT NOT NULL,
	model_name    TEXT NOT NULL,
	tokens_input  INTEGER NOT NULL DEFAULT 0,
	tokens_output INTEGER NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	error_type    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	request_id    TEXT NOT NULL DEFAULT '',
	trace_id      TEXT NOT NULL DEFAULT '',
	cost_usd      REAL NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_call_logs_tenant_created ON llm_call_logs (tenant_id, created_at);
`

// SQLiteStore keeps call logs in a local SQLite file. created_at is stored as
// unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and creates, if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create call log schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, e *Entry) error {
	id := uuid.NewString()
	createdAt := s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_call_logs (
			id, tenant_id, use_case_id, provider_name, model_name, tokens_input, tokens_output,
			latency_ms, status, error_type, error_message, request_id, trace_id, cost_usd, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, e.TenantID, e.UseCase, e.ProviderName, e.ModelName, e.TokensInput, e.TokensOutput,
		e.LatencyMs, string(e.Status), e.ErrorKind, e.ErrorMessage, e.RequestID, e.TraceID, e.CostUSD,
		createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append call log: %w", err)
	}

	e.ID = id
	e.CreatedAt = time.UnixMilli(createdAt.UnixMilli()).UTC()
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	query := `
		SELECT id, tenant_id, use_case_id, provider_name, model_name, tokens_input, tokens_output,
			latency_ms, status, error_type, error_message, request_id, trace_id, cost_usd, created_at
		FROM llm_call_logs
		WHERE tenant_id = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at DESC, id`
	args := []any{f.TenantID, f.From.UnixMilli(), f.To.UnixMilli()}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query call logs: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var status string
		var createdAt int64
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.UseCase, &e.ProviderName, &e.ModelName, &e.TokensInput, &e.TokensOutput,
			&e.LatencyMs, &status, &e.ErrorKind, &e.ErrorMessage, &e.RequestID, &e.TraceID, &e.CostUSD,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan call log: %w", err)
		}
		e.Status = Status(status)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating call logs: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Summary(ctx context.Context, f Filter) ([]*Usage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_name, model_name, COUNT(*),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
			COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0),
			COALESCE(SUM(cost_usd), 0), COALESCE(AVG(latency_ms), 0)
		FROM llm_call_logs
		WHERE tenant_id = ? AND created_at BETWEEN ? AND ?
		GROUP BY provider_name, model_name
		ORDER BY provider_name, model_name`,
		f.TenantID, f.From.UnixMilli(), f.To.UnixMilli(),
	)
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
