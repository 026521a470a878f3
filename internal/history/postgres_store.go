package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const schema = `
	CREATE TABLE IF NOT EXISTS tool_call_results (
		id                      UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		run_id                  UUID NOT NULL,
		run_number              INTEGER NOT NULL,
		model                   TEXT NOT NULL,
		status                  TEXT NOT NULL,
		tool_calls              JSONB,
		execution_time_ms       DOUBLE PRECISION NOT NULL DEFAULT 0,
		execution_cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_cost              DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_execution_time_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		relative_price_percent  BIGINT NOT NULL DEFAULT 0,
		prompt                  TEXT NOT NULL DEFAULT '',
		created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS tool_call_results_model_idx ON tool_call_results (model, created_at DESC);
`

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

// Migrate creates the results table when it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate history schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogRun(ctx context.Context, logs []*ResultLog) error {
	query := `
		INSERT INTO tool_call_results (run_id, run_number, model, status, tool_calls, execution_time_ms,
			execution_cost, total_cost, total_execution_time_ms, relative_price_percent, prompt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	for _, l := range logs {
		var toolCalls any
		if l.ToolCalls != nil {
			toolCalls = string(l.ToolCalls)
		}
		err := s.db.QueryRow(ctx, query,
			l.RunID, l.RunNumber, l.Model, l.Status, toolCalls, l.ExecutionTimeMs,
			l.ExecutionCost, l.TotalCost, l.TotalExecutionTimeMs, l.RelativePricePercent, l.Prompt, l.CreatedAt,
		).Scan(&l.ID)
		if err != nil {
			return fmt.Errorf("failed to log result for %s: %w", l.Model, err)
		}
	}
	return nil
}

// ListResults returns the newest results first, optionally for one model.
func (s *PostgresStore) ListResults(ctx context.Context, model string, limit int) ([]*ResultLog, error) {
	query := `
		SELECT id, run_id, run_number, model, status, tool_calls, execution_time_ms, execution_cost,
			total_cost, total_execution_time_ms, relative_price_percent, prompt, created_at
		FROM tool_call_results
		WHERE ($1 = '' OR model = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, model, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var logs []*ResultLog
	for rows.Next() {
		var (
			l         ResultLog
			toolCalls []byte
		)
		err := rows.Scan(
			&l.ID, &l.RunID, &l.RunNumber, &l.Model, &l.Status, &toolCalls, &l.ExecutionTimeMs, &l.ExecutionCost,
			&l.TotalCost, &l.TotalExecutionTimeMs, &l.RelativePricePercent, &l.Prompt, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		l.ToolCalls = toolCalls
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalCostByModel(ctx context.Context, from, to time.Time) (map[string]float64, error) {
	query := `
		SELECT model, COALESCE(SUM(execution_cost), 0)
		FROM tool_call_results
		WHERE status = 'success' AND created_at BETWEEN $1 AND $2
		GROUP BY model
	`
	rows, err := s.db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query total cost: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]float64)
	for rows.Next() {
		var (
			model string
			cost  float64
		)
		if err := rows.Scan(&model, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan total cost: %w", err)
		}
		totals[model] = cost
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating total cost: %w", err)
	}

	return totals, nil
}
