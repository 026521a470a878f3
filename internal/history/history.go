package history

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vnmchuo/toolbench/internal/bench"
)

// ResultLog is one row's outcome in one finished run.
type ResultLog struct {
	ID                   string          `json:"id"`
	RunID                string          `json:"run_id"`
	RunNumber            int             `json:"run_number"`
	Model                string          `json:"model"`
	Status               string          `json:"status"`
	ToolCalls            json.RawMessage `json:"tool_calls"`
	ExecutionTimeMs      float64         `json:"execution_time_ms"`
	ExecutionCost        float64         `json:"execution_cost"`
	TotalCost            float64         `json:"total_cost"`
	TotalExecutionTimeMs float64         `json:"total_execution_time_ms"`
	RelativePricePercent int64           `json:"relative_price_percent"`
	Prompt               string          `json:"prompt"`
	CreatedAt            time.Time       `json:"created_at"`
}

type Store interface {
	LogRun(ctx context.Context, logs []*ResultLog) error
	ListResults(ctx context.Context, model string, limit int) ([]*ResultLog, error)
	GetTotalCostByModel(ctx context.Context, from, to time.Time) (map[string]float64, error)
}

// FromSummary flattens a finished run into one log per row.
func FromSummary(s bench.RunSummary) []*ResultLog {
	logs := make([]*ResultLog, 0, len(s.Snapshot.Rows))
	for _, r := range s.Snapshot.Rows {
		l := &ResultLog{
			RunID:                s.ID,
			RunNumber:            s.Number,
			Model:                r.Model,
			Status:               string(r.Status),
			TotalCost:            r.TotalCost,
			TotalExecutionTimeMs: r.TotalExecutionTime,
			RelativePricePercent: r.RelativePricePercent,
			Prompt:               s.Snapshot.UserInput,
			CreatedAt:            s.FinishedAt,
		}
		if r.Status == bench.StatusSuccess {
			l.ExecutionCost = r.ExecutionCost
		}
		if r.ExecutionTime != nil {
			l.ExecutionTimeMs = *r.ExecutionTime
		}
		if r.ToolCalls != nil {
			l.ToolCalls, _ = json.Marshal(r.ToolCalls)
		}
		logs = append(logs, l)
	}
	return logs
}

// Recorder returns a completion hook that persists every finished run.
// Failures are logged; they never affect the run itself.
func Recorder(store Store, logger *slog.Logger) bench.CompletionHook {
	return func(ctx context.Context, s bench.RunSummary) {
		if err := store.LogRun(ctx, FromSummary(s)); err != nil {
			logger.Error("failed to record run", "run_id", s.ID, "error", err)
		}
	}
}
