package bench

import (
	"encoding/json"
	"slices"

	"github.com/vnmchuo/toolbench/internal/toolcall"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether no further transition happens without a new run.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Row tracks one model's participation across every run of a table.
// TotalCost and TotalExecutionTime only ever grow until the table is rebuilt.
type Row struct {
	Model                string              `json:"model"`
	Status               Status              `json:"status"`
	ToolCalls            []toolcall.ToolCall `json:"toolCalls"`
	ExecutionTime        *float64            `json:"execution_time"`
	ExecutionCost        float64             `json:"execution_cost"`
	TotalCost            float64             `json:"total_cost"`
	TotalExecutionTime   float64             `json:"total_execution_time"`
	RelativePricePercent int64               `json:"relativePricePercent"`
}

func (r Row) clone() Row {
	out := r
	if r.ToolCalls != nil {
		out.ToolCalls = make([]toolcall.ToolCall, len(r.ToolCalls))
		for i, tc := range r.ToolCalls {
			out.ToolCalls[i] = slices.Clone(tc)
		}
	}
	if r.ExecutionTime != nil {
		v := *r.ExecutionTime
		out.ExecutionTime = &v
	}
	return out
}

// Snapshot is a deep copy of the table and its run-level state.
type Snapshot struct {
	RunID             string            `json:"run_id,omitempty"`
	IsLoading         bool              `json:"isLoading"`
	TotalExecutions   int               `json:"total_executions"`
	PromptResponses   []toolcall.Result `json:"promptResponses"`
	UserInput         string            `json:"userInput"`
	ExpectedToolCalls []string          `json:"expectedToolCalls"`
	Rows              []Row             `json:"rowData"`
}

// Row returns the row for model.
func (s Snapshot) Row(model string) (Row, bool) {
	for _, r := range s.Rows {
		if r.Model == model {
			return r, true
		}
	}
	return Row{}, false
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}
