package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRequestFailed matches every dispatch failure through errors.Is.
var ErrRequestFailed = errors.New("tool prompt request failed")

type Request struct {
	Prompt            string   `json:"prompt"`
	ExpectedToolCalls []string `json:"expected_tool_calls"`
	Model             string   `json:"model"`
}

// ToolCall is a single tool call produced by a model. Its shape is owned by
// the backend and is passed through untouched.
type ToolCall = json.RawMessage

type Result struct {
	ToolCalls          []ToolCall `json:"tool_calls"`
	RunTimeMs          float64    `json:"runTimeMs"`
	InputAndOutputCost float64    `json:"inputAndOutputCost"`
}

// Dispatcher performs exactly one round trip to the backend per call.
type Dispatcher interface {
	Send(ctx context.Context, prompt string, expectedToolCalls []string, model string) (*Result, error)
}

// RequestFailedError carries either the non-2xx status code returned by the
// backend or the transport/decoding error that prevented a result.
type RequestFailedError struct {
	Model      string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestFailedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tool prompt for %s failed (status %d): %s", e.Model, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("tool prompt for %s failed: %v", e.Model, e.Err)
}

func (e *RequestFailedError) Unwrap() error { return e.Err }

func (e *RequestFailedError) Is(target error) bool { return target == ErrRequestFailed }
