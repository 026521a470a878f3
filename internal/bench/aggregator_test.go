package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/toolbench/internal/toolcall"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Send(ctx context.Context, prompt string, expected []string, model string) (*toolcall.Result, error) {
	args := m.Called(ctx, prompt, expected, model)
	res, _ := args.Get(0).(*toolcall.Result)
	return res, args.Error(1)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func result(cost, runTime float64) *toolcall.Result {
	return &toolcall.Result{
		ToolCalls:          []toolcall.ToolCall{json.RawMessage(`{"tool_name":"run_coder_agent","params":{}}`)},
		RunTimeMs:          runTime,
		InputAndOutputCost: cost,
	}
}

func statusErr(model string, code int) error {
	return &toolcall.RequestFailedError{Model: model, StatusCode: code, Body: "boom"}
}

func newAggregator(t *testing.T, d toolcall.Dispatcher, models []string, opts ...Option) *Aggregator {
	t.Helper()
	a, err := New(d, models, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return a
}

func runAll(t *testing.T, a *Aggregator) RunSummary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	summary, err := a.RunAll(ctx)
	require.NoError(t, err)
	return summary
}

func TestRunAll_RelativePrices(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, "list files", []string{"run_file_agent"}, "X").Return(result(0.002, 120), nil)
	d.On("Send", mock.Anything, "list files", []string{"run_file_agent"}, "Y").Return(result(0.004, 340), nil)

	a := newAggregator(t, d, []string{"X", "Y"})
	a.SetInput("list files", []string{"run_file_agent"})

	summary := runAll(t, a)
	snap := a.Snapshot()

	x, _ := snap.Row("X")
	y, _ := snap.Row("Y")
	assert.Equal(t, StatusSuccess, x.Status)
	assert.Equal(t, StatusSuccess, y.Status)
	assert.Equal(t, int64(100), x.RelativePricePercent)
	assert.Equal(t, int64(200), y.RelativePricePercent)
	require.NotNil(t, y.ExecutionTime)
	assert.Equal(t, 340.0, *y.ExecutionTime)
	assert.Equal(t, 0.004, y.ExecutionCost)
	assert.Len(t, x.ToolCalls, 1)

	assert.False(t, snap.IsLoading)
	assert.Equal(t, 1, snap.TotalExecutions)
	assert.Len(t, snap.PromptResponses, 2)
	assert.Equal(t, summary.Snapshot.Rows, snap.Rows)
	assert.Equal(t, 1, summary.Number)
	d.AssertExpectations(t)
}

func TestRunAll_FailureKeepsTotals(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, "ok").Return(result(0.001, 50), nil)
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, "flaky").Return(result(0.003, 90), nil).Once()
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, "flaky").Return(nil, statusErr("flaky", http.StatusInternalServerError))

	a := newAggregator(t, d, []string{"ok", "flaky"})

	runAll(t, a)
	before, _ := a.Snapshot().Row("flaky")
	require.Equal(t, StatusSuccess, before.Status)

	runAll(t, a)
	snap := a.Snapshot()
	after, _ := snap.Row("flaky")

	assert.Equal(t, StatusError, after.Status)
	assert.Nil(t, after.ToolCalls)
	require.NotNil(t, after.ExecutionTime)
	assert.Equal(t, 0.0, *after.ExecutionTime)
	assert.Equal(t, before.TotalCost, after.TotalCost)
	assert.Equal(t, before.TotalExecutionTime, after.TotalExecutionTime)

	// "ok" accrued 0.002 over two runs, "flaky" still holds 0.003 from the first.
	ok, _ := snap.Row("ok")
	assert.Equal(t, 0.002, ok.TotalCost)
	assert.Equal(t, int64(100), ok.RelativePricePercent)
	assert.Equal(t, int64(150), after.RelativePricePercent)
	assert.Len(t, snap.PromptResponses, 1)
}

func TestStart_ReentryIsNoop(t *testing.T) {
	release := make(chan struct{})
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(result(0.001, 10), nil)

	a := newAggregator(t, d, []string{"a", "b"})

	run, err := a.Start(context.Background())
	require.NoError(t, err)

	before := a.Snapshot()
	assert.True(t, before.IsLoading)
	for _, r := range before.Rows {
		assert.Equal(t, StatusLoading, r.Status)
		assert.Nil(t, r.ExecutionTime)
	}

	_, err = a.Start(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, before, a.Snapshot())

	close(release)
	<-run.Done()

	snap := a.Snapshot()
	assert.Equal(t, 1, snap.TotalExecutions)
	assert.False(t, snap.IsLoading)
}

func TestRunAll_AllFailed(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, statusErr("any", http.StatusBadGateway))

	a := newAggregator(t, d, []string{"a", "b", "c"})

	assert.NotPanics(t, func() { runAll(t, a) })
	for _, r := range a.Snapshot().Rows {
		assert.Equal(t, StatusError, r.Status)
		assert.Equal(t, 0.0, r.TotalCost)
		assert.Equal(t, int64(0), r.RelativePricePercent)
	}
}

func TestRunAll_EmptyTable(t *testing.T) {
	a := newAggregator(t, &mockDispatcher{}, nil)

	summary := runAll(t, a)

	assert.Equal(t, 1, summary.Number)
	assert.False(t, a.Snapshot().IsLoading)
	assert.Empty(t, summary.Snapshot.Rows)
}

func TestRunAll_TotalsAccumulate(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, "m").Return(result(0.0000014, 100), nil)

	a := newAggregator(t, d, []string{"m"})

	var lastCost, lastTime float64
	for i := 0; i < 4; i++ {
		runAll(t, a)
		r, _ := a.Snapshot().Row("m")
		assert.GreaterOrEqual(t, r.TotalCost, lastCost)
		assert.Greater(t, r.TotalExecutionTime, lastTime)
		assert.Equal(t, addCost(lastCost, 0.0000014), r.TotalCost)
		lastCost, lastTime = r.TotalCost, r.TotalExecutionTime
	}
	assert.Equal(t, 400.0, lastTime)
	assert.Equal(t, 4, a.Snapshot().TotalExecutions)
}

func TestRunAll_CompletionRunsExactlyOnce(t *testing.T) {
	models := make([]string, 32)
	d := &mockDispatcher{}
	for i := range models {
		models[i] = fmt.Sprintf("model-%02d", i)
		d.On("Send", mock.Anything, mock.Anything, mock.Anything, models[i]).
			Return(result(float64(i+1)/1000, 5), nil)
	}

	var calls atomic.Int32
	a := newAggregator(t, d, models, WithCompletionHook(func(ctx context.Context, s RunSummary) {
		calls.Add(1)
		for _, r := range s.Snapshot.Rows {
			assert.True(t, r.Status.Terminal(), "row %s not terminal at completion", r.Model)
		}
		assert.False(t, s.Snapshot.IsLoading)
	}))

	for i := 0; i < 3; i++ {
		runAll(t, a)
	}

	assert.Equal(t, int32(3), calls.Load())
	first, _ := a.Snapshot().Row("model-00")
	last, _ := a.Snapshot().Row("model-31")
	assert.Equal(t, int64(100), first.RelativePricePercent)
	assert.Equal(t, int64(3200), last.RelativePricePercent)
}

func TestRunAll_MaxConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
		}).
		Return(result(0.001, 1), nil)

	a := newAggregator(t, d, []string{"a", "b", "c", "d", "e", "f"}, WithMaxConcurrency(2))
	runAll(t, a)

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunAll_DispatchTimeout(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, "slow").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, &toolcall.RequestFailedError{Model: "slow", Err: context.DeadlineExceeded})
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, "fast").Return(result(0.001, 1), nil)

	a := newAggregator(t, d, []string{"slow", "fast"}, WithDispatchTimeout(20*time.Millisecond))
	runAll(t, a)

	slow, _ := a.Snapshot().Row("slow")
	fast, _ := a.Snapshot().Row("fast")
	assert.Equal(t, StatusError, slow.Status)
	assert.Equal(t, StatusSuccess, fast.Status)
}

func TestRunAll_NilResultIsFailure(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, "m").Return(nil, nil)

	a := newAggregator(t, d, []string{"m"})
	runAll(t, a)

	r, _ := a.Snapshot().Row("m")
	assert.Equal(t, StatusError, r.Status)
}

func TestSetModels(t *testing.T) {
	release := make(chan struct{})
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(result(0.001, 1), nil)

	_, err := New(d, []string{"a", "a"})
	assert.ErrorIs(t, err, ErrDuplicateModel)

	a := newAggregator(t, d, []string{"a"})
	assert.ErrorIs(t, a.SetModels([]string{"b", "b"}), ErrDuplicateModel)
	assert.Error(t, a.SetModels([]string{""}))

	run, err := a.Start(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, a.SetModels([]string{"b"}), ErrRunInProgress)

	close(release)
	<-run.Done()

	require.NoError(t, a.SetModels([]string{"b", "c"}))
	snap := a.Snapshot()
	require.Len(t, snap.Rows, 2)
	assert.Equal(t, StatusIdle, snap.Rows[0].Status)
	assert.Equal(t, 0.0, snap.Rows[0].TotalCost)
}

func TestWait(t *testing.T) {
	release := make(chan struct{})
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(result(0.001, 1), nil)

	a := newAggregator(t, d, []string{"a"})
	require.NoError(t, a.Wait(context.Background()))

	_, err := a.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, a.Wait(context.Background()))
	assert.False(t, a.Snapshot().IsLoading)
}

func TestSubscribe(t *testing.T) {
	d := &mockDispatcher{}
	d.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(result(0.001, 1), nil)

	a := newAggregator(t, d, []string{"a", "b"})
	ch, cancel := a.Subscribe()

	initial := <-ch
	assert.False(t, initial.IsLoading)
	assert.Equal(t, StatusIdle, initial.Rows[0].Status)

	var (
		wg   sync.WaitGroup
		last Snapshot
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for s := range ch {
			last = s
			if s.TotalExecutions == 1 && !s.IsLoading {
				return
			}
		}
	}()

	runAll(t, a)
	wg.Wait()
	cancel()
	cancel()

	assert.Equal(t, a.Snapshot().Rows, last.Rows)
	_, open := <-ch
	assert.False(t, open)
}
