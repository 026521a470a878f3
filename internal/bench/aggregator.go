// Package bench runs one prompt against a table of models and folds every
// model's outcome into its row.
//
// A run dispatches one request per row. Rows are updated independently as
// their responses arrive; once the last row reaches a terminal state the
// run's completion step computes relative prices, clears the loading flag and
// fires the completion hooks, exactly once.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/toolbench/internal/toolcall"
)

var (
	ErrRunInProgress  = errors.New("run already in progress")
	ErrDuplicateModel = errors.New("duplicate model")
)

// CompletionHook is called once per run after its completion step.
type CompletionHook func(ctx context.Context, summary RunSummary)

type RunSummary struct {
	ID         string
	Number     int
	StartedAt  time.Time
	FinishedAt time.Time
	Snapshot   Snapshot
}

// Run is the handle of a started run.
type Run struct {
	ID        string
	Number    int
	StartedAt time.Time

	expected int
	terminal int
	finished bool
	summary  RunSummary
	span     trace.Span
	done     chan struct{}
}

// Done is closed after the completion step and hooks have run.
func (r *Run) Done() <-chan struct{} { return r.done }

// Summary is valid once Done is closed.
func (r *Run) Summary() RunSummary { return r.summary }

type Option func(*Aggregator)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(a *Aggregator) { a.tracer = tracer }
}

// WithDispatchTimeout bounds each dispatch. Zero leaves dispatches unbounded.
func WithDispatchTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.dispatchTimeout = d }
}

// WithMaxConcurrency caps in-flight dispatches per run. Zero means no cap.
func WithMaxConcurrency(n int) Option {
	return func(a *Aggregator) { a.maxConcurrency = n }
}

func WithCompletionHook(hook CompletionHook) Option {
	return func(a *Aggregator) { a.hooks = append(a.hooks, hook) }
}

type Aggregator struct {
	dispatcher      toolcall.Dispatcher
	logger          *slog.Logger
	tracer          trace.Tracer
	dispatchTimeout time.Duration
	maxConcurrency  int

	mu                sync.Mutex
	rows              []Row
	isLoading         bool
	totalExecutions   int
	promptResponses   []toolcall.Result
	userInput         string
	expectedToolCalls []string
	current           *Run
	hooks             []CompletionHook
	subs              map[int]chan Snapshot
	nextSub           int
}

func New(dispatcher toolcall.Dispatcher, models []string, opts ...Option) (*Aggregator, error) {
	rows, err := newRows(models)
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		dispatcher:      dispatcher,
		logger:          slog.Default(),
		tracer:          noop.NewTracerProvider().Tracer("bench"),
		rows:            rows,
		promptResponses: []toolcall.Result{},
		subs:            make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func newRows(models []string) ([]Row, error) {
	seen := make(map[string]bool, len(models))
	rows := make([]Row, 0, len(models))
	for _, m := range models {
		if m == "" {
			return nil, fmt.Errorf("model name cannot be empty")
		}
		if seen[m] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateModel, m)
		}
		seen[m] = true
		rows = append(rows, Row{Model: m, Status: StatusIdle})
	}
	return rows, nil
}

// SetModels rebuilds the table with fresh idle rows; cumulative totals start
// over. It is refused while a run is outstanding.
func (a *Aggregator) SetModels(models []string) error {
	rows, err := newRows(models)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isLoading {
		return ErrRunInProgress
	}
	a.rows = rows
	a.notifyLocked()
	return nil
}

// SetInput sets the prompt and expected tool calls used by the next run.
func (a *Aggregator) SetInput(prompt string, expectedToolCalls []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userInput = prompt
	a.expectedToolCalls = slices.Clone(expectedToolCalls)
	a.notifyLocked()
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) snapshotLocked() Snapshot {
	s := Snapshot{
		IsLoading:         a.isLoading,
		TotalExecutions:   a.totalExecutions,
		PromptResponses:   make([]toolcall.Result, len(a.promptResponses)),
		UserInput:         a.userInput,
		ExpectedToolCalls: slices.Clone(a.expectedToolCalls),
		Rows:              make([]Row, len(a.rows)),
	}
	if a.current != nil {
		s.RunID = a.current.ID
	}
	copy(s.PromptResponses, a.promptResponses)
	for i, r := range a.rows {
		s.Rows[i] = r.clone()
	}
	return s
}

func (a *Aggregator) indexOf(model string) int {
	return slices.IndexFunc(a.rows, func(r Row) bool { return r.Model == model })
}

// Start begins a run over every row and returns without waiting for it.
// While a run is outstanding Start returns ErrRunInProgress and changes
// nothing.
func (a *Aggregator) Start(ctx context.Context) (*Run, error) {
	a.mu.Lock()
	if a.isLoading {
		a.mu.Unlock()
		return nil, ErrRunInProgress
	}

	a.isLoading = true
	a.promptResponses = []toolcall.Result{}
	a.totalExecutions++

	run := &Run{
		ID:        uuid.New().String(),
		Number:    a.totalExecutions,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
	prompt := a.userInput
	expected := slices.Clone(a.expectedToolCalls)

	models := make([]string, 0, len(a.rows))
	for i := range a.rows {
		row := &a.rows[i]
		row.Status = StatusLoading
		row.ToolCalls = nil
		row.ExecutionTime = nil
		models = append(models, row.Model)
	}
	run.expected = len(models)
	a.current = run

	// Dispatches outlive the caller's request; only the deadline option bounds them.
	runCtx, span := a.tracer.Start(context.WithoutCancel(ctx), "bench.run")
	span.SetAttributes(
		attribute.String("run_id", run.ID),
		attribute.Int("run_number", run.Number),
		attribute.Int("rows", len(models)),
	)
	run.span = span

	a.logger.Info("running tool call", "run_id", run.ID, "run", run.Number, "models", len(models))

	finished := false
	if run.expected == 0 {
		a.finishLocked(run)
		finished = true
	}
	a.notifyLocked()
	a.mu.Unlock()

	if finished {
		a.closeRun(runCtx, run)
		return run, nil
	}

	go a.dispatchAll(runCtx, run, prompt, expected, models)
	return run, nil
}

// RunAll starts a run and waits for its completion step.
func (a *Aggregator) RunAll(ctx context.Context) (RunSummary, error) {
	run, err := a.Start(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	select {
	case <-run.Done():
		return run.Summary(), nil
	case <-ctx.Done():
		return RunSummary{}, ctx.Err()
	}
}

// Wait blocks until the most recent run has completed.
func (a *Aggregator) Wait(ctx context.Context) error {
	a.mu.Lock()
	run := a.current
	a.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) dispatchAll(ctx context.Context, run *Run, prompt string, expected []string, models []string) {
	var g errgroup.Group
	if a.maxConcurrency > 0 {
		g.SetLimit(a.maxConcurrency)
	}
	for _, model := range models {
		g.Go(func() error {
			a.dispatch(ctx, run, prompt, expected, model)
			return nil // a failed row never cancels its siblings
		})
	}
	_ = g.Wait()
}

func (a *Aggregator) dispatch(ctx context.Context, run *Run, prompt string, expected []string, model string) {
	if a.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.dispatchTimeout)
		defer cancel()
	}

	a.logger.Info("running tool call for model", "run_id", run.ID, "model", model)
	res, err := a.dispatcher.Send(ctx, prompt, expected, model)
	if err == nil && res == nil {
		err = &toolcall.RequestFailedError{Model: model, Err: errors.New("empty response")}
	}
	a.complete(ctx, run, model, res, err)
}

// complete folds one dispatch outcome into its row and, when it is the last
// row of the run to settle, performs the completion step.
func (a *Aggregator) complete(ctx context.Context, run *Run, model string, res *toolcall.Result, err error) {
	a.mu.Lock()

	if i := a.indexOf(model); i < 0 {
		a.logger.Warn("row vanished during run", "run_id", run.ID, "model", model)
	} else if err != nil {
		row := &a.rows[i]
		zero := 0.0
		row.ToolCalls = nil
		row.ExecutionTime = &zero
		row.Status = StatusError
		a.logger.Error("error processing model", "run_id", run.ID, "model", model, "error", err)
	} else {
		row := &a.rows[i]
		runTime := res.RunTimeMs
		row.ToolCalls = res.ToolCalls
		row.ExecutionTime = &runTime
		row.ExecutionCost = res.InputAndOutputCost
		row.TotalCost = addCost(row.TotalCost, res.InputAndOutputCost)
		row.TotalExecutionTime += res.RunTimeMs
		row.Status = StatusSuccess
		a.promptResponses = append(a.promptResponses, *res)
		a.logger.Info("tool call succeeded",
			"run_id", run.ID,
			"model", model,
			"tool_calls", len(res.ToolCalls),
			"run_time_ms", res.RunTimeMs,
			"cost", res.InputAndOutputCost,
		)
	}

	run.terminal++
	finished := false
	if run.terminal == run.expected && !run.finished {
		a.finishLocked(run)
		finished = true
	}
	a.notifyLocked()
	a.mu.Unlock()

	if finished {
		a.closeRun(ctx, run)
	}
}

func (a *Aggregator) finishLocked(run *Run) {
	run.finished = true
	applyRelativePrices(a.rows)
	a.isLoading = false
	run.summary = RunSummary{
		ID:         run.ID,
		Number:     run.Number,
		StartedAt:  run.StartedAt,
		FinishedAt: time.Now(),
		Snapshot:   a.snapshotLocked(),
	}
}

func (a *Aggregator) closeRun(ctx context.Context, run *Run) {
	a.mu.Lock()
	hooks := slices.Clone(a.hooks)
	a.mu.Unlock()

	// The per-dispatch deadline, if any, must not cut the hooks short.
	ctx = context.WithoutCancel(ctx)
	for _, hook := range hooks {
		hook(ctx, run.summary)
	}

	a.logger.Info("run complete",
		"run_id", run.ID,
		"run", run.Number,
		"duration", run.summary.FinishedAt.Sub(run.StartedAt),
	)
	run.span.End()
	close(run.done)
}

// OnComplete registers a hook for every later run.
func (a *Aggregator) OnComplete(hook CompletionHook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, hook)
}
