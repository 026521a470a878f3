package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vnmchuo/toolbench/internal/bench"
	"github.com/vnmchuo/toolbench/internal/history"
	"github.com/vnmchuo/toolbench/internal/snapshot"
	"github.com/vnmchuo/toolbench/pkg/ratelimit"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// SnapshotSource serves the last snapshot mirrored outside the process.
type SnapshotSource interface {
	Latest(ctx context.Context) (*bench.Snapshot, error)
}

type Handler struct {
	bench   *bench.Aggregator
	history history.Store
	latest  SnapshotSource
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewHandler wires the control API. history, latest and limiter are optional;
// endpoints that need a missing one answer 503, and runs are unlimited
// without a limiter.
func NewHandler(agg *bench.Aggregator, hist history.Store, latest SnapshotSource, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	return &Handler{
		bench:   agg,
		history: hist,
		latest:  latest,
		limiter: limiter,
		logger:  logger,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/table", h.HandleTable)
	r.Put("/v1/input", h.HandleInput)
	r.Put("/v1/models", h.HandleModels)
	r.Post("/v1/runs", h.HandleRun)
	r.Get("/v1/events", h.HandleEvents)
	r.Get("/v1/snapshot", h.HandleSnapshot)
	r.Get("/v1/history", h.HandleHistory)
	r.Get("/v1/history/costs", h.HandleCosts)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) HandleTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.bench.Snapshot())
}

type inputRequest struct {
	Prompt            string   `json:"prompt"`
	ExpectedToolCalls []string `json:"expected_tool_calls"`
}

func (h *Handler) HandleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.bench.SetInput(req.Prompt, req.ExpectedToolCalls)
	writeJSON(w, http.StatusOK, h.bench.Snapshot())
}

type modelsRequest struct {
	Models []string `json:"models"`
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	var req modelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.bench.SetModels(req.Models)
	switch {
	case errors.Is(err, bench.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.bench.Snapshot())
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil {
		id := clientID(r)
		allowed, err := h.limiter.AllowRun(ctx, id)
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if status, err := h.limiter.Status(ctx, id); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(status.Remaining, 10))
		}
	}

	run, err := h.bench.Start(ctx)
	if errors.Is(err, bench.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("run triggered", "run_id", run.ID, "request_id", middleware.GetReqID(ctx))

	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"run_id":     run.ID,
			"run_number": run.Number,
		})
		return
	}

	select {
	case <-run.Done():
		writeJSON(w, http.StatusOK, run.Summary().Snapshot)
	case <-ctx.Done():
		// The run keeps going; the client simply stopped waiting.
	}
}

func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := h.bench.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(s)
			if err != nil {
				fmt.Fprintf(w, "event: error\ndata: {\"error\": %q}\n\n", err.Error())
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.latest == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot cache not configured")
		return
	}

	s, err := h.latest.Latest(r.Context())
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid 'limit'")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	logs, err := h.history.ListResults(r.Context(), r.URL.Query().Get("model"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*history.ResultLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(logs),
		"results": logs,
	})
}

func (h *Handler) HandleCosts(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history not configured")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if raw := r.URL.Query().Get("from"); raw != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	totals, err := h.history.GetTotalCostByModel(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":          from,
		"to":            to,
		"cost_by_model": totals,
	})
}
