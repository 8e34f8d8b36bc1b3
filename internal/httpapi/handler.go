// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi exposes the engine over REST and Server-Sent Events.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	intlog "github.com/durably/durably/internal/log"
	"github.com/durably/durably/pkg/durably"
	"github.com/durably/durably/pkg/storage"
)

// Handler serves the run management API backed by one engine instance.
type Handler struct {
	inst     *durably.Instance
	logger   *slog.Logger
	basePath string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithBasePath prefixes every route, e.g. "/v1".
func WithBasePath(prefix string) Option {
	return func(h *Handler) { h.basePath = prefix }
}

// NewHandler creates an API handler for the instance.
func NewHandler(inst *durably.Instance, opts ...Option) *Handler {
	h := &Handler{inst: inst, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(fmt.Sprintf("POST %s/trigger", h.basePath), h.Trigger)
	mux.HandleFunc(fmt.Sprintf("GET %s/run", h.basePath), h.GetRun)
	mux.HandleFunc(fmt.Sprintf("DELETE %s/run", h.basePath), h.DeleteRun)
	mux.HandleFunc(fmt.Sprintf("GET %s/runs", h.basePath), h.ListRuns)
	mux.HandleFunc(fmt.Sprintf("GET %s/steps", h.basePath), h.ListSteps)
	mux.HandleFunc(fmt.Sprintf("GET %s/logs", h.basePath), h.ListLogs)
	mux.HandleFunc(fmt.Sprintf("POST %s/retry", h.basePath), h.Retry)
	mux.HandleFunc(fmt.Sprintf("POST %s/cancel", h.basePath), h.Cancel)
	mux.HandleFunc(fmt.Sprintf("GET %s/subscribe", h.basePath), h.SubscribeRun)
	mux.HandleFunc(fmt.Sprintf("GET %s/runs/subscribe", h.basePath), h.SubscribeRuns)
}

// TriggerRequest is the POST /trigger body.
type TriggerRequest struct {
	JobName        string          `json:"jobName"`
	Input          json.RawMessage `json:"input,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	ConcurrencyKey string          `json:"concurrencyKey,omitempty"`
}

// Trigger handles POST /trigger.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.JobName == "" {
		h.writeError(w, http.StatusBadRequest, "jobName is required")
		return
	}

	job, ok := h.inst.Job(req.JobName)
	if !ok {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", req.JobName))
		return
	}

	var opts []durably.TriggerOption
	if req.IdempotencyKey != "" {
		opts = append(opts, durably.WithIdempotencyKey(req.IdempotencyKey))
	}
	if req.ConcurrencyKey != "" {
		opts = append(opts, durably.WithConcurrencyKey(req.ConcurrencyKey))
	}

	run, err := job.Trigger(r.Context(), req.Input, opts...)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"runId": run.ID})
}

// GetRun handles GET /run?runId=.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "runId is required")
		return
	}
	run, err := h.inst.GetRun(r.Context(), runID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /runs?jobName=&status=&limit=&offset=.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := storage.RunFilter{JobName: query.Get("jobName")}
	if s := query.Get("status"); s != "" {
		status := storage.Status(s)
		if !status.Valid() {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", s))
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = parseIntParam(query.Get("limit")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}
	if filter.Offset, err = parseIntParam(query.Get("offset")); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid offset parameter")
		return
	}

	runs, err := h.inst.GetRuns(r.Context(), filter)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if runs == nil {
		runs = []*storage.Run{}
	}
	h.writeJSON(w, http.StatusOK, runs)
}

// ListSteps handles GET /steps?runId=.
func (h *Handler) ListSteps(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "runId is required")
		return
	}
	steps, err := h.inst.GetSteps(r.Context(), runID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if steps == nil {
		steps = []*storage.Step{}
	}
	h.writeJSON(w, http.StatusOK, steps)
}

// ListLogs handles GET /logs?runId=.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "runId is required")
		return
	}
	logs, err := h.inst.GetLogs(r.Context(), runID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if logs == nil {
		logs = []*storage.LogEntry{}
	}
	h.writeJSON(w, http.StatusOK, logs)
}

// Retry handles POST /retry?runId=.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "runId is required")
		return
	}
	if err := h.inst.Retry(r.Context(), runID); err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{})
}

// Cancel handles POST /cancel?runId=.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "runId is required")
		return
	}
	if err := h.inst.Cancel(r.Context(), runID); err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{})
}

// DeleteRun handles DELETE /run?runId=.
func (h *Handler) DeleteRun(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "runId is required")
		return
	}
	if err := h.inst.Delete(r.Context(), runID); err != nil {
		h.handleError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{})
}

func parseIntParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// handleError maps engine errors onto HTTP statuses: 404 for missing rows,
// 409 for disallowed transitions, 400 for validation, 500 for storage faults.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var verr *durably.ValidationError
	switch {
	case errors.Is(err, durably.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, durably.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &verr):
		h.writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, durably.ErrStopped):
		h.writeError(w, http.StatusServiceUnavailable, "instance stopped")
	default:
		h.logger.Error("request failed", intlog.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", intlog.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
