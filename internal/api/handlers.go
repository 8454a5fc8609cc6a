package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/observe"
	"github.com/JakeFAU/content-ingest/internal/report"
	"github.com/JakeFAU/content-ingest/internal/store"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
	repoTimeout     = 3 * time.Second
)

// RunHandler exposes recorded run metrics and their alerts.
type RunHandler struct {
	repo     store.RunRepository
	pipeline string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRunHandler wires the repository and logger.
func NewRunHandler(repo store.RunRepository, pipeline string, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{repo: repo, pipeline: pipeline, timeout: repoTimeout, logger: logger}
}

// ListRuns handles GET /v1/runs?pipeline=&limit=&offset=. It returns
// {"runs": [...]} newest first, 400 for bad paging, 503 when no repository is
// configured and 500 on repository failure.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pipeline := h.pipeline
	if p := r.URL.Query().Get("pipeline"); p != "" {
		pipeline = p
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, pipeline, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.String("pipeline", pipeline), zap.Error(err))
		writeError(w, statusFor(err), "failed to list runs")
		return
	}
	if runs == nil {
		runs = []observe.RunMetric{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /v1/runs/{metric_id}; 404 when the metric is unknown.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	id, err := parseMetricID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Int64("metric_id", id), zap.Error(err))
		writeError(w, statusFor(err), "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

// ListAlerts handles GET /v1/runs/{metric_id}/alerts.
func (h *RunHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run repository unavailable")
		return
	}
	id, err := parseMetricID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.repo.GetRun(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Int64("metric_id", id), zap.Error(err))
		writeError(w, statusFor(err), "failed to load run")
		return
	}
	alerts, err := h.repo.ListAlerts(ctx, id)
	if err != nil {
		h.logger.Error("list alerts failed", zap.Int64("metric_id", id), zap.Error(err))
		writeError(w, statusFor(err), "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []observe.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// ReportHandler serves the named reports as JSON tables.
type ReportHandler struct {
	repo    store.ReportRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewReportHandler wires the repository and logger.
func NewReportHandler(repo store.ReportRepository, logger *zap.Logger) *ReportHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportHandler{repo: repo, timeout: 10 * time.Second, logger: logger}
}

// ListReports handles GET /v1/reports.
func (h *ReportHandler) ListReports(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"reports": report.Names})
}

// GetReport handles GET /v1/reports/{name}; 404 for an unknown name.
func (h *ReportHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "report repository unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	table, err := h.repo.Report(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrUnknownReport) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		h.logger.Error("report failed", zap.String("report", name), zap.Error(err))
		writeError(w, statusFor(err), "failed to render report")
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func parseMetricID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "metric_id")
	if raw == "" {
		return 0, errors.New("metric_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid metric_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
