package memory

import (
	"context"
	"sort"

	"github.com/JakeFAU/content-ingest/internal/observe"
	"github.com/JakeFAU/content-ingest/internal/store"
)

// MetricStore implements observe.MetricStore and store.RunRepository.
type MetricStore struct {
	db *DB
}

// NewMetricStore binds a MetricStore to db.
func NewMetricStore(db *DB) *MetricStore {
	return &MetricStore{db: db}
}

// LoadRecentMetrics returns the newest limit metrics for pipeline.
func (s *MetricStore) LoadRecentMetrics(ctx context.Context, pipeline string, limit int) ([]observe.RunMetric, error) {
	return s.ListRuns(ctx, pipeline, limit, 0)
}

// SaveRun appends the metric and its alerts under one lock.
func (s *MetricStore) SaveRun(_ context.Context, m observe.RunMetric, alerts []observe.Alert) (int64, []int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m.ID = int64(len(s.db.metrics) + 1)
	s.db.metrics = append(s.db.metrics, m)
	ids := make([]int64, 0, len(alerts))
	for _, a := range alerts {
		a.MetricID = m.ID
		ids = append(ids, s.appendAlert(a))
	}
	return m.ID, ids, nil
}

// InsertMetric appends m with the next id.
func (s *MetricStore) InsertMetric(_ context.Context, m observe.RunMetric) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m.ID = int64(len(s.db.metrics) + 1)
	s.db.metrics = append(s.db.metrics, m)
	return m.ID, nil
}

// InsertAlert appends a with the next id. The metric must exist.
func (s *MetricStore) InsertAlert(_ context.Context, a observe.Alert) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if a.MetricID < 1 || a.MetricID > int64(len(s.db.metrics)) {
		return 0, store.ErrNotFound
	}
	return s.appendAlert(a), nil
}

// appendAlert must be called with the lock held.
func (s *MetricStore) appendAlert(a observe.Alert) int64 {
	a.ID = int64(len(s.db.alerts) + 1)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.db.now().UTC()
	}
	if a.Details == nil {
		a.Details = map[string]any{}
	}
	s.db.alerts = append(s.db.alerts, a)
	return a.ID
}

// ListRuns returns a pipeline's metrics, newest first.
func (s *MetricStore) ListRuns(_ context.Context, pipeline string, limit, offset int) ([]observe.RunMetric, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []observe.RunMetric
	for _, m := range s.db.metrics {
		if m.PipelineName == pipeline {
			out = append(out, m)
		}
	}
	sortNewestFirst(out)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetRun loads one metric by id.
func (s *MetricStore) GetRun(_ context.Context, metricID int64) (observe.RunMetric, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if metricID < 1 || metricID > int64(len(s.db.metrics)) {
		return observe.RunMetric{}, store.ErrNotFound
	}
	return s.db.metrics[metricID-1], nil
}

// ListAlerts returns the alerts raised for one metric in insertion order.
func (s *MetricStore) ListAlerts(_ context.Context, metricID int64) ([]observe.Alert, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []observe.Alert
	for _, a := range s.db.alerts {
		if a.MetricID == metricID {
			out = append(out, a)
		}
	}
	return out, nil
}

func sortNewestFirst(ms []observe.RunMetric) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].FinishedAt.Equal(ms[j].FinishedAt) {
			return ms[i].FinishedAt.After(ms[j].FinishedAt)
		}
		return ms[i].ID > ms[j].ID
	})
}
