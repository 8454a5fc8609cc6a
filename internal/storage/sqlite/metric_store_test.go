package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/observe"
	"github.com/JakeFAU/content-ingest/internal/store"
)

func runMetric(finished time.Time, processed, errs int) observe.RunMetric {
	rate := observe.ErrorRate(ingest.Stats{Processed: processed, Err: errs})
	return observe.RunMetric{
		RunID:        uuid.New(),
		PipelineName: "content_ingest",
		StartedAt:    finished.Add(-90 * time.Second),
		FinishedAt:   finished,
		Processed:    processed,
		OK200:        processed - errs,
		Errors:       errs,
		ErrorRate:    observe.RoundRate(rate),
		DurationMS:   90_000,
	}
}

func TestMetricStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewMetricStore(newTestDB(t))
	ctx := context.Background()

	m := runMetric(base, 100, 35)
	id, err := s.InsertMetric(ctx, m)
	require.NoError(t, err)
	m.ID = id

	got, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, m, got)

	_, err = s.GetRun(ctx, id+100)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMetricStoreNewestFirst(t *testing.T) {
	t.Parallel()

	s := NewMetricStore(newTestDB(t))
	ctx := context.Background()
	for _, offset := range []time.Duration{-3 * time.Hour, -time.Hour, -2 * time.Hour} {
		_, err := s.InsertMetric(ctx, runMetric(base.Add(offset), 10, 1))
		require.NoError(t, err)
	}
	other := runMetric(base, 10, 0)
	other.PipelineName = "other"
	_, err := s.InsertMetric(ctx, other)
	require.NoError(t, err)

	recent, err := s.LoadRecentMetrics(ctx, "content_ingest", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.True(t, recent[0].FinishedAt.Equal(base.Add(-time.Hour)))
	require.True(t, recent[1].FinishedAt.Equal(base.Add(-2*time.Hour)))

	rest, err := s.ListRuns(ctx, "content_ingest", 10, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, int64(1), rest[0].ID)

	baseline := observe.ComputeBaseline(recent)
	require.Equal(t, 2, baseline.Samples)
	require.InDelta(t, 0.1, baseline.AvgErrorRate, 1e-9)
}

func TestAlertsRoundTrip(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	db.now = func() time.Time { return base }
	s := NewMetricStore(db)
	ctx := context.Background()

	id, err := s.InsertMetric(ctx, runMetric(base, 100, 35))
	require.NoError(t, err)
	_, err = s.InsertAlert(ctx, observe.Alert{
		MetricID:     id,
		PipelineName: "content_ingest",
		Type:         observe.AlertAnomalousFailureRate,
		Severity:     observe.SeverityCritical,
		Message:      "Failure rate is high (35.00%).",
		Details:      map[string]any{"processed": 100, "errors": 35, "error_rate": 0.35},
	})
	require.NoError(t, err)
	_, err = s.InsertAlert(ctx, observe.Alert{
		MetricID:     id,
		PipelineName: "content_ingest",
		Type:         observe.AlertEmptyResultSet,
		Severity:     observe.SeverityWarning,
		Message:      "Pipeline run processed 0 URLs.",
	})
	require.NoError(t, err)

	alerts, err := s.ListAlerts(ctx, id)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	require.Equal(t, observe.AlertAnomalousFailureRate, alerts[0].Type)
	require.Equal(t, observe.SeverityCritical, alerts[0].Severity)
	require.InDelta(t, 35, alerts[0].Details["errors"], 1e-9)
	require.True(t, base.Equal(alerts[0].CreatedAt))
	require.Empty(t, alerts[1].Details)

	_, err = s.InsertAlert(ctx, observe.Alert{MetricID: id + 10, PipelineName: "x", Type: "t", Severity: "s", Message: "m"})
	require.Error(t, err, "foreign key on metric_id")
}

func TestSaveRunIsAtomic(t *testing.T) {
	t.Parallel()

	s := NewMetricStore(newTestDB(t))
	ctx := context.Background()

	id, alertIDs, err := s.SaveRun(ctx, runMetric(base, 0, 0), []observe.Alert{{
		PipelineName: "content_ingest",
		Type:         observe.AlertEmptyResultSet,
		Severity:     observe.SeverityWarning,
		Message:      "Pipeline run processed 0 URLs.",
	}})
	require.NoError(t, err)
	require.Len(t, alertIDs, 1)
	alerts, err := s.ListAlerts(ctx, id)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, id, alerts[0].MetricID)

	_, _, err = s.SaveRun(ctx, runMetric(base.Add(time.Hour), 10, 10), []observe.Alert{{
		PipelineName: "content_ingest",
		Type:         observe.AlertAnomalousFailureRate,
		Severity:     observe.SeverityCritical,
		Message:      "unencodable",
		Details:      map[string]any{"bad": make(chan int)},
	}})
	require.ErrorContains(t, err, "marshal alert details")

	runs, err := s.ListRuns(ctx, "content_ingest", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1, "failed save leaves no metric row")
	require.Equal(t, id, runs[0].ID)
}
