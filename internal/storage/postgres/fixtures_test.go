package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/content-ingest/internal/observe"
)

func metricFixture() observe.RunMetric {
	started := time.Date(2025, 5, 10, 1, 0, 0, 0, time.UTC)
	return observe.RunMetric{
		RunID:        uuid.New(),
		PipelineName: "content_ingest",
		StartedAt:    started,
		FinishedAt:   started.Add(time.Minute),
		Processed:    100,
		OK200:        60,
		OK304:        5,
		Errors:       35,
		ErrorRate:    0.35,
		DurationMS:   60_000,
	}
}

func alertFixture(metricID int64) observe.Alert {
	return observe.Alert{
		MetricID:     metricID,
		PipelineName: "content_ingest",
		Type:         observe.AlertAnomalousFailureRate,
		Severity:     observe.SeverityCritical,
		Message:      "Failure rate is high (35.00%).",
		Details:      map[string]any{"error_rate": 0.35, "errors": 35, "processed": 100},
	}
}
