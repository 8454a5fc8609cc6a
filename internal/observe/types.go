// Package observe records one metric row per ingest run and raises alerts when
// the run deviates from its own recent history.
package observe

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades an alert.
type Severity string

// Alert severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertType names the rule that fired.
type AlertType string

// Alert types.
const (
	AlertEmptyResultSet         AlertType = "empty_result_set"
	AlertAnomalousFailureRate   AlertType = "anomalous_failure_rate"
	AlertPerformanceDegradation AlertType = "performance_degradation"
	AlertPipelineStaleness      AlertType = "pipeline_staleness"
)

// RunMetric is the immutable summary row written once per run.
type RunMetric struct {
	ID           int64     `json:"metric_id"`
	RunID        uuid.UUID `json:"run_id"`
	PipelineName string    `json:"pipeline_name"`
	StartedAt    time.Time `json:"run_started_at"`
	FinishedAt   time.Time `json:"run_finished_at"`
	Processed    int       `json:"processed_count"`
	OK200        int       `json:"ok200_count"`
	OK304        int       `json:"ok304_count"`
	Errors       int       `json:"error_count"`
	ErrorRate    float64   `json:"error_rate"`
	DurationMS   int64     `json:"run_duration_ms"`
}

// Alert is an append-only record tied to the metric of the run that raised it.
type Alert struct {
	ID           int64          `json:"alert_id"`
	MetricID     int64          `json:"metric_id"`
	PipelineName string         `json:"pipeline_name"`
	Type         AlertType      `json:"alert_type"`
	Severity     Severity       `json:"severity"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Baseline averages the most recent runs of a pipeline.
type Baseline struct {
	AvgErrorRate  float64 `json:"avg_error_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	Samples       int     `json:"sample_count"`
}

// Thresholds parameterize the alert rules.
type Thresholds struct {
	CriticalErrorRate    float64
	WarningErrorRate     float64
	WarningMinProcessed  int
	RelativeFactor       float64
	RelativeMinErrorRate float64
	BaselineMinSamples   int
	DurationFactor       float64
	DurationMinDelta     time.Duration
	StaleAfter           time.Duration
}

// DefaultThresholds returns the production rule constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalErrorRate:    0.30,
		WarningErrorRate:     0.15,
		WarningMinProcessed:  20,
		RelativeFactor:       2,
		RelativeMinErrorRate: 0.05,
		BaselineMinSamples:   3,
		DurationFactor:       2,
		DurationMinDelta:     5 * time.Second,
		StaleAfter:           24 * time.Hour,
	}
}

// Staleness describes how recently anything in the corpus was checked.
type Staleness struct {
	LatestCheckedAt  *time.Time
	CheckedDocuments int64
}

// Report is what Record produced for one run.
type Report struct {
	Metric   RunMetric `json:"metric"`
	Baseline Baseline  `json:"baseline"`
	Alerts   []Alert   `json:"alerts"`
}
