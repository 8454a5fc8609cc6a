package observe

import (
	"fmt"
	"math"
	"time"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

// RuleInput is everything the alert rules look at.
type RuleInput struct {
	Stats      ingest.Stats
	Duration   time.Duration
	FinishedAt time.Time
	Baseline   Baseline
	Staleness  Staleness
}

// ErrorRate returns err/processed, or zero for an empty run.
func ErrorRate(stats ingest.Stats) float64 {
	if stats.Processed == 0 {
		return 0
	}
	return float64(stats.Err) / float64(stats.Processed)
}

// RoundRate rounds a rate to four decimal places for storage.
func RoundRate(rate float64) float64 {
	return math.Round(rate*10_000) / 10_000
}

// ComputeBaseline averages the given metrics. An empty slice yields a zero
// baseline with no samples.
func ComputeBaseline(recent []RunMetric) Baseline {
	if len(recent) == 0 {
		return Baseline{}
	}
	var rate, duration float64
	for _, m := range recent {
		rate += m.ErrorRate
		duration += float64(m.DurationMS)
	}
	n := float64(len(recent))
	return Baseline{
		AvgErrorRate:  rate / n,
		AvgDurationMS: duration / n,
		Samples:       len(recent),
	}
}

// Evaluate applies every rule independently and returns the alerts that
// fired. It has no side effects; MetricID and PipelineName are left for the
// caller to fill in.
func Evaluate(in RuleInput, th Thresholds) []Alert {
	var alerts []Alert
	processed := in.Stats.Processed
	errs := in.Stats.Err
	rate := ErrorRate(in.Stats)

	if processed == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertEmptyResultSet,
			Severity: SeverityWarning,
			Message:  "Pipeline run processed 0 URLs.",
			Details:  map[string]any{"processed_count": processed},
		})
	}

	failureDetails := map[string]any{"error_rate": rate, "errors": errs, "processed": processed}
	switch {
	case processed > 0 && rate >= th.CriticalErrorRate:
		alerts = append(alerts, Alert{
			Type:     AlertAnomalousFailureRate,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("Failure rate is high (%.2f%%).", rate*100),
			Details:  failureDetails,
		})
	case processed >= th.WarningMinProcessed && rate >= th.WarningErrorRate:
		alerts = append(alerts, Alert{
			Type:     AlertAnomalousFailureRate,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("Failure rate increased (%.2f%%).", rate*100),
			Details:  failureDetails,
		})
	}

	base := in.Baseline
	enough := base.Samples >= th.BaselineMinSamples
	if enough && base.AvgErrorRate > 0 &&
		rate > base.AvgErrorRate*th.RelativeFactor && rate >= th.RelativeMinErrorRate {
		alerts = append(alerts, Alert{
			Type:     AlertAnomalousFailureRate,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("Failure rate is more than %gx recent baseline.", th.RelativeFactor),
			Details: map[string]any{
				"current_error_rate":  rate,
				"baseline_error_rate": base.AvgErrorRate,
			},
		})
	}

	durationMS := float64(in.Duration.Milliseconds())
	if enough && base.AvgDurationMS > 0 &&
		durationMS > base.AvgDurationMS*th.DurationFactor &&
		durationMS-base.AvgDurationMS > float64(th.DurationMinDelta.Milliseconds()) {
		alerts = append(alerts, Alert{
			Type:     AlertPerformanceDegradation,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("Run duration is more than %gx recent baseline.", th.DurationFactor),
			Details: map[string]any{
				"current_duration_ms":  in.Duration.Milliseconds(),
				"baseline_duration_ms": base.AvgDurationMS,
			},
		})
	}

	cutoff := in.FinishedAt.Add(-th.StaleAfter)
	latest := in.Staleness.LatestCheckedAt
	if latest == nil || latest.Before(cutoff) {
		var latestValue any
		if latest != nil {
			latestValue = latest.UTC().Format(time.RFC3339)
		}
		alerts = append(alerts, Alert{
			Type:     AlertPipelineStaleness,
			Severity: SeverityCritical,
			Message:  "No recent content checks in the fetch state store.",
			Details: map[string]any{
				"latest_checked_at": latestValue,
				"stale_cutoff":      cutoff.UTC().Format(time.RFC3339),
				"checked_documents": in.Staleness.CheckedDocuments,
			},
		})
	}

	return alerts
}
