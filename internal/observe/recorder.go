package observe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

// MetricStore is the append-only sink for run metrics and alerts.
type MetricStore interface {
	LoadRecentMetrics(ctx context.Context, pipeline string, limit int) ([]RunMetric, error)
	// SaveRun writes m and its alerts atomically, linking each alert to the new
	// metric, and returns the metric id and the alert ids in order.
	SaveRun(ctx context.Context, m RunMetric, alerts []Alert) (int64, []int64, error)
}

// CorpusStats exposes the corpus-wide figures the staleness rule needs.
type CorpusStats interface {
	CountChecked(ctx context.Context) (int64, error)
	MaxLastCheckedAt(ctx context.Context) (*time.Time, error)
}

// AlertPublisher forwards persisted alerts to an external channel.
type AlertPublisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Config sets the pipeline identity and the rule constants.
type Config struct {
	PipelineName string
	BaselineRuns int
	Thresholds   Thresholds
}

// Recorder writes the metric row for a finished run and evaluates its alerts.
type Recorder struct {
	store     MetricStore
	corpus    CorpusStats
	cfg       Config
	logger    *zap.Logger
	publisher AlertPublisher
	topic     string
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithPublisher publishes every persisted alert to topic.
func WithPublisher(p AlertPublisher, topic string) Option {
	return func(r *Recorder) {
		r.publisher = p
		r.topic = topic
	}
}

// NewRecorder wires a Recorder.
func NewRecorder(store MetricStore, corpus CorpusStats, cfg Config, logger *zap.Logger, opts ...Option) *Recorder {
	if cfg.PipelineName == "" {
		cfg.PipelineName = "content_ingest"
	}
	if cfg.BaselineRuns <= 0 {
		cfg.BaselineRuns = 10
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{store: store, corpus: corpus, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record loads the baseline, evaluates the rules and persists the run metric
// together with its alerts. The baseline is read before the new metric is
// written so a run is never compared against itself.
func (r *Recorder) Record(ctx context.Context, runID uuid.UUID, result ingest.RunResult) (Report, error) {
	recent, err := r.store.LoadRecentMetrics(ctx, r.cfg.PipelineName, r.cfg.BaselineRuns)
	if err != nil {
		return Report{}, fmt.Errorf("load baseline: %w", err)
	}
	baseline := ComputeBaseline(recent)

	staleness, err := r.staleness(ctx)
	if err != nil {
		return Report{Baseline: baseline}, err
	}

	stats := result.Stats
	metric := RunMetric{
		RunID:        runID,
		PipelineName: r.cfg.PipelineName,
		StartedAt:    result.StartedAt,
		FinishedAt:   result.FinishedAt,
		Processed:    stats.Processed,
		OK200:        stats.OK200,
		OK304:        stats.OK304,
		Errors:       stats.Err,
		ErrorRate:    RoundRate(ErrorRate(stats)),
		DurationMS:   result.Duration.Milliseconds(),
	}
	alerts := Evaluate(RuleInput{
		Stats:      stats,
		Duration:   result.Duration,
		FinishedAt: result.FinishedAt,
		Baseline:   baseline,
		Staleness:  staleness,
	}, r.cfg.Thresholds)
	for i := range alerts {
		alerts[i].PipelineName = r.cfg.PipelineName
	}

	metricID, alertIDs, err := r.store.SaveRun(ctx, metric, alerts)
	if err != nil {
		return Report{Baseline: baseline}, fmt.Errorf("save run metric: %w", err)
	}
	metric.ID = metricID
	metrics.ObserveRun(stats.Processed, stats.OK200, stats.OK304, stats.Err, result.Duration, result.FinishedAt)

	report := Report{Metric: metric, Baseline: baseline, Alerts: make([]Alert, 0, len(alerts))}
	for i, alert := range alerts {
		alert.MetricID = metricID
		if i < len(alertIDs) {
			alert.ID = alertIDs[i]
		}
		report.Alerts = append(report.Alerts, alert)
		metrics.ObserveAlert(string(alert.Type), string(alert.Severity))
		logAlert := r.logger.Warn
		if alert.Severity == SeverityCritical {
			logAlert = r.logger.Error
		}
		logAlert("pipeline alert",
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
			zap.String("message", alert.Message),
			zap.Int64("metric_id", metricID),
		)
	}

	r.publish(ctx, report.Alerts)

	r.logger.Info("run metric recorded",
		zap.Int64("metric_id", metricID),
		zap.Stringer("run_id", runID),
		zap.Float64("error_rate", metric.ErrorRate),
		zap.Int64("duration_ms", metric.DurationMS),
		zap.Int("baseline_samples", baseline.Samples),
		zap.Int("alerts", len(report.Alerts)),
	)
	return report, nil
}

func (r *Recorder) staleness(ctx context.Context) (Staleness, error) {
	latest, err := r.corpus.MaxLastCheckedAt(ctx)
	if err != nil {
		return Staleness{}, fmt.Errorf("latest check time: %w", err)
	}
	count, err := r.corpus.CountChecked(ctx)
	if err != nil {
		return Staleness{}, fmt.Errorf("count checked documents: %w", err)
	}
	return Staleness{LatestCheckedAt: latest, CheckedDocuments: count}, nil
}

func (r *Recorder) publish(ctx context.Context, alerts []Alert) {
	if r.publisher == nil || r.topic == "" {
		return
	}
	for _, alert := range alerts {
		id, err := r.publisher.Publish(ctx, r.topic, alert)
		if err != nil {
			r.logger.Error("publish alert failed",
				zap.String("type", string(alert.Type)),
				zap.Int64("alert_id", alert.ID),
				zap.Error(err),
			)
			continue
		}
		r.logger.Debug("alert published", zap.String("message_id", id), zap.Int64("alert_id", alert.ID))
	}
}
