package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/content-ingest/internal/observe"
	"github.com/JakeFAU/content-ingest/internal/store"
)

const metricColumns = `metric_id, run_id, pipeline_name, run_started_at, run_finished_at,
       processed_count, ok200_count, ok304_count, error_count, error_rate, run_duration_ms`

// MetricStore persists run metrics and alerts. It implements
// observe.MetricStore and store.RunRepository.
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

// rowQuerier is satisfied by the pool and by pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InsertMetric appends a run metric and returns its id.
func (s *MetricStore) InsertMetric(ctx context.Context, m observe.RunMetric) (int64, error) {
	return s.insertMetric(ctx, s.db.pool, m)
}

// InsertAlert appends an alert; details are stored as JSONB.
func (s *MetricStore) InsertAlert(ctx context.Context, a observe.Alert) (int64, error) {
	return s.insertAlert(ctx, s.db.pool, a)
}

// SaveRun writes a metric and its alerts in one transaction, so a failed alert
// insert leaves no metric row behind.
func (s *MetricStore) SaveRun(ctx context.Context, m observe.RunMetric, alerts []observe.Alert) (id int64, alertIDs []int64, err error) {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("begin run metric: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback run metric: %w", rbErr))
			}
		}
	}()

	id, err = s.insertMetric(ctx, tx, m)
	if err != nil {
		return 0, nil, err
	}
	alertIDs = make([]int64, 0, len(alerts))
	for _, a := range alerts {
		a.MetricID = id
		var alertID int64
		if alertID, err = s.insertAlert(ctx, tx, a); err != nil {
			return 0, nil, err
		}
		alertIDs = append(alertIDs, alertID)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, nil, fmt.Errorf("commit run metric: %w", err)
	}
	return id, alertIDs, nil
}

func (s *MetricStore) insertMetric(ctx context.Context, q rowQuerier, m observe.RunMetric) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id, pipeline_name, run_started_at, run_finished_at, processed_count,
	ok200_count, ok304_count, error_count, error_rate, run_duration_ms
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING metric_id`, s.db.tables.Metrics)

	var id int64
	err := q.QueryRow(ctx, query,
		m.RunID,
		m.PipelineName,
		m.StartedAt,
		m.FinishedAt,
		m.Processed,
		m.OK200,
		m.OK304,
		m.Errors,
		m.ErrorRate,
		m.DurationMS,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert metric: %w", err)
	}
	return id, nil
}

func (s *MetricStore) insertAlert(ctx context.Context, q rowQuerier, a observe.Alert) (int64, error) {
	details, err := json.Marshal(detailsOrEmpty(a.Details))
	if err != nil {
		return 0, fmt.Errorf("marshal alert details: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (metric_id, pipeline_name, alert_type, severity, message, details)
VALUES ($1,$2,$3,$4,$5,$6::jsonb)
RETURNING alert_id`, s.db.tables.Alerts)

	var id int64
	err = q.QueryRow(ctx, query,
		a.MetricID,
		a.PipelineName,
		string(a.Type),
		string(a.Severity),
		a.Message,
		details,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return id, nil
}

// ListRuns returns a pipeline's metrics, newest first.
func (s *MetricStore) ListRuns(ctx context.Context, pipeline string, limit, offset int) ([]observe.RunMetric, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE pipeline_name = $1
ORDER BY run_finished_at DESC
LIMIT $2 OFFSET $3`, metricColumns, s.db.tables.Metrics)

	rows, err := s.db.pool.Query(ctx, query, pipeline, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []observe.RunMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun loads one metric by id.
func (s *MetricStore) GetRun(ctx context.Context, metricID int64) (observe.RunMetric, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE metric_id = $1`, metricColumns, s.db.tables.Metrics)
	m, err := scanMetric(s.db.pool.QueryRow(ctx, query, metricID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return observe.RunMetric{}, store.ErrNotFound
		}
		return observe.RunMetric{}, err
	}
	return m, nil
}

// ListAlerts returns the alerts raised for one metric.
func (s *MetricStore) ListAlerts(ctx context.Context, metricID int64) ([]observe.Alert, error) {
	query := fmt.Sprintf(`
SELECT alert_id, metric_id, pipeline_name, alert_type, severity, message, details, created_at
FROM %s
WHERE metric_id = $1
ORDER BY alert_id`, s.db.tables.Alerts)

	rows, err := s.db.pool.Query(ctx, query, metricID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []observe.Alert
	for rows.Next() {
		var (
			a        observe.Alert
			typ, sev string
			details  []byte
		)
		if err := rows.Scan(&a.ID, &a.MetricID, &a.PipelineName, &typ, &sev, &a.Message, &details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Type = observe.AlertType(typ)
		a.Severity = observe.Severity(sev)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("decode alert details: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

func scanMetric(row pgx.Row) (observe.RunMetric, error) {
	var m observe.RunMetric
	err := row.Scan(
		&m.ID,
		&m.RunID,
		&m.PipelineName,
		&m.StartedAt,
		&m.FinishedAt,
		&m.Processed,
		&m.OK200,
		&m.OK304,
		&m.Errors,
		&m.ErrorRate,
		&m.DurationMS,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan metric: %w", err)
	}
	return m, nil
}

func detailsOrEmpty(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}
