package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/content-ingest/internal/observe"
	"github.com/JakeFAU/content-ingest/internal/store"
)

const metricColumns = `metric_id, run_id, pipeline_name, run_started_at, run_finished_at,
	processed_count, ok200_count, ok304_count, error_count, error_rate, run_duration_ms`

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

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveRun writes a metric and its alerts in one transaction.
func (s *MetricStore) SaveRun(ctx context.Context, m observe.RunMetric, alerts []observe.Alert) (id int64, alertIDs []int64, err error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin run metric: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("failed to roll back run metric: %w", rbErr))
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
	if err = tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit run metric: %w", err)
	}
	return id, alertIDs, nil
}

// InsertMetric appends a run metric and returns its id.
func (s *MetricStore) InsertMetric(ctx context.Context, m observe.RunMetric) (int64, error) {
	return s.insertMetric(ctx, s.db.db, m)
}

func (s *MetricStore) insertMetric(ctx context.Context, q execer, m observe.RunMetric) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO pipeline_metrics (
			run_id, pipeline_name, run_started_at, run_finished_at, processed_count,
			ok200_count, ok304_count, error_count, error_rate, run_duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID.String(),
		m.PipelineName,
		m.StartedAt.UTC().UnixMicro(),
		m.FinishedAt.UTC().UnixMicro(),
		m.Processed,
		m.OK200,
		m.OK304,
		m.Errors,
		m.ErrorRate,
		m.DurationMS,
		s.db.now().UTC().UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert metric: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read metric id: %w", err)
	}
	return id, nil
}

// InsertAlert appends an alert with its details as JSON text.
func (s *MetricStore) InsertAlert(ctx context.Context, a observe.Alert) (int64, error) {
	return s.insertAlert(ctx, s.db.db, a)
}

func (s *MetricStore) insertAlert(ctx context.Context, q execer, a observe.Alert) (int64, error) {
	details := a.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal alert details: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO alerts (metric_id, pipeline_name, alert_type, severity, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.MetricID,
		a.PipelineName,
		string(a.Type),
		string(a.Severity),
		a.Message,
		string(payload),
		s.db.now().UTC().UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read alert id: %w", err)
	}
	return id, nil
}

// ListRuns returns a pipeline's metrics, newest first.
func (s *MetricStore) ListRuns(ctx context.Context, pipeline string, limit, offset int) ([]observe.RunMetric, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT `+metricColumns+`
		FROM pipeline_metrics
		WHERE pipeline_name = ?
		ORDER BY run_finished_at DESC, metric_id DESC
		LIMIT ? OFFSET ?`, pipeline, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []observe.RunMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

// GetRun loads one metric by id.
func (s *MetricStore) GetRun(ctx context.Context, metricID int64) (observe.RunMetric, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT `+metricColumns+` FROM pipeline_metrics WHERE metric_id = ?`, metricID)
	m, err := scanMetric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return observe.RunMetric{}, store.ErrNotFound
	}
	return m, err
}

// ListAlerts returns the alerts raised for one metric.
func (s *MetricStore) ListAlerts(ctx context.Context, metricID int64) ([]observe.Alert, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT alert_id, metric_id, pipeline_name, alert_type, severity, message, details, created_at
		FROM alerts
		WHERE metric_id = ?
		ORDER BY alert_id`, metricID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []observe.Alert
	for rows.Next() {
		var (
			a              observe.Alert
			typ, sev, body string
			created        int64
		)
		if err := rows.Scan(&a.ID, &a.MetricID, &a.PipelineName, &typ, &sev, &a.Message, &body, &created); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Type = observe.AlertType(typ)
		a.Severity = observe.Severity(sev)
		a.CreatedAt = time.UnixMicro(created).UTC()
		if err := json.Unmarshal([]byte(body), &a.Details); err != nil {
			return nil, fmt.Errorf("failed to decode alert details: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetric(row scanner) (observe.RunMetric, error) {
	var (
		m                 observe.RunMetric
		runID             sql.NullString
		started, finished int64
	)
	err := row.Scan(
		&m.ID,
		&runID,
		&m.PipelineName,
		&started,
		&finished,
		&m.Processed,
		&m.OK200,
		&m.OK304,
		&m.Errors,
		&m.ErrorRate,
		&m.DurationMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return m, err
	}
	if err != nil {
		return m, fmt.Errorf("failed to scan metric: %w", err)
	}
	if runID.Valid {
		if err := m.RunID.UnmarshalText([]byte(runID.String)); err != nil {
			return m, fmt.Errorf("failed to parse run id: %w", err)
		}
	}
	m.StartedAt = time.UnixMicro(started).UTC()
	m.FinishedAt = time.UnixMicro(finished).UTC()
	return m, nil
}
