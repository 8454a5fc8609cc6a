package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/content-ingest/internal/observe"
	"github.com/JakeFAU/content-ingest/internal/report"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnknownReport is returned for a report name no store defines.
	ErrUnknownReport = errors.New("unknown report")
)

// SitemapEntry is one URL discovered in a sitemap, staged before consolidation.
type SitemapEntry struct {
	URL     string
	Source  string
	LastMod *time.Time
}

// RunRepository reads recorded run metrics and their alerts.
type RunRepository interface {
	// ListRuns returns a pipeline's metrics, newest first.
	ListRuns(ctx context.Context, pipeline string, limit, offset int) ([]observe.RunMetric, error)
	// GetRun loads a single metric or returns ErrNotFound.
	GetRun(ctx context.Context, metricID int64) (observe.RunMetric, error)
	// ListAlerts returns the alerts raised for one metric in insertion order.
	ListAlerts(ctx context.Context, metricID int64) ([]observe.Alert, error)
}

// CatalogRepository maintains the sitemap staging table and the master URL list.
type CatalogRepository interface {
	// StageEntries upserts entries keyed by URL: source is overwritten and
	// lastmod is only replaced by a non-nil value.
	StageEntries(ctx context.Context, entries []SitemapEntry) (int, error)
	// Consolidate merges staged URLs into the master list, unioning sources.
	Consolidate(ctx context.Context) (int64, error)
}

// ReportRepository renders named read-only reports.
type ReportRepository interface {
	// Report runs the named report or returns ErrUnknownReport.
	Report(ctx context.Context, name string) (report.Table, error)
}
