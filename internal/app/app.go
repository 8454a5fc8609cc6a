// Package app builds the long-lived services behind every command from a
// validated config.Config and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/api"
	"github.com/JakeFAU/content-ingest/internal/clock/system"
	"github.com/JakeFAU/content-ingest/internal/config"
	"github.com/JakeFAU/content-ingest/internal/discovery"
	"github.com/JakeFAU/content-ingest/internal/fetcher/conditional"
	"github.com/JakeFAU/content-ingest/internal/id/uuid"
	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
	"github.com/JakeFAU/content-ingest/internal/observe"
	"github.com/JakeFAU/content-ingest/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/content-ingest/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/content-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/content-ingest/internal/report"
	"github.com/JakeFAU/content-ingest/internal/storage"
	"github.com/JakeFAU/content-ingest/internal/storage/gcs"
	"github.com/JakeFAU/content-ingest/internal/storage/local"
	"github.com/JakeFAU/content-ingest/internal/storage/memory"
	"github.com/JakeFAU/content-ingest/internal/storage/postgres"
	"github.com/JakeFAU/content-ingest/internal/storage/sqlite"
	"github.com/JakeFAU/content-ingest/internal/store"
	"github.com/JakeFAU/content-ingest/internal/telemetry"
)

type metricStore interface {
	observe.MetricStore
	store.RunRepository
}

type catalogStore interface {
	store.CatalogRepository
	store.ReportRepository
}

// App holds the shared services for one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock
	ids    *uuid.Generator

	fetchState ingest.FetchStateStore
	metrics    metricStore
	catalog    catalogStore
	pinger     api.Pinger
	migrate    func(context.Context) error

	fetcher   ingest.Fetcher
	archiver  ingest.Archiver
	publisher observe.AlertPublisher

	closers []func() error
}

// Option customizes Build.
type Option func(*App)

// WithFetcher replaces the conditional HTTP fetcher.
func WithFetcher(f ingest.Fetcher) Option {
	return func(a *App) {
		a.fetcher = f
	}
}

// WithPublisher replaces the publisher chosen from the pubsub config.
func WithPublisher(p observe.AlertPublisher) Option {
	return func(a *App) {
		a.publisher = p
	}
}

// Build initializes every service cfg selects. It fails fast; anything opened
// before the failure is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.Close(ctx))
		}
	}()

	metrics.Init()

	shutdown, err := telemetry.Init(ctx, cfg.App, cfg.Telemetry, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := a.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	if err := a.openArchive(ctx); err != nil {
		return nil, err
	}
	if a.publisher == nil {
		if err := a.openPublisher(ctx); err != nil {
			return nil, err
		}
	}
	if a.fetcher == nil {
		a.fetcher = conditional.New(conditional.Config{
			UserAgent:       cfg.HTTP.UserAgent,
			MaxBytes:        cfg.HTTP.MaxBytes,
			ChunkSize:       cfg.HTTP.ChunkSize,
			ConnectTimeout:  cfg.HTTP.ConnectTimeout,
			ReadTimeout:     cfg.HTTP.ReadTimeout,
			FollowRedirects: cfg.HTTP.FollowRedirects,
		},
			ingest.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, cfg.HTTP.BackoffBase, cfg.HTTP.BackoffMax),
			logger.Named("fetcher"),
		)
	}

	logger.Info("application services initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.String("archive", cfg.Archive.Backend),
		zap.Bool("alerts_published", a.publisher != nil),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	db := a.cfg.Database
	switch db.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, postgres.Config{
			DSN:             db.DSN,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			MaxConnLifetime: db.MaxConnLifetime,
			Tables: postgres.Tables{
				Master:  db.Tables.Master,
				Content: db.Tables.Content,
				Staging: db.Tables.Staging,
				Metrics: db.Tables.Metrics,
				Alerts:  db.Tables.Alerts,
			},
		})
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		catalog, err := postgres.NewCatalogStore(pg)
		if err != nil {
			return fmt.Errorf("init catalog store: %w", err)
		}
		a.fetchState = postgres.NewFetchStateStore(pg)
		a.metrics = postgres.NewMetricStore(pg)
		a.catalog = catalog
		a.pinger = pg
		a.migrate = pg.Migrate
	case config.DriverSQLite:
		lite, err := sqlite.Open(ctx, db.SQLitePath, a.logger.Named("sqlite"))
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, lite.Close)
		catalog, err := sqlite.NewCatalogStore(lite)
		if err != nil {
			return fmt.Errorf("init catalog store: %w", err)
		}
		a.fetchState = sqlite.NewFetchStateStore(lite)
		a.metrics = sqlite.NewMetricStore(lite)
		a.catalog = catalog
		a.pinger = lite
		a.migrate = lite.Migrate
	case config.DriverMemory:
		mem := memory.New()
		a.fetchState = memory.NewFetchStateStore(mem)
		a.metrics = memory.NewMetricStore(mem)
		a.catalog = memory.NewCatalogStore(mem)
		a.migrate = func(context.Context) error { return nil }
		a.logger.Warn("using in-memory stores; nothing survives the process")
	default:
		return fmt.Errorf("%w: %q", config.ErrUnknownDriver, db.Driver)
	}
	return nil
}

func (a *App) openArchive(ctx context.Context) error {
	cfg := a.cfg.Archive
	var (
		backend ingest.Archiver
		err     error
	)
	switch cfg.Backend {
	case config.ArchiveNone, "":
		return nil
	case config.ArchiveMemory:
		backend = memory.NewArchive()
	case config.ArchiveLocal:
		backend, err = local.New(local.Config{BaseDir: cfg.BaseDir})
	case config.ArchiveGCS:
		var client *gstorage.Client
		client, err = gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		backend, err = gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
	default:
		return fmt.Errorf("%w: %q", config.ErrUnknownArchive, cfg.Backend)
	}
	if err != nil {
		return fmt.Errorf("init %s archive: %w", cfg.Backend, err)
	}
	a.archiver = storage.Instrument(cfg.Backend, backend, a.logger.Named("archive"))
	return nil
}

func (a *App) openPublisher(ctx context.Context) error {
	cfg := a.cfg.PubSub
	if cfg.Topic == "" {
		return nil
	}
	if cfg.ProjectID == "" {
		a.logger.Info("pubsub.project_id not set; alerts are logged instead of published", zap.String("topic", cfg.Topic))
		a.publisher = pubmemory.New(pubmemory.WithLogger(a.logger.Named("alerts")))
		return nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("create pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	a.closers = append(a.closers, func() error {
		pub.Close()
		return client.Close()
	})
	a.publisher = pub
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Publisher returns the alert publisher, or nil when alerts are not sent.
func (a *App) Publisher() observe.AlertPublisher {
	return a.publisher
}

// Catalog exposes the staging and master list store.
func (a *App) Catalog() store.CatalogRepository {
	return a.catalog
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema applied", zap.String("driver", a.cfg.Database.Driver))
	return nil
}

// RunSummary is the outcome of one ingest pass.
type RunSummary struct {
	Result ingest.RunResult
	// Report is nil when observation is disabled.
	Report *observe.Report
}

// Run performs one refresh pass and, unless disabled, records its metric and
// alerts. Each run gets a fresh host throttle.
func (a *App) Run(ctx context.Context) (RunSummary, error) {
	runID, err := a.ids.NewRunID()
	if err != nil {
		return RunSummary{}, err
	}
	logger := a.logger.With(zap.String("run_id", runID.String()))

	throttle := ratelimit.NewHostThrottle(a.cfg.Ingest.HostDelay, a.clock, a.clock, logger.Named("throttle"))
	var opts []ingest.RunnerOption
	if a.archiver != nil {
		opts = append(opts, ingest.WithArchiver(a.archiver))
	}
	runner := ingest.NewRunner(a.fetchState, a.fetcher, throttle, a.clock, ingest.RunnerConfig{
		BatchSize:  a.cfg.Ingest.BatchSize,
		MaxBatches: a.cfg.Ingest.MaxBatches,
		Due: ingest.DuePolicy{
			FreshInterval:     a.cfg.Ingest.FreshInterval,
			OversizedInterval: a.cfg.Ingest.OversizedInterval,
		},
		ArchivePrefix: a.cfg.Archive.Prefix,
	}, logger.Named("runner"), opts...)

	result, err := runner.Run(ctx)
	if err != nil {
		return RunSummary{Result: result}, fmt.Errorf("run ingest: %w", err)
	}
	summary := RunSummary{Result: result}

	if a.cfg.Observe.Enabled {
		rep, err := a.recorder(logger).Record(ctx, runID, result)
		if err != nil {
			return summary, fmt.Errorf("record run: %w", err)
		}
		summary.Report = &rep
	}

	if url := a.cfg.Metrics.PushgatewayURL; url != "" {
		if err := metrics.Push(ctx, url, a.cfg.Metrics.Job); err != nil {
			logger.Warn("pushgateway push failed", zap.String("url", url), zap.Error(err))
		}
	}
	return summary, nil
}

func (a *App) recorder(logger *zap.Logger) *observe.Recorder {
	t := a.cfg.Observe.Thresholds
	var opts []observe.Option
	if a.publisher != nil {
		opts = append(opts, observe.WithPublisher(a.publisher, a.cfg.PubSub.Topic))
	}
	return observe.NewRecorder(a.metrics, a.fetchState, observe.Config{
		PipelineName: a.cfg.App.PipelineName,
		BaselineRuns: a.cfg.Observe.BaselineRuns,
		Thresholds: observe.Thresholds{
			CriticalErrorRate:    t.CriticalErrorRate,
			WarningErrorRate:     t.WarningErrorRate,
			WarningMinProcessed:  t.WarningMinProcessed,
			RelativeFactor:       t.RelativeFactor,
			RelativeMinErrorRate: t.RelativeMinErrorRate,
			BaselineMinSamples:   t.BaselineMinSamples,
			DurationFactor:       t.DurationFactor,
			DurationMinDelta:     t.DurationMinDelta,
			StaleAfter:           a.cfg.Observe.StaleAfter,
		},
	}, logger.Named("recorder"), opts...)
}

// Discover walks the sitemaps (the configured ones when roots is empty) and
// stages every entry found. Entries from sitemaps that did load are staged even
// when others failed; the walk error is still returned.
func (a *App) Discover(ctx context.Context, roots []string) (int, error) {
	if len(roots) == 0 {
		roots = a.cfg.Discovery.Sitemaps
	}
	if len(roots) == 0 {
		return 0, errors.New("no sitemaps configured")
	}
	walker := discovery.New(discovery.Config{
		UserAgent: a.cfg.Discovery.UserAgent,
		Timeout:   a.cfg.Discovery.Timeout,
	}, a.logger.Named("discovery"))

	entries, walkErr := walker.Walk(ctx, roots)
	if ctx.Err() != nil {
		return 0, walkErr
	}
	staged, err := a.catalog.StageEntries(ctx, entries)
	if err != nil {
		return staged, errors.Join(walkErr, fmt.Errorf("stage entries: %w", err))
	}
	a.logger.Info("sitemap entries staged", zap.Int("entries", staged))
	return staged, walkErr
}

// Consolidate merges staged entries into the master list.
func (a *App) Consolidate(ctx context.Context) (int64, error) {
	n, err := a.catalog.Consolidate(ctx)
	if err != nil {
		return 0, fmt.Errorf("consolidate: %w", err)
	}
	a.logger.Info("master list consolidated", zap.Int64("rows", n))
	return n, nil
}

// Reports renders the named reports, or all of them when names is empty.
func (a *App) Reports(ctx context.Context, names []string) ([]report.Table, error) {
	if len(names) == 0 {
		names = report.Names
	}
	tables := make([]report.Table, 0, len(names))
	for _, name := range names {
		t, err := a.catalog.Report(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", name, err)
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// Server builds the status API over the configured stores.
func (a *App) Server() *api.Server {
	return api.NewServer(a.metrics, a.catalog, a.pinger, api.Config{
		PipelineName: a.cfg.App.PipelineName,
	}, a.logger.Named("api"))
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close services: %w", err)
	}
	return nil
}
