package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	contenthash "github.com/JakeFAU/content-ingest/internal/hash/sha256"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/content-ingest/internal/ingest")

// RunnerConfig bounds the batch loop.
type RunnerConfig struct {
	BatchSize     int
	MaxBatches    int // zero runs until a selection comes back empty
	Due           DuePolicy
	ArchivePrefix string
}

// Runner drives select -> throttle -> fetch -> upsert until no work remains.
type Runner struct {
	store    FetchStateStore
	fetcher  Fetcher
	throttle Throttle
	clock    Clock
	archiver Archiver
	cfg      RunnerConfig
	logger   *zap.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithArchiver copies every retained body to the archiver after it is recorded.
func WithArchiver(a Archiver) RunnerOption {
	return func(r *Runner) {
		r.archiver = a
	}
}

// NewRunner wires a Runner. The throttle should be fresh for each run.
func NewRunner(
	store FetchStateStore,
	fetcher Fetcher,
	throttle Throttle,
	clock Clock,
	cfg RunnerConfig,
	logger *zap.Logger,
	opts ...RunnerOption,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Due == (DuePolicy{}) {
		cfg.Due = DefaultDuePolicy()
	}
	r := &Runner{
		store:    store,
		fetcher:  fetcher,
		throttle: throttle,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes batches until the store has nothing due. Item failures are
// recorded as data; only store failures and cancellation end the run early, in
// which case the partial result is returned alongside the error.
func (r *Runner) Run(ctx context.Context) (RunResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.run")
	defer span.End()

	result := RunResult{StartedAt: r.clock.Now()}
	finish := func(err error) (RunResult, error) {
		result.FinishedAt = r.clock.Now()
		result.Duration = result.FinishedAt.Sub(result.StartedAt)
		span.SetAttributes(
			attribute.Int("ingest.processed", result.Stats.Processed),
			attribute.Int("ingest.errors", result.Stats.Err),
			attribute.Int("ingest.batches", result.Batches),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	}

	// Failed and 304 documents stay due, so URLs already handled in this run
	// are skipped.
	seen := make(map[string]struct{})
	for r.cfg.MaxBatches == 0 || result.Batches < r.cfg.MaxBatches {
		n, err := r.runBatch(ctx, &result.Stats, seen)
		if err != nil {
			r.logger.Error("batch aborted",
				zap.Int("batch", result.Batches+1),
				zap.Error(err),
			)
			return finish(err)
		}
		if n == 0 {
			break
		}
		result.Batches++
	}

	r.logger.Info("run complete",
		zap.Int("batches", result.Batches),
		zap.Int("processed", result.Stats.Processed),
		zap.Int("ok200", result.Stats.OK200),
		zap.Int("ok304", result.Stats.OK304),
		zap.Int("err", result.Stats.Err),
	)
	return finish(nil)
}

// runBatch selects and processes one batch inside a single store transaction.
// It returns the number of candidates handled; zero means the run is done.
func (r *Runner) runBatch(ctx context.Context, stats *Stats, seen map[string]struct{}) (int, error) {
	ctx, span := tracer.Start(ctx, "ingest.batch")
	defer span.End()
	started := r.clock.Now()

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin batch: %w", ErrPersistence, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Re-checked rows usually sort last, but a skewed clock or a concurrent run
	// can put them ahead of unseen rows. Widening the window by the seen count
	// guarantees a full batch of unseen rows whenever one exists.
	candidates, err := tx.SelectDue(ctx, r.cfg.BatchSize+len(seen), started, r.cfg.Due)
	if err != nil {
		return 0, fmt.Errorf("%w: select due: %w", ErrPersistence, err)
	}
	candidates = unseen(candidates, seen)
	if len(candidates) > r.cfg.BatchSize {
		candidates = candidates[:r.cfg.BatchSize]
	}
	span.SetAttributes(attribute.Int("ingest.batch_size", len(candidates)))
	if len(candidates) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("%w: commit empty batch: %w", ErrPersistence, err)
		}
		return 0, nil
	}

	batchStats := Stats{}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("batch interrupted: %w", err)
		}
		kind, err := r.processItem(ctx, tx, c)
		if err != nil {
			return 0, err
		}
		seen[c.URL] = struct{}{}
		batchStats.Record(kind)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: commit batch: %w", ErrPersistence, err)
	}

	stats.Processed += batchStats.Processed
	stats.OK200 += batchStats.OK200
	stats.OK304 += batchStats.OK304
	stats.Err += batchStats.Err

	elapsed := r.clock.Now().Sub(started)
	metrics.ObserveBatch(len(candidates), elapsed)
	r.logger.Info("batch committed",
		zap.Int("size", len(candidates)),
		zap.Int("ok200", batchStats.OK200),
		zap.Int("ok304", batchStats.OK304),
		zap.Int("err", batchStats.Err),
		zap.Duration("elapsed", elapsed),
	)
	return len(candidates), nil
}

func unseen(candidates []Candidate, seen map[string]struct{}) []Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if _, ok := seen[c.URL]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Runner) processItem(ctx context.Context, tx FetchStateTx, c Candidate) (ResultKind, error) {
	if err := r.throttle.Wait(ctx, c.URL); err != nil {
		return 0, fmt.Errorf("throttle %s: %w", c.URL, err)
	}

	checkedAt := r.clock.Now()
	res := r.fetcher.Fetch(ctx, c.Request())
	if err := ctx.Err(); err != nil {
		// A cancelled fetch says nothing about the document; leave it unrecorded.
		return 0, fmt.Errorf("fetch interrupted: %w", err)
	}

	state := StateFromResult(c.URL, res, checkedAt)
	if err := tx.Upsert(ctx, state); err != nil {
		return 0, fmt.Errorf("%w: upsert %s: %w", ErrPersistence, c.URL, err)
	}

	metrics.ObserveFetchResult(c.URL, res.Kind.String(), res.ByteLength)
	fields := []zap.Field{
		zap.String("url", c.URL),
		zap.String("outcome", res.Kind.String()),
		zap.Int("status", res.StatusCode),
		zap.Int("attempts", res.Attempts),
	}
	if res.Kind == ResultHTTPError || res.Kind == ResultTransportError {
		r.logger.Debug("fetch failed", append(fields, zap.String("error", res.Message))...)
	} else {
		r.logger.Debug("fetch recorded", append(fields, zap.Int64("bytes", res.ByteLength), zap.Bool("truncated", res.Truncated))...)
	}

	if res.Kind == ResultSuccess {
		r.archive(ctx, c.URL, res)
	}
	return res.Kind, nil
}

// archive copies the body to the archiver. Failures are logged; the fetch state
// is already recorded and remains the source of truth.
func (r *Runner) archive(ctx context.Context, url string, res FetchResult) {
	if r.archiver == nil || !contenthash.Valid(res.ContentHash) {
		return
	}
	key := contenthash.ObjectKey(r.cfg.ArchivePrefix, res.ContentHash)
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := r.archiver.PutObject(ctx, key, contentType, bytes.NewReader(res.Body)); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		r.logger.Warn("archive body failed",
			zap.String("url", url),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
