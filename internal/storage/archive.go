// Package storage holds what the archive backends share. The backends
// themselves live in the local, gcs and memory subpackages.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

// InstrumentedArchiver counts and logs every write to the wrapped backend.
type InstrumentedArchiver struct {
	next    ingest.Archiver
	backend string
	logger  *zap.Logger
}

// Instrument wraps next. backend labels the metrics ("gcs", "local", ...).
func Instrument(backend string, next ingest.Archiver, logger *zap.Logger) *InstrumentedArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InstrumentedArchiver{next: next, backend: backend, logger: logger}
}

// PutObject forwards to the backend.
func (a *InstrumentedArchiver) PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error) {
	start := time.Now()
	uri, err := a.next.PutObject(ctx, path, contentType, data)
	switch {
	case err == nil:
		metrics.ObserveArchive(a.backend, "stored")
		a.logger.Debug("body archived",
			zap.String("uri", uri),
			zap.Duration("elapsed", time.Since(start)),
		)
	case errors.Is(err, context.Canceled):
		metrics.ObserveArchive(a.backend, "canceled")
	default:
		metrics.ObserveArchive(a.backend, "error")
	}
	return uri, err
}
