package ingest

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrPersistence marks store failures; they abort the run instead of being recorded.
var ErrPersistence = errors.New("persistence failure")

// Fetcher performs one logical conditional fetch, retries included.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) FetchResult
}

// Throttle blocks until the URL's host may be contacted again.
type Throttle interface {
	Wait(ctx context.Context, rawURL string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for a duration unless the context ends first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// FetchStateStore is the persistence gateway for per-URL fetch state.
type FetchStateStore interface {
	Begin(ctx context.Context) (FetchStateTx, error)
	CountChecked(ctx context.Context) (int64, error)
	MaxLastCheckedAt(ctx context.Context) (*time.Time, error)
}

// FetchStateTx is one batch's unit of work. Rollback after Commit is a no-op.
type FetchStateTx interface {
	SelectDue(ctx context.Context, limit int, asOf time.Time, policy DuePolicy) ([]Candidate, error)
	Upsert(ctx context.Context, state FetchState) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Archiver copies retained bodies somewhere durable.
type Archiver interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}
