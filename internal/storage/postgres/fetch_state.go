package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/store"
)

// FetchStateStore implements ingest.FetchStateStore over the content and
// master tables.
type FetchStateStore struct {
	db *DB
}

// NewFetchStateStore binds a FetchStateStore to db.
func NewFetchStateStore(db *DB) *FetchStateStore {
	return &FetchStateStore{db: db}
}

// Begin opens the transaction one batch runs in.
func (s *FetchStateStore) Begin(ctx context.Context) (ingest.FetchStateTx, error) {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &fetchStateTx{tx: tx, tables: s.db.tables}, nil
}

// CountChecked counts documents that have been attempted at least once.
func (s *FetchStateStore) CountChecked(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE last_checked_at IS NOT NULL`, s.db.tables.Content)
	var n int64
	if err := s.db.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count checked: %w", err)
	}
	return n, nil
}

// MaxLastCheckedAt returns the most recent check across the corpus, or nil.
func (s *FetchStateStore) MaxLastCheckedAt(ctx context.Context) (*time.Time, error) {
	query := fmt.Sprintf(`SELECT MAX(last_checked_at) FROM %s`, s.db.tables.Content)
	var latest *time.Time
	if err := s.db.pool.QueryRow(ctx, query).Scan(&latest); err != nil {
		return nil, fmt.Errorf("max last checked: %w", err)
	}
	return latest, nil
}

// Get loads the stored state for url or returns store.ErrNotFound.
func (s *FetchStateStore) Get(ctx context.Context, url string) (ingest.FetchState, error) {
	query := fmt.Sprintf(`
SELECT url, etag, last_modified, content_hash, content, content_bytes, content_type,
       status_code, fetched_at, last_checked_at, error_message, was_truncated, is_too_large
FROM %s
WHERE url = $1`, s.db.tables.Content)

	var st ingest.FetchState
	err := s.db.pool.QueryRow(ctx, query, url).Scan(
		&st.URL,
		&st.ETag,
		&st.LastModified,
		&st.ContentHash,
		&st.Content,
		&st.ContentBytes,
		&st.ContentType,
		&st.StatusCode,
		&st.FetchedAt,
		&st.LastCheckedAt,
		&st.ErrorMessage,
		&st.WasTruncated,
		&st.IsTooLarge,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.FetchState{}, store.ErrNotFound
		}
		return ingest.FetchState{}, fmt.Errorf("get fetch state: %w", err)
	}
	return st, nil
}

type fetchStateTx struct {
	tx     pgx.Tx
	tables Tables
	done   bool
}

// SelectDue applies the due predicate in SQL, ordered least recently checked
// first. The last_checked_at index keeps this off a full scan.
func (t *fetchStateTx) SelectDue(ctx context.Context, limit int, asOf time.Time, policy ingest.DuePolicy) ([]ingest.Candidate, error) {
	fresh, oversized := policy.Cutoffs(asOf)
	query := fmt.Sprintf(`
SELECT m.url, c.etag, c.last_modified, COALESCE(c.is_too_large, FALSE)
FROM %s m
LEFT JOIN %s c ON c.url = m.url
WHERE c.url IS NULL
   OR c.last_checked_at IS NULL
   OR c.status_code IS DISTINCT FROM 200
   OR (c.is_too_large AND c.last_checked_at < $2)
   OR (NOT c.is_too_large AND c.last_checked_at < $1)
ORDER BY COALESCE(c.last_checked_at, TIMESTAMPTZ 'epoch') ASC, m.url ASC
LIMIT $3`, t.tables.Master, t.tables.Content)

	rows, err := t.tx.Query(ctx, query, fresh, oversized, limit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	defer rows.Close()

	var out []ingest.Candidate
	for rows.Next() {
		var c ingest.Candidate
		if err := rows.Scan(&c.URL, &c.ETag, &c.LastModified, &c.IsTooLarge); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// Upsert records one outcome. The ON CONFLICT clause is the SQL form of
// ingest.MergeFetchState.
func (t *fetchStateTx) Upsert(ctx context.Context, st ingest.FetchState) error {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	url, etag, last_modified, content_hash, content, content_bytes, content_type,
	status_code, fetched_at, last_checked_at, error_message, was_truncated, is_too_large
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (url) DO UPDATE SET
	etag = COALESCE(EXCLUDED.etag, %[1]s.etag),
	last_modified = COALESCE(EXCLUDED.last_modified, %[1]s.last_modified),
	content_hash = COALESCE(EXCLUDED.content_hash, %[1]s.content_hash),
	content = COALESCE(EXCLUDED.content, %[1]s.content),
	content_bytes = COALESCE(EXCLUDED.content_bytes, %[1]s.content_bytes),
	content_type = COALESCE(EXCLUDED.content_type, %[1]s.content_type),
	status_code = EXCLUDED.status_code,
	fetched_at = COALESCE(EXCLUDED.fetched_at, %[1]s.fetched_at),
	last_checked_at = EXCLUDED.last_checked_at,
	error_message = EXCLUDED.error_message,
	was_truncated = EXCLUDED.was_truncated,
	is_too_large = EXCLUDED.is_too_large`, t.tables.Content)

	_, err := t.tx.Exec(ctx, query,
		st.URL,
		st.ETag,
		st.LastModified,
		st.ContentHash,
		st.Content,
		st.ContentBytes,
		st.ContentType,
		st.StatusCode,
		st.FetchedAt,
		st.LastCheckedAt,
		st.ErrorMessage,
		st.WasTruncated,
		st.IsTooLarge,
	)
	if err != nil {
		return fmt.Errorf("upsert fetch state: %w", err)
	}
	return nil
}

func (t *fetchStateTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *fetchStateTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
