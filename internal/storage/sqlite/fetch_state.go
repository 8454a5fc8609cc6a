package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/store"
)

// FetchStateStore implements ingest.FetchStateStore.
type FetchStateStore struct {
	db *DB
}

// NewFetchStateStore binds a FetchStateStore to db.
func NewFetchStateStore(db *DB) *FetchStateStore {
	return &FetchStateStore{db: db}
}

// Begin opens a batch transaction.
func (s *FetchStateStore) Begin(ctx context.Context) (ingest.FetchStateTx, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &fetchStateTx{tx: tx}, nil
}

// CountChecked counts documents with a recorded check time.
func (s *FetchStateStore) CountChecked(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_content WHERE last_checked_at IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count checked documents: %w", err)
	}
	return n, nil
}

// MaxLastCheckedAt returns the newest check time, or nil for an empty store.
func (s *FetchStateStore) MaxLastCheckedAt(ctx context.Context) (*time.Time, error) {
	var v sql.NullInt64
	if err := s.db.db.QueryRowContext(ctx,
		`SELECT MAX(last_checked_at) FROM document_content`).Scan(&v); err != nil {
		return nil, fmt.Errorf("failed to read latest check time: %w", err)
	}
	return fromMicros(v), nil
}

// Get loads the stored state of url or returns store.ErrNotFound.
func (s *FetchStateStore) Get(ctx context.Context, url string) (ingest.FetchState, error) {
	var (
		st               ingest.FetchState
		fetched, checked sql.NullInt64
	)
	err := s.db.db.QueryRowContext(ctx, `
		SELECT url, etag, last_modified, content_hash, content, content_bytes, content_type,
		       status_code, fetched_at, last_checked_at, error_message, was_truncated, is_too_large
		FROM document_content
		WHERE url = ?`, url).Scan(
		&st.URL,
		&st.ETag,
		&st.LastModified,
		&st.ContentHash,
		&st.Content,
		&st.ContentBytes,
		&st.ContentType,
		&st.StatusCode,
		&fetched,
		&checked,
		&st.ErrorMessage,
		&st.WasTruncated,
		&st.IsTooLarge,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ingest.FetchState{}, store.ErrNotFound
	}
	if err != nil {
		return ingest.FetchState{}, fmt.Errorf("failed to get fetch state: %w", err)
	}
	st.FetchedAt = fromMicros(fetched)
	st.LastCheckedAt = fromMicros(checked)
	return st, nil
}

type fetchStateTx struct {
	tx   *sql.Tx
	done bool
}

// SelectDue mirrors the Postgres predicate. Never-checked rows sort as the
// epoch, the same key ingest.SelectionLess uses.
func (t *fetchStateTx) SelectDue(ctx context.Context, limit int, asOf time.Time, policy ingest.DuePolicy) ([]ingest.Candidate, error) {
	fresh, oversized := policy.Cutoffs(asOf)
	rows, err := t.tx.QueryContext(ctx, `
		SELECT m.url, c.etag, c.last_modified, COALESCE(c.is_too_large, 0)
		FROM docs_master m
		LEFT JOIN document_content c ON c.url = m.url
		WHERE c.url IS NULL
		   OR c.last_checked_at IS NULL
		   OR c.status_code IS NOT 200
		   OR (c.is_too_large = 1 AND c.last_checked_at < ?)
		   OR (c.is_too_large = 0 AND c.last_checked_at < ?)
		ORDER BY COALESCE(c.last_checked_at, 0) ASC, m.url ASC
		LIMIT ?`, oversized.UTC().UnixMicro(), fresh.UTC().UnixMicro(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ingest.Candidate
	for rows.Next() {
		var c ingest.Candidate
		if err := rows.Scan(&c.URL, &c.ETag, &c.LastModified, &c.IsTooLarge); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate candidates: %w", err)
	}
	return out, nil
}

// Upsert records one outcome with the ingest.MergeFetchState rule.
func (t *fetchStateTx) Upsert(ctx context.Context, st ingest.FetchState) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO document_content (
			url, etag, last_modified, content_hash, content, content_bytes, content_type,
			status_code, fetched_at, last_checked_at, error_message, was_truncated, is_too_large
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			etag = COALESCE(excluded.etag, document_content.etag),
			last_modified = COALESCE(excluded.last_modified, document_content.last_modified),
			content_hash = COALESCE(excluded.content_hash, document_content.content_hash),
			content = COALESCE(excluded.content, document_content.content),
			content_bytes = COALESCE(excluded.content_bytes, document_content.content_bytes),
			content_type = COALESCE(excluded.content_type, document_content.content_type),
			status_code = excluded.status_code,
			fetched_at = COALESCE(excluded.fetched_at, document_content.fetched_at),
			last_checked_at = excluded.last_checked_at,
			error_message = excluded.error_message,
			was_truncated = excluded.was_truncated,
			is_too_large = excluded.is_too_large`,
		st.URL,
		st.ETag,
		st.LastModified,
		st.ContentHash,
		st.Content,
		st.ContentBytes,
		st.ContentType,
		st.StatusCode,
		micros(st.FetchedAt),
		micros(st.LastCheckedAt),
		st.ErrorMessage,
		st.WasTruncated,
		st.IsTooLarge,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fetch state %s: %w", st.URL, err)
	}
	return nil
}

func (t *fetchStateTx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *fetchStateTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback: %w", err)
	}
	return nil
}
