package sqlite

import (
	"context"
	"fmt"

	"github.com/JakeFAU/content-ingest/internal/report"
	"github.com/JakeFAU/content-ingest/internal/store"
)

// CatalogStore implements store.CatalogRepository and store.ReportRepository.
// The master list keeps its sources as a sorted JSON array.
type CatalogStore struct {
	db      *DB
	reports map[string]string
}

// NewCatalogStore binds a CatalogStore to db and loads the report queries.
func NewCatalogStore(db *DB) (*CatalogStore, error) {
	reports, err := report.ParseQueries(reportsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to load report queries: %w", err)
	}
	return &CatalogStore{db: db, reports: reports}, nil
}

// StageEntries upserts sitemap entries in one transaction.
func (s *CatalogStore) StageEntries(ctx context.Context, entries []store.SitemapEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sitemap_staging (url, source, lastmod, staged_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			source = excluded.source,
			lastmod = COALESCE(excluded.lastmod, sitemap_staging.lastmod)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := s.db.now().UTC().UnixMicro()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.URL, e.Source, micros(e.LastMod), now); err != nil {
			return 0, fmt.Errorf("failed to stage %s: %w", e.URL, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit staging: %w", err)
	}
	return len(entries), nil
}

// Consolidate folds staging into the master list. New URLs are inserted with
// an empty source list, then every staged URL gets the sorted union of its
// recorded and staged sources.
func (s *CatalogStore) Consolidate(ctx context.Context) (int64, error) {
	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO docs_master (url, sources, created_at)
		SELECT DISTINCT url, '[]', ? FROM sitemap_staging`, s.db.now().UTC().UnixMicro()); err != nil {
		return 0, fmt.Errorf("failed to insert master urls: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE docs_master
		SET sources = (
			SELECT json_group_array(src) FROM (
				SELECT value AS src FROM json_each(docs_master.sources)
				UNION
				SELECT source FROM sitemap_staging s WHERE s.url = docs_master.url
				ORDER BY src
			)
		)
		WHERE url IN (SELECT url FROM sitemap_staging)`)
	if err != nil {
		return 0, fmt.Errorf("failed to merge sources: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit consolidation: %w", err)
	}
	return n, nil
}

// Report runs a named report query and renders every cell as text.
func (s *CatalogStore) Report(ctx context.Context, name string) (table report.Table, err error) {
	query, ok := s.reports[name]
	if !ok {
		return report.Table{}, fmt.Errorf("%w: %q", store.ErrUnknownReport, name)
	}
	rows, err := s.db.db.QueryContext(ctx, query)
	if err != nil {
		return report.Table{}, fmt.Errorf("failed to run report %s: %w", name, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close report rows: %w", cerr)
		}
	}()

	cols, err := rows.Columns()
	if err != nil {
		return report.Table{}, fmt.Errorf("failed to read columns: %w", err)
	}
	table = report.Table{Name: name, Columns: cols, Rows: [][]string{}}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return report.Table{}, fmt.Errorf("failed to scan report %s: %w", name, err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = report.FormatCell(v)
		}
		table.Rows = append(table.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return report.Table{}, fmt.Errorf("failed to iterate report %s: %w", name, err)
	}
	return table, nil
}
