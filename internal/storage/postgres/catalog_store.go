package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/content-ingest/internal/report"
	"github.com/JakeFAU/content-ingest/internal/store"
)

// CatalogStore maintains sitemap staging and the master list, and renders the
// read-only reports. It implements store.CatalogRepository and
// store.ReportRepository.
type CatalogStore struct {
	db      *DB
	reports map[string]string
}

// NewCatalogStore binds a CatalogStore to db and loads the report queries.
func NewCatalogStore(db *DB) (*CatalogStore, error) {
	src, err := db.render("sql/reports.sql")
	if err != nil {
		return nil, err
	}
	reports, err := report.ParseQueries(src)
	if err != nil {
		return nil, fmt.Errorf("load report queries: %w", err)
	}
	return &CatalogStore{db: db, reports: reports}, nil
}

// StageEntries upserts sitemap entries in one transaction.
func (s *CatalogStore) StageEntries(ctx context.Context, entries []store.SitemapEntry) (n int, err error) {
	if len(entries) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (url, source, lastmod)
VALUES ($1, $2, $3)
ON CONFLICT (url) DO UPDATE SET
	source = EXCLUDED.source,
	lastmod = COALESCE(EXCLUDED.lastmod, %[1]s.lastmod)`, s.db.tables.Staging)

	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin staging: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback staging: %w", rbErr))
			}
		}
	}()

	for _, e := range entries {
		if _, err = tx.Exec(ctx, query, e.URL, e.Source, e.LastMod); err != nil {
			return n, fmt.Errorf("stage %s: %w", e.URL, err)
		}
		n++
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit staging: %w", err)
	}
	return n, nil
}

// Consolidate folds staging into the master list with one set-merge statement.
// Re-running it is a no-op for URLs whose sources are already recorded.
func (s *CatalogStore) Consolidate(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (url, sources)
SELECT url, ARRAY_AGG(DISTINCT source ORDER BY source)
FROM %[2]s
GROUP BY url
ON CONFLICT (url) DO UPDATE SET
	sources = ARRAY(
		SELECT DISTINCT s
		FROM UNNEST(%[1]s.sources || EXCLUDED.sources) AS s
		ORDER BY s
	)`, s.db.tables.Master, s.db.tables.Staging)

	tag, err := s.db.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("consolidate master list: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Report runs a named report query and renders every cell as text.
func (s *CatalogStore) Report(ctx context.Context, name string) (report.Table, error) {
	query, ok := s.reports[name]
	if !ok {
		return report.Table{}, fmt.Errorf("%w: %q", store.ErrUnknownReport, name)
	}
	rows, err := s.db.pool.Query(ctx, query)
	if err != nil {
		return report.Table{}, fmt.Errorf("run report %s: %w", name, err)
	}
	defer rows.Close()

	table := report.Table{Name: name, Rows: [][]string{}}
	for _, fd := range rows.FieldDescriptions() {
		table.Columns = append(table.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return report.Table{}, fmt.Errorf("read report %s: %w", name, err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = report.FormatCell(v)
		}
		table.Rows = append(table.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return report.Table{}, fmt.Errorf("iterate report %s: %w", name, err)
	}
	return table, nil
}
