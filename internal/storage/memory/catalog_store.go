package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/JakeFAU/content-ingest/internal/report"
	"github.com/JakeFAU/content-ingest/internal/store"
)

const recentRunsLimit = 20

// CatalogStore implements store.CatalogRepository and store.ReportRepository.
type CatalogStore struct {
	db *DB
}

// NewCatalogStore binds a CatalogStore to db.
func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// StageEntries upserts entries: source is overwritten, lastmod only by a non-nil value.
func (s *CatalogStore) StageEntries(_ context.Context, entries []store.SitemapEntry) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, e := range entries {
		next := stagedEntry{source: e.Source, lastmod: e.LastMod}
		if prev, ok := s.db.staging[e.URL]; ok && next.lastmod == nil {
			next.lastmod = prev.lastmod
		}
		s.db.staging[e.URL] = next
	}
	return len(entries), nil
}

// Consolidate unions every staged source into the master list.
func (s *CatalogStore) Consolidate(context.Context) (int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for url, e := range s.db.staging {
		s.db.master[url] = mergeSources(s.db.master[url], e.source)
	}
	return int64(len(s.db.staging)), nil
}

func mergeSources(existing []string, source string) []string {
	i := sort.SearchStrings(existing, source)
	if i < len(existing) && existing[i] == source {
		return existing
	}
	out := make([]string, 0, len(existing)+1)
	out = append(out, existing[:i]...)
	out = append(out, source)
	return append(out, existing[i:]...)
}

// Report renders a named report from the in-memory state.
func (s *CatalogStore) Report(_ context.Context, name string) (report.Table, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	var table report.Table
	switch name {
	case report.SourceCounts:
		table = s.sourceCounts()
	case report.MonthlyDistribution:
		table = s.monthlyDistribution()
	case report.FetchStatus:
		table = s.fetchStatus()
	case report.RecentRuns:
		table = s.recentRuns()
	default:
		return report.Table{}, fmt.Errorf("%w: %q", store.ErrUnknownReport, name)
	}
	table.Name = name
	return table, nil
}

type count struct {
	key string
	n   int
}

func (s *CatalogStore) sourceCounts() report.Table {
	counts := map[string]int{}
	for _, sources := range s.db.master {
		for _, src := range sources {
			counts[src]++
		}
	}
	list := make([]count, 0, len(counts))
	for k, n := range counts {
		list = append(list, count{k, n})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].n != list[j].n {
			return list[i].n > list[j].n
		}
		return list[i].key < list[j].key
	})
	t := report.Table{Columns: []string{"source", "documents"}, Rows: [][]string{}}
	for _, c := range list {
		t.Rows = append(t.Rows, []string{c.key, strconv.Itoa(c.n)})
	}
	return t
}

func (s *CatalogStore) monthlyDistribution() report.Table {
	counts := map[string]int{}
	for _, e := range s.db.staging {
		if e.lastmod != nil {
			counts[e.lastmod.UTC().Format("2006-01")]++
		}
	}
	months := make([]string, 0, len(counts))
	for m := range counts {
		months = append(months, m)
	}
	sort.Strings(months)
	t := report.Table{Columns: []string{"month", "documents"}, Rows: [][]string{}}
	for _, m := range months {
		t.Rows = append(t.Rows, []string{m, strconv.Itoa(counts[m])})
	}
	return t
}

func (s *CatalogStore) fetchStatus() report.Table {
	type bucket struct {
		documents, tooLarge int
		latest              *time.Time
	}
	buckets := map[string]*bucket{}
	for _, row := range s.db.rows {
		key := "none"
		if row.StatusCode != nil {
			key = strconv.Itoa(*row.StatusCode)
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.documents++
		if row.IsTooLarge {
			b.tooLarge++
		}
		if row.LastCheckedAt != nil && (b.latest == nil || row.LastCheckedAt.After(*b.latest)) {
			b.latest = row.LastCheckedAt
		}
	}
	keys := make([]string, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t := report.Table{
		Columns: []string{"status_code", "documents", "too_large", "latest_checked_at"},
		Rows:    [][]string{},
	}
	for _, k := range keys {
		b := buckets[k]
		t.Rows = append(t.Rows, []string{
			k, strconv.Itoa(b.documents), strconv.Itoa(b.tooLarge), report.FormatCell(b.latest),
		})
	}
	return t
}

func (s *CatalogStore) recentRuns() report.Table {
	runs := append(s.db.metrics[:0:0], s.db.metrics...)
	sortNewestFirst(runs)
	if len(runs) > recentRunsLimit {
		runs = runs[:recentRunsLimit]
	}
	t := report.Table{
		Columns: []string{
			"metric_id", "run_id", "pipeline_name", "run_started_at", "run_finished_at",
			"processed_count", "ok200_count", "ok304_count", "error_count", "error_rate", "run_duration_ms",
		},
		Rows: [][]string{},
	}
	for _, m := range runs {
		t.Rows = append(t.Rows, []string{
			strconv.FormatInt(m.ID, 10),
			m.RunID.String(),
			m.PipelineName,
			report.FormatCell(m.StartedAt),
			report.FormatCell(m.FinishedAt),
			strconv.Itoa(m.Processed),
			strconv.Itoa(m.OK200),
			strconv.Itoa(m.OK304),
			strconv.Itoa(m.Errors),
			report.FormatCell(m.ErrorRate),
			strconv.FormatInt(m.DurationMS, 10),
		})
	}
	return t
}
