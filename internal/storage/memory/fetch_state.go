package memory

import (
	"context"
	"sort"
	"time"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/store"
)

// FetchStateStore implements ingest.FetchStateStore over a DB.
type FetchStateStore struct {
	db *DB
}

// NewFetchStateStore binds a FetchStateStore to db.
func NewFetchStateStore(db *DB) *FetchStateStore {
	return &FetchStateStore{db: db}
}

// Begin starts a batch. Upserts stay pending until Commit.
func (s *FetchStateStore) Begin(context.Context) (ingest.FetchStateTx, error) {
	return &fetchStateTx{db: s.db}, nil
}

// CountChecked counts rows with a recorded check time.
func (s *FetchStateStore) CountChecked(context.Context) (int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var n int64
	for _, row := range s.db.rows {
		if row.LastCheckedAt != nil {
			n++
		}
	}
	return n, nil
}

// MaxLastCheckedAt returns the newest check time, or nil when nothing was checked.
func (s *FetchStateStore) MaxLastCheckedAt(context.Context) (*time.Time, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var latest *time.Time
	for _, row := range s.db.rows {
		if row.LastCheckedAt != nil && (latest == nil || row.LastCheckedAt.After(*latest)) {
			latest = pointerTime(*row.LastCheckedAt)
		}
	}
	return latest, nil
}

// Get returns the committed state of url.
func (s *FetchStateStore) Get(_ context.Context, url string) (ingest.FetchState, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	row, ok := s.db.rows[url]
	if !ok {
		return ingest.FetchState{}, store.ErrNotFound
	}
	return row, nil
}

type fetchStateTx struct {
	db      *DB
	pending []ingest.FetchState
	done    bool
}

func (t *fetchStateTx) SelectDue(_ context.Context, limit int, asOf time.Time, policy ingest.DuePolicy) ([]ingest.Candidate, error) {
	t.db.mu.RLock()
	defer t.db.mu.RUnlock()

	lookup := func(url string) *ingest.FetchState {
		if row, ok := t.db.rows[url]; ok {
			return &row
		}
		return nil
	}
	var due []string
	for url := range t.db.master {
		if policy.IsDue(lookup(url), asOf) {
			due = append(due, url)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return ingest.SelectionLess(due[i], lookup(due[i]), due[j], lookup(due[j]))
	})
	if limit >= 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]ingest.Candidate, 0, len(due))
	for _, url := range due {
		c := ingest.Candidate{URL: url}
		if row := lookup(url); row != nil {
			c.ETag, c.LastModified, c.IsTooLarge = row.ETag, row.LastModified, row.IsTooLarge
		}
		out = append(out, c)
	}
	return out, nil
}

func (t *fetchStateTx) Upsert(_ context.Context, state ingest.FetchState) error {
	t.pending = append(t.pending, state)
	return nil
}

func (t *fetchStateTx) Commit(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	for _, next := range t.pending {
		var old *ingest.FetchState
		if row, ok := t.db.rows[next.URL]; ok {
			old = &row
		}
		t.db.rows[next.URL] = ingest.MergeFetchState(old, next)
	}
	t.pending = nil
	return nil
}

func (t *fetchStateTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.pending = nil
	return nil
}
