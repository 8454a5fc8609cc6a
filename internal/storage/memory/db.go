// Package memory keeps every store in process memory. It backs dry runs and
// tests and follows the same merge, selection and reporting rules as the SQL
// backends.
package memory

import (
	"sync"
	"time"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/observe"
)

// DB is the shared state behind the memory stores.
type DB struct {
	mu      sync.RWMutex
	master  map[string][]string // url -> sorted sources
	staging map[string]stagedEntry
	rows    map[string]ingest.FetchState
	metrics []observe.RunMetric
	alerts  []observe.Alert
	now     func() time.Time
}

type stagedEntry struct {
	source  string
	lastmod *time.Time
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		master:  make(map[string][]string),
		staging: make(map[string]stagedEntry),
		rows:    make(map[string]ingest.FetchState),
		now:     time.Now,
	}
}

// AddURLs puts urls on the master list without a source.
func (db *DB) AddURLs(urls ...string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, u := range urls {
		if _, ok := db.master[u]; !ok {
			db.master[u] = []string{}
		}
	}
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
