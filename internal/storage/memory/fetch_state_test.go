package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/store"
)

var now = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func okState(url string, at time.Time, body string) ingest.FetchState {
	return ingest.StateFromResult(url, ingest.FetchResult{
		Kind:        ingest.ResultSuccess,
		StatusCode:  200,
		ETag:        `"` + body + `"`,
		ContentHash: "h-" + body,
		Text:        body,
		ByteLength:  int64(len(body)),
	}, at)
}

func commit(t *testing.T, s *FetchStateStore, states ...ingest.FetchState) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	for _, st := range states {
		if err := tx.Upsert(ctx, st); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func dueURLs(t *testing.T, s *FetchStateStore, limit int) []string {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	got, err := tx.SelectDue(ctx, limit, now, ingest.DefaultDuePolicy())
	if err != nil {
		t.Fatalf("SelectDue() error = %v", err)
	}
	out := make([]string, 0, len(got))
	for _, c := range got {
		out = append(out, c.URL)
	}
	return out
}

func TestFetchStateLifecycle(t *testing.T) {
	t.Parallel()

	db := New()
	db.AddURLs("https://a/", "https://b/", "https://c/")
	s := NewFetchStateStore(db)
	ctx := context.Background()

	if got := dueURLs(t, s, 10); len(got) != 3 || got[0] != "https://a/" {
		t.Fatalf("expected all three never-checked urls in order, got %v", got)
	}

	commit(t, s, okState("https://a/", now.Add(-time.Hour), "a"), okState("https://b/", now.Add(-30*time.Hour), "b"))
	got := dueURLs(t, s, 10)
	if len(got) != 2 || got[0] != "https://c/" || got[1] != "https://b/" {
		t.Fatalf("expected [c b], got %v", got)
	}

	failed := ingest.StateFromResult("https://a/", ingest.FetchResult{Kind: ingest.ResultTransportError, Message: "connection error: reset"}, now)
	commit(t, s, failed)
	row, err := s.Get(ctx, "https://a/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if row.Content == nil || *row.Content != "a" || row.ETag == nil || *row.ETag != `"a"` {
		t.Fatalf("expected content and validators to survive a failure, got %+v", row)
	}
	if row.StatusCode != nil || row.ErrorMessage == nil {
		t.Fatalf("expected the failure to overwrite status and error, got %+v", row)
	}

	n, err := s.CountChecked(ctx)
	if err != nil || n != 2 {
		t.Fatalf("CountChecked() = %d, %v", n, err)
	}
	latest, err := s.MaxLastCheckedAt(ctx)
	if err != nil || latest == nil || !latest.Equal(now) {
		t.Fatalf("MaxLastCheckedAt() = %v, %v", latest, err)
	}
}

func TestRollbackDropsPending(t *testing.T) {
	t.Parallel()

	s := NewFetchStateStore(New())
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.Upsert(ctx, okState("https://x/", now, "x")); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() after Rollback error = %v", err)
	}
	if _, err := s.Get(ctx, "https://x/"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSelectDueLimit(t *testing.T) {
	t.Parallel()

	db := New()
	db.AddURLs("https://3/", "https://1/", "https://2/")
	s := NewFetchStateStore(db)
	got := dueURLs(t, s, 2)
	if len(got) != 2 || got[0] != "https://1/" || got[1] != "https://2/" {
		t.Fatalf("expected first two by url, got %v", got)
	}
}
