//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib" // driver for wait.ForSQL
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/store"
)

var (
	testDB        *DB
	testContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	if err := startPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_ = testContainer.Terminate(termCtx)
	cancel()
	os.Exit(code)
}

func startPostgres(ctx context.Context) error {
	dsnFor := func(host string, port nat.Port) string {
		return fmt.Sprintf("postgres://postgres:postgres@%s:%s/ingest?sslmode=disable", host, port.Port())
	}
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "ingest",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", dsnFor).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return err
	}
	testContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return err
	}
	testDB, err = Open(ctx, Config{DSN: dsnFor(host, port)})
	if err != nil {
		return err
	}
	return testDB.Migrate(ctx)
}

func resetDatabase(t *testing.T) {
	t.Helper()
	tb := testDB.Tables()
	_, err := testDB.pool.Exec(context.Background(), fmt.Sprintf(
		"TRUNCATE TABLE %s, %s, %s, %s, %s RESTART IDENTITY",
		tb.Alerts, tb.Metrics, tb.Content, tb.Staging, tb.Master))
	require.NoError(t, err)
}

func seedMaster(t *testing.T, urls ...string) {
	t.Helper()
	for _, u := range urls {
		_, err := testDB.pool.Exec(context.Background(),
			fmt.Sprintf("INSERT INTO %s (url) VALUES ($1)", testDB.Tables().Master), u)
		require.NoError(t, err)
	}
}

func upsert(t *testing.T, s *FetchStateStore, st ingest.FetchState) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Upsert(ctx, st))
	require.NoError(t, tx.Commit(ctx))
}

func selectDue(t *testing.T, s *FetchStateStore, limit int, asOf time.Time) []string {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	got, err := tx.SelectDue(ctx, limit, asOf, ingest.DefaultDuePolicy())
	require.NoError(t, err)
	urls := make([]string, 0, len(got))
	for _, c := range got {
		urls = append(urls, c.URL)
	}
	return urls
}

func success(url string, at time.Time, body string) ingest.FetchState {
	return ingest.StateFromResult(url, ingest.FetchResult{
		Kind:        ingest.ResultSuccess,
		StatusCode:  200,
		ETag:        `"e1"`,
		ContentType: "text/html",
		ByteLength:  int64(len(body)),
		ContentHash: "hash-" + body,
		Text:        body,
	}, at)
}

func TestIntegrationIdempotentUpsert(t *testing.T) {
	resetDatabase(t)
	s := NewFetchStateStore(testDB)
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	st := success("https://a.example.com/", at, "hello")

	upsert(t, s, st)
	first, err := s.Get(context.Background(), st.URL)
	require.NoError(t, err)
	upsert(t, s, st)
	second, err := s.Get(context.Background(), st.URL)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestIntegrationMergeSafety(t *testing.T) {
	resetDatabase(t)
	s := NewFetchStateStore(testDB)
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	upsert(t, s, success("https://a.example.com/", at, "hello"))

	failed := ingest.StateFromResult("https://a.example.com/", ingest.FetchResult{
		Kind:    ingest.ResultTransportError,
		Message: "connection error: refused",
	}, at.Add(time.Hour))
	upsert(t, s, failed)

	got, err := s.Get(context.Background(), "https://a.example.com/")
	require.NoError(t, err)
	require.Equal(t, "hello", *got.Content)
	require.Equal(t, "hash-hello", *got.ContentHash)
	require.Equal(t, int64(5), *got.ContentBytes)
	require.Nil(t, got.StatusCode)
	require.Equal(t, "connection error: refused", *got.ErrorMessage)
	require.True(t, at.Add(time.Hour).Equal(*got.LastCheckedAt))
	require.True(t, at.Equal(*got.FetchedAt))
}

func TestIntegrationStalenessOrdering(t *testing.T) {
	resetDatabase(t)
	s := NewFetchStateStore(testDB)
	now := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	seedMaster(t, "https://t1/", "https://t2/", "https://t3/")
	upsert(t, s, success("https://t1/", now.Add(-72*time.Hour), "1"))
	upsert(t, s, success("https://t2/", now.Add(-48*time.Hour), "2"))
	upsert(t, s, success("https://t3/", now.Add(-36*time.Hour), "3"))

	require.Equal(t, []string{"https://t1/", "https://t2/"}, selectDue(t, s, 2, now))
}

func TestIntegrationOversizedInterval(t *testing.T) {
	resetDatabase(t)
	s := NewFetchStateStore(testDB)
	now := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	seedMaster(t, "https://big/", "https://small/", "https://new/")

	big := success("https://big/", now.Add(-48*time.Hour), "big")
	big.WasTruncated, big.IsTooLarge = true, true
	upsert(t, s, big)
	upsert(t, s, success("https://small/", now.Add(-48*time.Hour), "small"))

	require.Equal(t, []string{"https://new/", "https://small/"}, selectDue(t, s, 10, now))
}

func TestIntegrationMetricsAndAlerts(t *testing.T) {
	resetDatabase(t)
	ms := NewMetricStore(testDB)
	ctx := context.Background()

	id, err := ms.InsertMetric(ctx, metricFixture())
	require.NoError(t, err)
	_, err = ms.InsertAlert(ctx, alertFixture(id))
	require.NoError(t, err)

	runs, err := ms.ListRuns(ctx, "content_ingest", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	alerts, err := ms.ListAlerts(ctx, id)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.InDelta(t, 35, alerts[0].Details["errors"], 1e-9)

	_, err = ms.GetRun(ctx, id+1)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIntegrationConsolidate(t *testing.T) {
	resetDatabase(t)
	cs, err := NewCatalogStore(testDB)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cs.StageEntries(ctx, []store.SitemapEntry{
		{URL: "https://a/", Source: "s2"},
		{URL: "https://b/", Source: "s1"},
	})
	require.NoError(t, err)
	_, err = cs.Consolidate(ctx)
	require.NoError(t, err)

	_, err = cs.StageEntries(ctx, []store.SitemapEntry{{URL: "https://a/", Source: "s1"}})
	require.NoError(t, err)
	_, err = cs.Consolidate(ctx)
	require.NoError(t, err)

	table, err := cs.Report(ctx, "source_counts")
	require.NoError(t, err)
	require.Equal(t, [][]string{{"s1", "2"}, {"s2", "1"}}, table.Rows)
}
