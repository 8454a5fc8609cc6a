package cli

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func siteServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprintf(w, `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>http://%[1]s/doc/a</loc><lastmod>2024-06-01</lastmod></url>
<url><loc>http://%[1]s/doc/b</loc></url>
</urlset>`, r.Host)
	})
	mux.HandleFunc("/doc/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<p>%s</p>", r.URL.Path)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, sitemap string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.yaml")
	body := fmt.Sprintf(`
logging:
  development: false
  level: error
http:
  max_retries: 0
ingest:
  host_delay: 0s
database:
  driver: sqlite
  sqlite_path: %s
  auto_migrate: true
discovery:
  sitemaps:
    - %s
`, filepath.Join(dir, "ingest.db"), sitemap)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	require.NoError(t, root.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestCommandsEndToEnd(t *testing.T) {
	srv := siteServer(t)
	cfgPath := writeConfig(t, srv.URL+"/sitemap.xml")

	execute(t, "--config", cfgPath, "migrate")
	require.Contains(t, execute(t, "--config", cfgPath, "discover"), "staged 2 entries")
	require.Contains(t, execute(t, "--config", cfgPath, "consolidate"), "consolidated 2 urls")

	out := execute(t, "--config", cfgPath, "run")
	require.Contains(t, out, `"ok200": 2`)
	require.Contains(t, out, `"metric_id": 1`)

	out = execute(t, "--config", cfgPath, "run")
	require.Contains(t, out, `"processed": 0`)
	require.Contains(t, out, "empty_result_set")

	out = execute(t, "--config", cfgPath, "report", "source_counts")
	require.Contains(t, out, "# source_counts")
	require.Contains(t, out, srv.URL+"/sitemap.xml,2")

	dir := t.TempDir()
	out = execute(t, "--config", cfgPath, "report", "--out", dir)
	for _, name := range []string{"source_counts", "monthly_distribution", "fetch_status", "recent_runs"} {
		require.FileExists(t, filepath.Join(dir, name+".csv"))
		require.Contains(t, out, name+".csv")
	}
}

func TestUnknownReportFails(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1/sitemap.xml")
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", cfgPath, "report", "nope"})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "unknown report")
}

func TestInvalidConfigFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ingest:\n  batch_size: 0\n"), 0o600))
	root := NewRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", path, "migrate"})
	require.ErrorContains(t, root.ExecuteContext(context.Background()), "batch_size")
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	go func() { done <- serve(ctx, ln, h, zap.NewNop()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
