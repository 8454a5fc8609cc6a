package conditional

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/content-ingest/internal/ingest"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *recordingSleeper) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum time.Duration
	for _, d := range s.delays {
		sum += d
	}
	return sum
}

func newTestFetcher(cfg Config, retries int) (*Fetcher, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	policy := ingest.NewExponentialRetryPolicy(retries, 100*time.Millisecond, 0)
	return New(cfg, policy, nil, WithSleeper(sleeper)), sleeper
}

func sha(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestFetchSendsConditionalHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f, sleeper := newTestFetcher(Config{UserAgent: "test-agent/1.0"}, 3)
	res := f.Fetch(context.Background(), ingest.FetchRequest{
		URL:          srv.URL,
		ETag:         `"v42"`,
		LastModified: "Wed, 21 Oct 2015 07:28:00 GMT",
	})

	require.Equal(t, ingest.ResultNotModified, res.Kind)
	require.Equal(t, http.StatusNotModified, res.StatusCode)
	require.Equal(t, 1, res.Attempts)
	require.Empty(t, res.Text)
	require.Empty(t, sleeper.delays)
	require.Equal(t, "test-agent/1.0", got.Get("User-Agent"))
	require.Equal(t, `"v42"`, got.Get("If-None-Match"))
	require.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", got.Get("If-Modified-Since"))
}

func TestFetchOmitsUnknownValidators(t *testing.T) {
	t.Parallel()

	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(DefaultConfig(), 3)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.ResultSuccess, res.Kind)
	require.Equal(t, "rk-doc-ingestor/1.0", got.Get("User-Agent"))
	require.Empty(t, got.Get("If-None-Match"))
	require.Empty(t, got.Get("If-Modified-Since"))
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	body := []byte("<html><body>refreshed docs</body></html>")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Last-Modified", "Thu, 01 May 2025 10:00:00 GMT")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(DefaultConfig(), 3)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.ResultSuccess, res.Kind)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, `"abc"`, res.ETag)
	require.Equal(t, "Thu, 01 May 2025 10:00:00 GMT", res.LastModified)
	require.Equal(t, "text/html; charset=utf-8", res.ContentType)
	require.Equal(t, int64(len(body)), res.ByteLength)
	require.Equal(t, sha(body), res.ContentHash)
	require.Equal(t, string(body), res.Text)
	require.Equal(t, body, res.Body)
	require.False(t, res.Truncated)
	require.False(t, res.TooLarge)
}

func TestFetchTruncatesAtCeiling(t *testing.T) {
	t.Parallel()

	body := []byte(strings.Repeat("0123456789", 250))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(Config{MaxBytes: 1000, ChunkSize: 256}, 0)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.ResultSuccess, res.Kind)
	require.Equal(t, int64(1000), res.ByteLength)
	require.True(t, res.Truncated)
	require.True(t, res.TooLarge)
	require.Equal(t, sha(body[:1000]), res.ContentHash)
	require.Equal(t, string(body[:1000]), res.Text)
}

func TestFetchRetriesServerErrorsUntilExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f, sleeper := newTestFetcher(DefaultConfig(), 3)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.ResultHTTPError, res.Kind)
	require.Equal(t, 503, res.StatusCode)
	require.Equal(t, "HTTP 503", res.Message)
	require.Equal(t, "text/plain", res.ContentType)
	require.Equal(t, 4, res.Attempts)
	require.Equal(t, int32(4), calls.Load())
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, sleeper.delays)
	require.Equal(t, 700*time.Millisecond, sleeper.total())
}

func TestFetchRecoversAfterServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("second time lucky"))
	}))
	defer srv.Close()

	f, sleeper := newTestFetcher(DefaultConfig(), 3)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.ResultSuccess, res.Kind)
	require.Equal(t, 2, res.Attempts)
	require.Len(t, sleeper.delays, 1)
}

func TestFetchClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f, sleeper := newTestFetcher(DefaultConfig(), 3)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.ResultHTTPError, res.Kind)
	require.Equal(t, 404, res.StatusCode)
	require.Equal(t, "text/html", res.ContentType)
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, sleeper.delays)
}

func TestFetchOtherSuccessStatusIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(DefaultConfig(), 3)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})
	require.Equal(t, ingest.ResultHTTPError, res.Kind)
	require.Equal(t, 204, res.StatusCode)
	require.Equal(t, 1, res.Attempts)
}

func TestFetchConnectionFailureIsRetried(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	f, sleeper := newTestFetcher(DefaultConfig(), 2)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: url})

	require.Equal(t, ingest.ResultTransportError, res.Kind)
	require.Zero(t, res.StatusCode)
	require.Equal(t, 3, res.Attempts)
	require.True(t, strings.HasPrefix(res.Message, "connection error: "), res.Message)
	require.Len(t, sleeper.delays, 2)
}

func TestFetchInvalidURLIsUnhandled(t *testing.T) {
	t.Parallel()

	f, sleeper := newTestFetcher(DefaultConfig(), 3)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: "ftp://example.com/file"})

	require.Equal(t, ingest.ResultTransportError, res.Kind)
	require.True(t, strings.HasPrefix(res.Message, "unhandled: "), res.Message)
	require.Equal(t, 1, res.Attempts)
	require.Empty(t, sleeper.delays)
}

func TestFetchReadTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	f, _ := newTestFetcher(Config{ReadTimeout: 50 * time.Millisecond}, 0)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.ResultTransportError, res.Kind)
	require.True(t, strings.HasPrefix(res.Message, "timeout: "), res.Message)
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("moved here"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, _ := newTestFetcher(DefaultConfig(), 0)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL + "/old"})
	require.Equal(t, ingest.ResultSuccess, res.Kind)
	require.Equal(t, "moved here", res.Text)

	noFollow, _ := newTestFetcher(Config{FollowRedirects: false}, 0)
	res = noFollow.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL + "/old"})
	require.Equal(t, ingest.ResultHTTPError, res.Kind)
	require.Equal(t, http.StatusMovedPermanently, res.StatusCode)
}

func TestFetchCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancelling := sleeperFunc(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})
	f := New(DefaultConfig(), ingest.DefaultRetryPolicy(), nil, WithSleeper(cancelling))
	res := f.Fetch(ctx, ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.ResultHTTPError, res.Kind)
	require.Equal(t, 1, res.Attempts)
	require.Contains(t, res.Message, "retry aborted")
}

type sleeperFunc func(ctx context.Context, d time.Duration) error

func (f sleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

func TestFetchBinaryBodyHasNoNUL(t *testing.T) {
	t.Parallel()

	body := []byte("%PDF-1.7\x00\x01\x02binary")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(Config{}, 0)
	res := f.Fetch(context.Background(), ingest.FetchRequest{URL: srv.URL})

	require.Equal(t, ingest.ResultSuccess, res.Kind)
	require.NotContains(t, res.Text, "\x00")
	require.Equal(t, sha(body), res.ContentHash)
	require.Equal(t, body, res.Body)
	require.Equal(t, int64(len(body)), res.ByteLength)

	state := ingest.StateFromResult(srv.URL, res, time.Now())
	require.NotContains(t, *state.Content, "\x00")
}
