// Package conditional implements the refresh fetcher: one conditional GET per
// document with bounded retries, a byte ceiling on the body and SHA-256 over the
// retained bytes.
package conditional

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/clock/system"
	contenthash "github.com/JakeFAU/content-ingest/internal/hash/sha256"
	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/content-ingest/internal/fetcher/conditional")

// drainLimit caps how much of a discarded body is read so the connection can be reused.
const drainLimit = 64 << 10

// Config controls request headers, timeouts and the body ceiling.
type Config struct {
	UserAgent       string
	MaxBytes        int64
	ChunkSize       int
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	FollowRedirects bool
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		UserAgent:       "rk-doc-ingestor/1.0",
		MaxBytes:        1_000_000,
		ChunkSize:       8192,
		ConnectTimeout:  5 * time.Second,
		ReadTimeout:     20 * time.Second,
		FollowRedirects: true,
	}
}

// Fetcher implements ingest.Fetcher over net/http.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	retry   ingest.RetryPolicy
	sleeper ingest.Sleeper
	logger  *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithSleeper replaces the real-time sleeper used between retries.
func WithSleeper(s ingest.Sleeper) Option {
	return func(f *Fetcher) {
		f.sleeper = s
	}
}

// New builds a Fetcher. A nil retry policy means DefaultRetryPolicy.
func New(cfg Config, retry ingest.RetryPolicy, logger *zap.Logger, opts ...Option) *Fetcher {
	defaults := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaults.MaxBytes
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaults.ChunkSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaults.UserAgent
	}
	if retry == nil {
		retry = ingest.DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:     cfg,
		client:  newHTTPClient(cfg),
		retry:   retry,
		sleeper: system.New(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func newHTTPClient(cfg Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	client := &http.Client{Transport: transport}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

// step is the retry state machine: attempt, then either done or wait and attempt again.
type step int

const (
	stepAttempt step = iota
	stepRetryWait
	stepDone
)

// Fetch performs the conditional GET. It never returns an error: every failure
// is folded into an HTTPError or TransportError result.
func (f *Fetcher) Fetch(ctx context.Context, req ingest.FetchRequest) ingest.FetchResult {
	ctx, span := tracer.Start(ctx, "fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url.full", req.URL))

	var (
		res     ingest.FetchResult
		attempt int
		next    = stepAttempt
	)
	for next != stepDone {
		switch next {
		case stepAttempt:
			var retriable bool
			res, retriable = f.attempt(ctx, req)
			res.Attempts = attempt + 1
			metrics.ObserveFetchAttempt(res.Kind.String())
			if retriable && attempt < f.retry.MaxRetries() && ctx.Err() == nil {
				next = stepRetryWait
			} else {
				next = stepDone
			}
		case stepRetryWait:
			delay := f.retry.Backoff(attempt)
			metrics.ObserveFetchRetry()
			f.logger.Debug("retrying fetch",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt+1),
				zap.String("last_error", res.Message),
				zap.Duration("backoff", delay),
			)
			if err := f.sleeper.Sleep(ctx, delay); err != nil {
				res.Message = fmt.Sprintf("%s (retry aborted: %v)", res.Message, err)
				next = stepDone
				continue
			}
			attempt++
			next = stepAttempt
		}
	}

	span.SetAttributes(
		attribute.String("fetch.outcome", res.Kind.String()),
		attribute.Int("http.response.status_code", res.StatusCode),
		attribute.Int("fetch.attempts", res.Attempts),
		attribute.Bool("fetch.truncated", res.Truncated),
	)
	return res
}

// attempt performs one HTTP exchange and reports whether its failure is retriable.
func (f *Fetcher) attempt(ctx context.Context, req ingest.FetchRequest) (ingest.FetchResult, bool) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return unhandled(err), false
	}
	httpReq.Header.Set("User-Agent", f.cfg.UserAgent)
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return f.transportFailure(err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
		_ = resp.Body.Close()
	}()

	contentType := resp.Header.Get("Content-Type")
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return ingest.FetchResult{Kind: ingest.ResultNotModified, StatusCode: resp.StatusCode}, false
	case resp.StatusCode != http.StatusOK:
		return ingest.FetchResult{
			Kind:        ingest.ResultHTTPError,
			StatusCode:  resp.StatusCode,
			ContentType: contentType,
			Message:     fmt.Sprintf("HTTP %d", resp.StatusCode),
		}, f.retry.RetryStatus(resp.StatusCode)
	}

	body := newIdleReader(resp.Body, f.cfg.ReadTimeout, cancel)
	data, truncated, err := readBounded(body, f.cfg.MaxBytes, f.cfg.ChunkSize)
	body.stop()
	if err != nil {
		if body.expired() {
			err = readTimeoutError{after: f.cfg.ReadTimeout}
		}
		return f.transportFailure(err)
	}

	return ingest.FetchResult{
		Kind:         ingest.ResultSuccess,
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  contentType,
		ByteLength:   int64(len(data)),
		ContentHash:  contenthash.Sum(data),
		Text:         decodeBody(data, contentType),
		Body:         data,
		Truncated:    truncated,
		TooLarge:     truncated,
	}, false
}

func (f *Fetcher) transportFailure(err error) (ingest.FetchResult, bool) {
	if f.retry.RetryError(err) {
		return ingest.FetchResult{Kind: ingest.ResultTransportError, Message: describe(err)}, true
	}
	return unhandled(err), false
}

// readTimeoutError reports a body that stalled longer than the read timeout.
// It satisfies net.Error so the retry policy treats it like any other timeout.
type readTimeoutError struct {
	after time.Duration
}

func (e readTimeoutError) Error() string {
	return fmt.Sprintf("no body bytes received for %s", e.after)
}

func (readTimeoutError) Timeout() bool   { return true }
func (readTimeoutError) Temporary() bool { return true }

func describe(err error) string {
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error()
	}
	return "connection error: " + err.Error()
}

func unhandled(err error) ingest.FetchResult {
	return ingest.FetchResult{Kind: ingest.ResultTransportError, Message: "unhandled: " + err.Error()}
}
