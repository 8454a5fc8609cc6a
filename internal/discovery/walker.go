// Package discovery walks XML sitemaps and yields the document URLs they list.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-ingest/internal/store"
)

// Config controls the collector used for the walk.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Walker recursively expands sitemap indexes into sitemap entries.
type Walker struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Walker.
func New(cfg Config, logger *zap.Logger) *Walker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{cfg: cfg, logger: logger}
}

// walk holds the state of one Walk call.
type walk struct {
	mu       sync.Mutex
	entries  []store.SitemapEntry
	failures []error
	seen     map[string]struct{}
	visited  int
}

// Walk visits every root and every sitemap reachable from it, each at most
// once. Entries are returned even when some sitemaps failed; the failures are
// joined into the error.
func (w *Walker) Walk(ctx context.Context, roots []string) ([]store.SitemapEntry, error) {
	state := &walk{seen: make(map[string]struct{})}
	c := w.newCollector(ctx, state)

	for _, root := range roots {
		if ctx.Err() != nil {
			break
		}
		root = collapse(root)
		if !isHTTP(root) {
			state.fail(fmt.Errorf("sitemap %q: unsupported url", root))
			continue
		}
		if !state.claim(root) {
			continue
		}
		if err := c.Visit(root); err != nil {
			state.fail(fmt.Errorf("visit %s: %w", root, err))
		}
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return state.entries, fmt.Errorf("sitemap walk canceled: %w", err)
	}
	w.logger.Info("sitemap walk finished",
		zap.Int("sitemaps", state.visited),
		zap.Int("entries", len(state.entries)),
		zap.Int("failures", len(state.failures)),
	)
	return state.entries, errors.Join(state.failures...)
}

func (w *Walker) newCollector(ctx context.Context, state *walk) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	// Revisits are tracked by the walk itself.
	c.AllowURLRevisit = true
	if w.cfg.UserAgent != "" {
		c.UserAgent = w.cfg.UserAgent
	}
	c.SetRequestTimeout(w.cfg.Timeout)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		w.logger.Debug("fetching sitemap", zap.String("url", r.URL.String()))
	})

	c.OnResponse(func(*colly.Response) {
		state.mu.Lock()
		state.visited++
		state.mu.Unlock()
	})

	c.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		w.logger.Warn("sitemap fetch failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status", status),
			zap.Error(err),
		)
		state.fail(fmt.Errorf("sitemap %s: %w", r.Request.URL, err))
	})

	c.OnXML("//sitemapindex/sitemap", func(e *colly.XMLElement) {
		loc := e.Request.AbsoluteURL(collapse(e.ChildText("loc")))
		if !isHTTP(loc) || !state.claim(loc) {
			return
		}
		if err := e.Request.Visit(loc); err != nil {
			state.fail(fmt.Errorf("visit %s: %w", loc, err))
		}
	})

	c.OnXML("//urlset/url", func(e *colly.XMLElement) {
		loc := collapse(e.ChildText("loc"))
		if !isHTTP(loc) {
			return
		}
		entry := store.SitemapEntry{
			URL:     loc,
			Source:  e.Request.URL.String(),
			LastMod: ParseLastMod(e.ChildText("lastmod")),
		}
		state.mu.Lock()
		state.entries = append(state.entries, entry)
		state.mu.Unlock()
	})

	return c
}

func (s *walk) fail(err error) {
	s.mu.Lock()
	s.failures = append(s.failures, err)
	s.mu.Unlock()
}

// claim reports whether the sitemap has not been visited yet and marks it.
func (s *walk) claim(raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[raw]; ok {
		return false
	}
	s.seen[raw] = struct{}{}
	return true
}

// ParseLastMod accepts RFC 3339 timestamps and bare YYYY-MM-DD dates.
func ParseLastMod(raw string) *time.Time {
	raw = collapse(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
