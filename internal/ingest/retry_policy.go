package ingest

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"syscall"
	"time"
)

// RetryPolicy decides which fetch failures are retried and how long to wait.
type RetryPolicy interface {
	MaxRetries() int
	RetryStatus(status int) bool
	RetryError(err error) bool
	Backoff(attempt int) time.Duration
}

// ExponentialRetryPolicy retries 5xx responses and connection/timeout failures
// with base * 2^attempt delays.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy. A zero maxDelay leaves delays uncapped.
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ExponentialRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// DefaultRetryPolicy is three retries starting at 800ms.
func DefaultRetryPolicy() *ExponentialRetryPolicy {
	return NewExponentialRetryPolicy(3, 800*time.Millisecond, 0)
}

// MaxRetries is the number of retries after the first attempt.
func (p *ExponentialRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// RetryStatus reports whether a response status is worth retrying.
func (p *ExponentialRetryPolicy) RetryStatus(status int) bool {
	return status >= 500 && status <= 599
}

// RetryError reports whether a transport error is a timeout or connection failure.
func (p *ExponentialRetryPolicy) RetryError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// Backoff returns the wait before retry number attempt+1.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if p.maxDelay > 0 && delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay)
}
