package ingest

import (
	"time"
)

// ResultKind classifies the terminal outcome of one logical fetch.
type ResultKind int

const (
	// ResultNotModified is a 304 response.
	ResultNotModified ResultKind = iota + 1
	// ResultSuccess is a 200 response with a (possibly truncated) body.
	ResultSuccess
	// ResultHTTPError is any other status, after retries for 5xx were exhausted.
	ResultHTTPError
	// ResultTransportError is a network-level failure or an unexpected client error.
	ResultTransportError
)

// String returns the metric/log label for the kind.
func (k ResultKind) String() string {
	switch k {
	case ResultNotModified:
		return "not_modified"
	case ResultSuccess:
		return "success"
	case ResultHTTPError:
		return "http_error"
	case ResultTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// FetchRequest describes one conditional GET.
type FetchRequest struct {
	URL          string
	ETag         string
	LastModified string
}

// FetchResult is what a Fetcher returns. Failures are data, never errors.
type FetchResult struct {
	Kind         ResultKind
	StatusCode   int // zero for transport errors
	ETag         string
	LastModified string
	ContentType  string
	ByteLength   int64
	ContentHash  string
	Text         string
	Body         []byte // retained bytes, exactly what ContentHash covers
	Truncated    bool
	TooLarge     bool
	Message      string
	Attempts     int
}

// Candidate is a document selected for refresh together with its known validators.
type Candidate struct {
	URL          string
	ETag         *string
	LastModified *string
	IsTooLarge   bool
}

// Request builds the conditional request for the candidate.
func (c Candidate) Request() FetchRequest {
	return FetchRequest{
		URL:          c.URL,
		ETag:         deref(c.ETag),
		LastModified: deref(c.LastModified),
	}
}

// FetchState is the stored refresh state of one URL. Nil pointers are SQL NULLs.
type FetchState struct {
	URL           string
	ETag          *string
	LastModified  *string
	ContentHash   *string
	Content       *string
	ContentBytes  *int64
	ContentType   *string
	StatusCode    *int
	FetchedAt     *time.Time
	LastCheckedAt *time.Time
	ErrorMessage  *string
	WasTruncated  bool
	IsTooLarge    bool
}

// Stats are the run-wide counters returned to callers.
type Stats struct {
	Processed int `json:"processed"`
	OK200     int `json:"ok200"`
	OK304     int `json:"ok304"`
	Err       int `json:"err"`
}

// Record counts one classified outcome.
func (s *Stats) Record(kind ResultKind) {
	s.Processed++
	switch kind {
	case ResultSuccess:
		s.OK200++
	case ResultNotModified:
		s.OK304++
	default:
		s.Err++
	}
}

// RunResult summarizes a finished run.
type RunResult struct {
	Stats      Stats
	Batches    int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
