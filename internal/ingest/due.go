package ingest

import (
	"time"
)

// DuePolicy decides when a document needs refreshing.
type DuePolicy struct {
	// FreshInterval is how long a normal 200 stays fresh.
	FreshInterval time.Duration
	// OversizedInterval applies to documents that hit the byte ceiling.
	OversizedInterval time.Duration
}

// DefaultDuePolicy is one day for normal documents and seven for oversized ones.
func DefaultDuePolicy() DuePolicy {
	return DuePolicy{
		FreshInterval:     24 * time.Hour,
		OversizedInterval: 7 * 24 * time.Hour,
	}
}

// Cutoffs returns the last-checked thresholds below which a document is stale.
func (p DuePolicy) Cutoffs(asOf time.Time) (fresh, oversized time.Time) {
	return asOf.Add(-p.FreshInterval), asOf.Add(-p.OversizedInterval)
}

// IsDue reports whether the document should be selected. A nil state means the
// document is on the master list but has never been recorded.
func (p DuePolicy) IsDue(state *FetchState, asOf time.Time) bool {
	if state == nil || state.LastCheckedAt == nil {
		return true
	}
	if state.StatusCode == nil || *state.StatusCode != 200 {
		return true
	}
	fresh, oversized := p.Cutoffs(asOf)
	if state.IsTooLarge {
		return state.LastCheckedAt.Before(oversized)
	}
	return state.LastCheckedAt.Before(fresh)
}

// SelectionLess orders documents least recently checked first. Never-checked
// documents sort ahead of everything; ties break on URL.
func SelectionLess(aURL string, a *FetchState, bURL string, b *FetchState) bool {
	ta, tb := checkedKey(a), checkedKey(b)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return aURL < bURL
}

func checkedKey(state *FetchState) time.Time {
	if state == nil || state.LastCheckedAt == nil {
		return time.Unix(0, 0).UTC()
	}
	return *state.LastCheckedAt
}
