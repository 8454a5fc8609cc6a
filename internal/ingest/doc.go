// Package ingest implements the incremental refresh loop for the document corpus.
//
// A run repeatedly asks the store for a bounded batch of documents that are due
// for refresh, fetches each one through the per-host throttle and the conditional
// fetcher, and records the outcome with a field-level merge so that validators and
// content survive not-modified and error outcomes. Writes are committed once per
// batch; an interrupted run is safe to repeat because selection and upsert are both
// idempotent.
//
// The package owns the domain types (FetchState, Candidate, FetchResult, Stats),
// the merge rule (MergeFetchState), the due predicate (DuePolicy), the retry policy
// used by fetchers, and the Runner. Concrete fetchers and stores live elsewhere and
// are wired in through the interfaces in interfaces.go.
package ingest
