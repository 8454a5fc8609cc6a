// Package main hosts the ingestor entrypoint.
//
// Architecture overview:
//   - Discovery: `ingestor discover` walks XML sitemaps (following sitemap indexes, each sitemap once) and upserts
//     every listed URL into the staging table. `ingestor consolidate` folds staging into the master URL list in one
//     set-merge statement, unioning the sources each URL was seen in.
//   - Refresh: `ingestor run` selects due documents in bounded batches (never checked, last attempt not a 200, or
//     older than the fresh/oversized interval), waits on a per-host throttle, performs a conditional GET with
//     bounded retries and a byte ceiling, and upserts the outcome with a field-level merge so a 304 or an error never
//     erases stored content. Each batch is one transaction. Retained bodies can be archived by content hash to local
//     disk or GCS.
//   - Observability: after each run one metric row is written and compared against the rolling baseline of recent
//     runs; alerts (empty run, failure rate, slow run, stale corpus) are stored and optionally published to Pub/Sub.
//     Prometheus collectors cover fetches, retries, throttle waits and runs, and can be pushed to a Pushgateway.
//   - Status: `ingestor serve` exposes /healthz, /readyz, /metrics and read-only /v1 endpoints for runs, alerts and
//     reports. `ingestor report` renders the same reports as CSV.
//
// Configuration is read by Viper from an optional YAML file (--config) with INGEST_* environment overrides, e.g.
// INGEST_DATABASE_DRIVER=postgres INGEST_DATABASE_DSN=postgres://... ingestor run.
package main
