// Package api hosts the read-only status server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs, /v1/runs/{metric_id} and /v1/runs/{metric_id}/alerts for
//     recorded run metrics via store.RunRepository.
//   - GET /v1/reports and /v1/reports/{name} for the tabular reports.
package api
