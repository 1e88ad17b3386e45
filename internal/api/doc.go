// Package api hosts the operator HTTP endpoint served while a command runs.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the progress of the current scrape and merge.
//   - GET /v1/records and /v1/records/{external_id} for record store lookups.
package api
