// Package api hosts the HTTP server, middleware, and handlers for scrape runs.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs and GET /v1/runs[/{run_id}] for run creation and lookup.
//   - GET /v1/runs/{run_id}/stream for the live SSE status of one run.
package api
