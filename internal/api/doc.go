// Package api hosts the HTTP server, middleware and REST handlers for operators.
// Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs and GET /v1/runs/{run_id} to submit and inspect query runs.
//   - GET /v1/listings for recently stored listings.
//   - GET /v1/budget/{provider} for the day's LLM spend against the ceiling.
//   - GET /v1/persist/stats for the persistence queue snapshot.
//   - POST /v1/proxies/validate to probe a proxy pool.
package api
