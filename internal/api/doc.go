// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/requests to submit URLs.
//   - GET /v1/requests/{id} for the outcome of one request.
//   - GET /v1/stats for scheduler counters.
package api
