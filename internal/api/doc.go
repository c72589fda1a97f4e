// Package api hosts the HTTP server, middleware, and REST handlers for the
// audit service. Notable routes:
//   - POST /v1/audits to submit a site audit.
//   - GET /v1/audits/{id}/status and /v1/audits/{id}/results for polling.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
