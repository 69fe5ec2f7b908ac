// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v2/scan, /v2/scan/url, /v2/scan/app, /v2/scan/address for submission.
//   - GET /v2/scan/{id}/status for polling a scan.
package api
