// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/targets for configured targets with their derived phase and cursor.
//   - POST /v1/targets/{platform}/{identifier}/crawl to enqueue one crawl task.
//   - DELETE /v1/targets/{platform}/{identifier}/cursor to reset a target.
package api
