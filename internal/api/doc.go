// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - POST /tools/request queues (url, tool) pairs and pokes the processor manager.
//   - GET /status/queue, /status/time-estimates and /status/project report
//     queue depth, per-tool averages, and progress under a URL prefix.
//   - GET /healthz, /readyz for Kubernetes probes and /metrics for Prometheus.
//
// The tools and status routes sit behind authMiddleware when auth is enabled.
package api
