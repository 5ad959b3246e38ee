// Package main hosts the tool runner service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts POST /tools/request submissions, fans each one out into
//     (url, tool) rows through internal/queue, and pokes the processor manager. Status routes report queue
//     depth, per-tool averages, and progress under a URL prefix.
//   - Request store: rows live in Postgres (internal/storage/postgres) or memory. The store is the only source of
//     truth; claims are a single conditional update, so several instances can share one table.
//   - Processor manager: internal/dispatcher keeps min(claimable rows, free browser contexts) processors alive,
//     staggering launches and re-checking on a debounce timer when nothing can be spawned.
//   - Processors: each internal/worker.Processor owns one Chrome tab in its own browser context, claims requests
//     (preferring the URL already loaded), loads pages with retries, runs the tool, validates results, and
//     completes the row. Outcomes go to the webhook (internal/notify) and optionally to Pub/Sub and the archive.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - A claim older than two minutes without completion is considered stale and can be claimed again, so a
//     crashed instance's work is picked up by the survivors.
//   - Requests interrupted by shutdown are left claimed rather than failed; they go stale and rerun.
//   - Webhook delivery retries 5xx responses and transport errors with linear backoff.
//
// Quick checklist:
//   - Configure env vars: TOOLRUNNER_SERVER_PORT, TOOLRUNNER_STORAGE_PROVIDER=postgres with TOOLRUNNER_STORAGE_DSN,
//     TOOLRUNNER_WEBHOOK_URL, TOOLRUNNER_BROWSER_MAX_CONCURRENT_PAGES, and TOOLRUNNER_AUTH_* when auth is enabled.
//   - Run locally: go run ./cmd/toolrunner -config config.yaml (or rely solely on env overrides).
package main
