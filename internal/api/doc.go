// Package api hosts the ops/control HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes; readyz reports the shared session.
//   - GET /metrics for Prometheus scraping.
//   - GET /ws for room-based WebSocket subscriptions.
//   - GET /v1/jobs and /v1/jobs/{campaignID} for crawl job status.
//   - POST /v1/session/retry to restart a login cycle after exhaustion.
//   - POST /v1/campaigns/{campaignID}/sync and /archive to reconcile jobs.
//   - POST /v1/rules/reload and /v1/alerts/{alertID}/status for rule upkeep
//     and alert triage.
package api
