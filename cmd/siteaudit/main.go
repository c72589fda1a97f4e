// Package main is the siteaudit executable.
//
// Architecture overview:
//   - HTTP API: internal/api exposes submission, status and results endpoints plus health probes and
//     Prometheus metrics. Handlers only talk to the job manager.
//   - Job manager: internal/manager validates submissions, persists every job transition to the configured
//     JobStore (memory, Postgres or Redis) and runs each audit in its own goroutine with a per-job deadline.
//   - Stages: the Colly crawler (internal/crawl) gathers pages under a per-host rate limit; the performance
//     measurer (chromedp with an HTTP fallback) and the SEO evaluator (internal/seo) then run concurrently and
//     internal/scoring folds their outcomes into one report with an action plan.
//   - Fanout: finished reports are archived to blob storage (memory, local disk or GCS) under a content hash and a
//     completion event is published (in-memory or Pub/Sub).
//   - Housekeeping: a cron schedule prunes finished audits older than retention.days.
//
// Quick checklist:
//   - Configure via a YAML file passed with --config or AUDIT_* env vars (AUDIT_SERVER_PORT, AUDIT_STORAGE_BACKEND,
//     AUDIT_DATABASE_DSN, AUDIT_REPORTS_BACKEND, AUDIT_PUBSUB_ENABLED, AUDIT_PERFORMANCE_DRIVER, ...).
//   - Run the service: siteaudit serve --config config.yaml
//   - One-shot audit: siteaudit audit https://example.com --max-pages 20
package main

import "github.com/JakeFAU/site-audit/cmd"

func main() {
	cmd.Execute()
}
