// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	auditJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_jobs_total",
			Help: "Total number of audit jobs that reached a terminal state, labeled by state.",
		},
		[]string{"state"},
	)

	auditStageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_stage_duration_seconds",
			Help:    "Histogram of stage run times, labeled by stage and outcome.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "outcome"},
	)

	auditActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_active_jobs",
			Help: "Number of audit jobs currently running.",
		},
	)

	auditOverallScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_overall_score",
			Help:    "Distribution of overall SEO scores.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		},
	)

	auditIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_issues_total",
			Help: "Total number of issues found, labeled by severity.",
		},
		[]string{"severity"},
	)

	crawlPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_pages_total",
			Help: "Total number of pages crawled, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	crawlRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	retentionPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_retention_pruned_total",
			Help: "Total number of expired jobs removed by the retention sweep.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the terminal job counter.
func ObserveJob(state string) {
	auditJobsTotal.WithLabelValues(state).Inc()
}

// ObserveStage records how long a stage ran and whether it succeeded.
func ObserveStage(stage, outcome string, duration time.Duration) {
	auditStageDurationSeconds.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// IncActiveJobs increments the running jobs gauge.
func IncActiveJobs() {
	auditActiveJobs.Inc()
}

// DecActiveJobs decrements the running jobs gauge.
func DecActiveJobs() {
	auditActiveJobs.Dec()
}

// ObserveScore records an overall score and per-severity issue counts.
func ObserveScore(score int, issuesBySeverity map[string]int) {
	auditOverallScore.Observe(float64(score))
	for severity, n := range issuesBySeverity {
		auditIssuesTotal.WithLabelValues(severity).Add(float64(n))
	}
}

// ObserveCrawl increments the crawled page counter.
func ObserveCrawl(site string, status string) {
	crawlPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObservePruned adds n to the retention counter.
func ObservePruned(n int) {
	retentionPrunedTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
