package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailmirror",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailmirror",
			Name:      "sync_jobs_total",
			Help:      "Processed sync jobs by type and result.",
		},
		[]string{"type", "result"},
	)

	syncPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailmirror",
			Name:      "sync_pages_total",
			Help:      "Pages fetched from the external API by job type.",
		},
		[]string{"type"},
	)

	approvalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailmirror",
			Name:      "approval_transitions_total",
			Help:      "Approval state transitions by target status.",
		},
		[]string{"status"},
	)

	rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailmirror",
			Name:      "rate_limit_denials_total",
			Help:      "Denied rate limit consumptions by operation class.",
		},
		[]string{"class"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, syncJobs, syncPages, approvalTransitions, rateLimitDenials)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// IncSyncJob records a finished job with its result label.
func IncSyncJob(jobType, result string) {
	syncJobs.WithLabelValues(jobType, result).Inc()
}

// IncSyncPage records one fetched page.
func IncSyncPage(jobType string) {
	syncPages.WithLabelValues(jobType).Inc()
}

// IncApprovalTransition records a state transition.
func IncApprovalTransition(status string) {
	approvalTransitions.WithLabelValues(status).Inc()
}

// IncRateLimitDenial records a denied consume.
func IncRateLimitDenial(class string) {
	rateLimitDenials.WithLabelValues(class).Inc()
}
