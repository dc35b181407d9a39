package app

import "github.com/prometheus/client_golang/prometheus"

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "margins_http_requests_total",
			Help: "HTTP requests served, by route and status.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "margins_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	httpRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "margins_http_rate_limited_total",
			Help: "Requests rejected by the per-member rate limit.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpDuration, httpRateLimited)
}
