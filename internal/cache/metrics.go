package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	fetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "margins_cache_fetches_total",
			Help: "Gateway list calls issued by the cache, by entity kind.",
		},
		[]string{"kind"},
	)

	fetchErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "margins_cache_fetch_errors_total",
			Help: "Gateway list calls that failed, by entity kind.",
		},
		[]string{"kind"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "margins_cache_notifications_total",
			Help: "Observer callbacks invoked, by entity kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(fetchesTotal)
	prometheus.MustRegister(fetchErrorsTotal)
	prometheus.MustRegister(notificationsTotal)
}
