package reactive

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "crossview"
	subsystem = "coordinator"
)

var (
	QueriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "queries_total",
		Help:      "Engine queries issued, by client kind",
	}, []string{"kind"})

	ErrorsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "query_errors_total",
		Help:      "Engine query failures, by client kind",
	}, []string{"kind"})

	CacheHitsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "cache_hits_total",
		Help:      "Queries answered from the result cache",
	})

	StaleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "stale_results_total",
		Help:      "Results dropped because a newer query superseded them",
	}, []string{"kind"})

	QueryHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "query_seconds",
		Help:      "Engine round trip time",
	}, []string{"kind"})
)

// Metrics lists every collector of this package.
var Metrics = []prometheus.Collector{
	QueriesCounter,
	ErrorsCounter,
	CacheHitsCounter,
	StaleCounter,
	QueryHistogram,
}
