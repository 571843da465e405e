package crawler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the crawl counters. Registration is per-instance so tests
// can build as many engines as they like without duplicate-collector
// panics.
type Metrics struct {
	PagesFetched   prometheus.Counter
	PagesFailed    prometheus.Counter
	PagesRetried   prometheus.Counter
	ResourcesSaved prometheus.Counter
	BytesWritten   prometheus.Counter
}

// NewMetrics builds and registers the counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitemirror_pages_fetched_total",
			Help: "Pages fetched and persisted successfully.",
		}),
		PagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitemirror_pages_failed_total",
			Help: "Pages that exhausted their retry budget.",
		}),
		PagesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitemirror_pages_retried_total",
			Help: "Transient failures returned to the frontier.",
		}),
		ResourcesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitemirror_resources_saved_total",
			Help: "Shared resources downloaded exactly once.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitemirror_bytes_written_total",
			Help: "Bytes written to the mirror tree.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PagesFetched, m.PagesFailed, m.PagesRetried,
			m.ResourcesSaved, m.BytesWritten)
	}
	return m
}

// ServeMetrics exposes the registry on addr until the listener fails.
// Callers run it in a goroutine; errors are logged, never fatal.
func ServeMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics listener stopped", zap.String("addr", addr), zap.Error(err))
	}
}
