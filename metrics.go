package pgclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is an optional set of Prometheus collectors a Connection reports
// query counts, latencies and errors to when attached via WithMetrics.
type Metrics struct {
	QueriesTotal   *prometheus.CounterVec
	QueryErrors    *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	Notifications  prometheus.Counter
}

// NewMetrics constructs a Metrics registered under namespace, ready to pass
// to WithMetrics and to register with a prometheus.Registerer.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of queries executed.",
		}, []string{"command"}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_errors_total",
			Help:      "Total number of queries that completed with an error.",
		}, []string{"sqlstate"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Time spent waiting for a query's completion.",
			Buckets:   prometheus.DefBuckets,
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Total number of LISTEN/NOTIFY deliveries received.",
		}),
	}
}

// Collectors returns every collector so callers can register them in one
// call: registerer.MustRegister(m.Collectors()...).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.QueriesTotal, m.QueryErrors, m.QueryDuration, m.Notifications}
}

func (m *Metrics) observeQuery(command string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(command).Inc()
	m.QueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		sqlstate := ""
		if pgErr, ok := err.(*PgError); ok {
			sqlstate = pgErr.Code
		}
		m.QueryErrors.WithLabelValues(sqlstate).Inc()
	}
}
