package sqlstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/mickamy/ormnav/sqlstore")

var (
	deduplicatedQueriesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ormnav",
		Subsystem: "sqlstore",
		Name:      "deduplicated_queries_total",
		Help:      "The total number of fetches served by an identical query already in flight.",
	})

	retriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ormnav",
		Subsystem: "sqlstore",
		Name:      "retries_total",
		Help:      "The total number of statements retried after a transient failure.",
	}, []string{"method"})
)
