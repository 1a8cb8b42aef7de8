package orm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/mickamy/ormnav/orm")

var (
	storeFetchesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ormnav",
		Name:      "store_fetches_total",
		Help:      "The total number of Store fetches issued by the loader.",
	}, []string{"mode", "kind"})

	deduplicatedLoadsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ormnav",
		Name:      "deduplicated_loads_total",
		Help:      "The total number of slot loads that waited on an in-flight fetch instead of issuing one.",
	})

	cascadeDeletesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ormnav",
		Name:      "cascade_deletes_total",
		Help:      "The total number of dependents affected by a delete, by delete policy.",
	}, []string{"policy"})

	commitsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ormnav",
		Name:      "commits_total",
		Help:      "The total number of unit of work commits, by result.",
	}, []string{"result"})
)
