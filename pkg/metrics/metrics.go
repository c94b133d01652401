// Package metrics provides Prometheus metrics for the delivery engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsDelivered counts rows accepted by the warehouse, labeled by method.
	RowsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bqsink",
		Name:      "rows_delivered_total",
		Help:      "Total rows delivered to the warehouse",
	}, []string{"method", "table"})

	// InsertRequests counts streaming insert API calls.
	InsertRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bqsink",
		Name:      "insert_requests_total",
		Help:      "Total streaming insert requests issued",
	}, []string{"table"})

	// LoadJobs counts submitted load jobs by final state.
	LoadJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bqsink",
		Name:      "load_jobs_total",
		Help:      "Total load jobs submitted, by final state",
	}, []string{"state"})

	// DeliveryErrors counts classified delivery failures by outcome.
	DeliveryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bqsink",
		Name:      "delivery_errors_total",
		Help:      "Total delivery failures by classified outcome",
	}, []string{"outcome"})

	// InsertLatency observes streaming insert round-trip time.
	InsertLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bqsink",
		Name:      "insert_latency_seconds",
		Help:      "Streaming insert request latency",
		Buckets:   prometheus.DefBuckets,
	})
)
