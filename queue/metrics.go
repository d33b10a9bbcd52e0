package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vigil_queue_depth",
	Help: "Number of jobs waiting in the queue",
})

var jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_jobs_enqueued_total",
	Help: "Number of jobs enqueued",
}, []string{"kind"})

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_jobs_processed_total",
	Help: "Number of jobs processed, by outcome",
}, []string{"kind", "outcome"})
