package mastodon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_api_requests_total",
	Help: "Number of calls to the upstream instance API",
}, []string{"endpoint", "status"})

var apiErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_api_errors_total",
	Help: "Number of 4xx/5xx responses from the upstream instance API",
}, []string{"endpoint", "code"})

var apiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "vigil_api_request_duration_seconds",
	Help:    "Latency of upstream instance API calls",
	Buckets: prometheus.DefBuckets,
}, []string{"endpoint"})

var ratelimitSleeps = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_ratelimit_sleeps_total",
	Help: "Number of times a worker slept waiting for the shared rate-limit window",
})

var ratelimitDegraded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_ratelimit_degraded_total",
	Help: "Number of calls paced by the degraded local limiter because the shared store was unreachable",
})
