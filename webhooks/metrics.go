package webhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var webhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_webhooks_received_total",
	Help: "Number of webhook deliveries, by event kind and outcome",
}, []string{"event", "outcome"})

var webhooksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_webhooks_rejected_total",
	Help: "Number of webhook deliveries rejected before processing",
}, []string{"reason"})
