package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func runMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}
