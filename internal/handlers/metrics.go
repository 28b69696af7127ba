package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fjmerc/stashbox/internal/metrics"
)

// MetricsHandler registers the storage collector and returns the Prometheus endpoint.
func MetricsHandler(sessions metrics.SessionCounter, backend metrics.SizeReporter) http.Handler {
	prometheus.MustRegister(metrics.NewStorageCollector(sessions, backend))
	return promhttp.Handler()
}
