package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsHandler serves Prometheus metrics. registryHandler is the
// handler bound to the OpenTelemetry exporter's registry; without one the
// default registry is served.
func NewMetricsHandler(registryHandler http.Handler) http.Handler {
	if registryHandler != nil {
		return registryHandler
	}
	return promhttp.Handler()
}
