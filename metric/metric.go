// Package metric provides the Prometheus metrics registry for the EMFI
// station. Packages declare their own Metrics structs and register them
// through the shared Registry; a nil Registry disables metrics entirely
// (nil input = nil feature pattern).
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the Prometheus namespace shared by all station metrics.
const Namespace = "emfi"

// Registry wraps a private Prometheus registry with the Go runtime and
// process collectors pre-registered.
type Registry struct {
	prometheusRegistry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with runtime collectors
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{prometheusRegistry: prometheusRegistry}
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// MustRegister registers the collectors, panicking on duplicates.
// Duplicate registration is a programming error, caught at startup.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.prometheusRegistry.MustRegister(cs...)
}

// Handler returns an HTTP handler exposing the registry in Prometheus format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
