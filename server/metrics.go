package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"udapgw/udap"
)

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	registrations *prometheus.CounterVec
	federations   *prometheus.CounterVec
	proxied       *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udapgw_registrations_total",
			Help: "Trusted dynamic client registration requests by operation and outcome.",
		}, []string{"operation", "outcome"}),
		federations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udapgw_federations_total",
			Help: "Tiered OAuth IDP resolutions by outcome.",
		}, []string{"outcome"}),
		proxied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udapgw_proxy_requests_total",
			Help: "Requests proxied to the backend platform.",
		}, []string{"endpoint", "role", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registrations,
		m.federations,
		m.proxied,
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) registration(operation string, err error) {
	m.registrations.WithLabelValues(operation, outcome(err)).Inc()
}

func (m *Metrics) federation(result string, err error) {
	if err != nil {
		result = outcome(err)
	}
	m.federations.WithLabelValues(result).Inc()
}

func (m *Metrics) proxy(endpoint string, role Role, status string) {
	m.proxied.WithLabelValues(endpoint, string(role), status).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if coded, ok := udap.AsError(err); ok {
		return coded.Code
	}
	return "error"
}
