// Package metrics exposes Prometheus metrics for service dispatch and event routing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smartspace"

// NewRegistry creates a Prometheus registry with the Go and process collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the HTTP handler serving the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics holds the dispatch and event metrics. A nil *Metrics records nothing.
type Metrics struct {
	DispatchTotal    *prometheus.CounterVec   // labels: target, outcome
	DispatchDuration *prometheus.HistogramVec // labels: target
	ChannelsOpened   *prometheus.CounterVec   // labels: result=ok|error
	NotifyTotal      *prometheus.CounterVec   // labels: route=local|remote|inbound
	Registrations    prometheus.Gauge
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Service dispatches by target kind and outcome.",
		}, []string{"target", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Service dispatch latency including channel negotiation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		ChannelsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_opened_total",
			Help:      "Outbound data channels opened for stream calls.",
		}, []string{"result"}),
		NotifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_total",
			Help:      "Event notifications by route.",
		}, []string{"route"}),
		Registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_registrations",
			Help:      "Current number of event listener registrations.",
		}),
	}
	reg.MustRegister(m.DispatchTotal, m.DispatchDuration, m.ChannelsOpened, m.NotifyTotal, m.Registrations)
	return m
}

// ObserveDispatch records one dispatch.
func (m *Metrics) ObserveDispatch(target, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(target, outcome).Inc()
	m.DispatchDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

// ChannelOpened records a channel open attempt.
func (m *Metrics) ChannelOpened(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ChannelsOpened.WithLabelValues(result).Inc()
}

// NotifyRouted records a notification taking route.
func (m *Metrics) NotifyRouted(route string) {
	if m == nil {
		return
	}
	m.NotifyTotal.WithLabelValues(route).Inc()
}

// SetRegistrations sets the current registration count.
func (m *Metrics) SetRegistrations(n int) {
	if m == nil {
		return
	}
	m.Registrations.Set(float64(n))
}
