// Package metrics exposes the billing service's Prometheus collectors.
//
// Methods are safe to call on a nil *Metrics so services built without
// metrics (tests, tools) need no guards.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keyfulfill"

type Metrics struct {
	registry        *prometheus.Registry
	webhooks        *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	licensesIssued  prometheus.Counter
	keyCollisions   prometheus.Counter
	activations     *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	retries         *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Time spent handling a webhook delivery.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"provider"}),
		licensesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "licenses_issued_total",
			Help:      "Licenses created.",
		}),
		keyCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_key_collisions_total",
			Help:      "Generated keys rejected because they already existed.",
		}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_activations_total",
			Help:      "Device activation attempts by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification sends by kind and result.",
		}, []string{"kind", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fulfillment_retries_total",
			Help:      "Fulfillment retries by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhooks, m.webhookDuration, m.licensesIssued, m.keyCollisions,
		m.activations, m.notifications, m.retries,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Webhook(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
	m.webhookDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) LicenseIssued() {
	if m == nil {
		return
	}
	m.licensesIssued.Inc()
}

func (m *Metrics) KeyCollision() {
	if m == nil {
		return
	}
	m.keyCollisions.Inc()
}

func (m *Metrics) Activation(result string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(result).Inc()
}

func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Retry(result string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(result).Inc()
}
