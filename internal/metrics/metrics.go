// Package metrics exposes the controller's own Prometheus instrumentation
// and the Source abstraction the feedback controller queries for
// device telemetry. Grounded on the corpus's observability package:
// registered collectors behind nil-receiver-safe methods, exposed via
// promhttp.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the controller registers. A nil *Metrics
// is valid and every method becomes a no-op, so components can be built
// and tested without an observability stack wired in.
type Metrics struct {
	IntentsSubmittedTotal   *prometheus.CounterVec
	ActiveIntents           *prometheus.GaugeVec
	PoliciesAppliedTotal    *prometheus.CounterVec
	PolicyApplyFailedTotal  *prometheus.CounterVec
	PolicyApplyDuration     *prometheus.HistogramVec
	FeedbackCorrectionsTotal prometheus.Counter
	DeviceOnline            *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New builds and registers every collector into a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		IntentsSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ibn_intents_submitted_total",
			Help: "Intents submitted, by resulting status.",
		}, []string{"status"}),
		ActiveIntents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ibn_active_intents",
			Help: "Current intents by status.",
		}, []string{"status"}),
		PoliciesAppliedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ibn_policies_applied_total",
			Help: "Policies successfully applied, by plane and kind.",
		}, []string{"plane", "kind"}),
		PolicyApplyFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ibn_policy_apply_failed_total",
			Help: "Policy application failures, by plane and kind.",
		}, []string{"plane", "kind"}),
		PolicyApplyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ibn_policy_apply_duration_seconds",
			Help:    "Time to apply one policy, by plane.",
			Buckets: prometheus.DefBuckets,
		}, []string{"plane"}),
		FeedbackCorrectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ibn_feedback_corrections_total",
			Help: "Corrective intents emitted by the feedback controller.",
		}),
		DeviceOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ibn_device_online",
			Help: "1 if a device's last known status is online, else 0.",
		}, []string{"device_id"}),
	}
	reg.MustRegister(
		m.IntentsSubmittedTotal,
		m.ActiveIntents,
		m.PoliciesAppliedTotal,
		m.PolicyApplyFailedTotal,
		m.PolicyApplyDuration,
		m.FeedbackCorrectionsTotal,
		m.DeviceOnline,
	)
	return m
}

// Handler returns the /metrics exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveIntentSubmitted(status string) {
	if m == nil {
		return
	}
	m.IntentsSubmittedTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveIntents(status string, n float64) {
	if m == nil {
		return
	}
	m.ActiveIntents.WithLabelValues(status).Set(n)
}

func (m *Metrics) ObservePolicyApplied(plane, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.PoliciesAppliedTotal.WithLabelValues(plane, kind).Inc()
	m.PolicyApplyDuration.WithLabelValues(plane).Observe(d.Seconds())
}

func (m *Metrics) ObservePolicyFailed(plane, kind string) {
	if m == nil {
		return
	}
	m.PolicyApplyFailedTotal.WithLabelValues(plane, kind).Inc()
}

func (m *Metrics) ObserveFeedbackCorrection() {
	if m == nil {
		return
	}
	m.FeedbackCorrectionsTotal.Inc()
}

func (m *Metrics) SetDeviceOnline(deviceID string, online bool) {
	if m == nil {
		return
	}
	v := 0.0
	if online {
		v = 1.0
	}
	m.DeviceOnline.WithLabelValues(deviceID).Set(v)
}
