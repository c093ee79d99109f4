// Package metrics holds the Prometheus collectors for routing, IVR, SLA and
// vendor traffic. Every record method is safe on a nil *Metrics so components
// can run without a sink in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	// Routing
	RoutingAttemptsTotal *prometheus.CounterVec
	RoutingDuration      *prometheus.HistogramVec
	QueueWaiting         *prometheus.GaugeVec
	QueueEntriesTotal    *prometheus.CounterVec

	// IVR
	IVRSessionsActive   prometheus.Gauge
	IVRSessionsTotal    *prometheus.CounterVec
	IVRTransitionsTotal *prometheus.CounterVec

	// SLA
	SLACompliance  *prometheus.GaugeVec
	SLAAbandonRate *prometheus.GaugeVec
	SLAAverageWait *prometheus.GaugeVec

	// Vendor
	WebhooksTotal         *prometheus.CounterVec
	VendorRequestsTotal   *prometheus.CounterVec
	AudioConversionErrors *prometheus.CounterVec

	// API
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with every collector registered on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RoutingAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cc_routing_attempts_total",
				Help: "Routing attempts by team, strategy and outcome",
			},
			[]string{"team", "strategy", "outcome"},
		),
		RoutingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cc_routing_duration_seconds",
				Help:    "Time spent selecting and claiming a routing target",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"team"},
		),
		QueueWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cc_queue_waiting",
				Help: "Entries waiting in queue after the last position pass",
			},
			[]string{"team"},
		),
		QueueEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cc_queue_entries_total",
				Help: "Queue entry transitions by resulting status",
			},
			[]string{"team", "status"},
		),

		IVRSessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cc_ivr_sessions_active",
				Help: "IVR sessions currently in progress",
			},
		),
		IVRSessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cc_ivr_sessions_total",
				Help: "Finalized IVR sessions by exit reason",
			},
			[]string{"flow", "exit_reason"},
		),
		IVRTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cc_ivr_transitions_total",
				Help: "IVR node transitions by kind (match, retry, default)",
			},
			[]string{"flow", "kind"},
		),

		SLACompliance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cc_sla_compliance_percent",
				Help: "Answered within target divided by answered, per team",
			},
			[]string{"team"},
		),
		SLAAbandonRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cc_sla_abandon_percent",
				Help: "Abandoned divided by total, per team",
			},
			[]string{"team"},
		),
		SLAAverageWait: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cc_sla_average_wait_seconds",
				Help: "Average wait of answered calls, per team",
			},
			[]string{"team"},
		),

		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cc_webhooks_total",
				Help: "Inbound vendor webhooks by result",
			},
			[]string{"vendor", "result"},
		),
		VendorRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cc_vendor_requests_total",
				Help: "Outbound call-control requests by result",
			},
			[]string{"vendor", "result"},
		),
		AudioConversionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cc_audio_conversion_errors_total",
				Help: "Dropped audio chunks that failed conversion",
			},
			[]string{"vendor"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cc_api_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cc_api_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.RoutingAttemptsTotal,
		m.RoutingDuration,
		m.QueueWaiting,
		m.QueueEntriesTotal,
		m.IVRSessionsActive,
		m.IVRSessionsTotal,
		m.IVRTransitionsTotal,
		m.SLACompliance,
		m.SLAAbandonRate,
		m.SLAAverageWait,
		m.WebhooksTotal,
		m.VendorRequestsTotal,
		m.AudioConversionErrors,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RoutingAttempt(team, strategy string, success, fallback bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "no_match"
	switch {
	case success && fallback:
		outcome = "fallback"
	case success:
		outcome = "success"
	}
	m.RoutingAttemptsTotal.WithLabelValues(team, strategy, outcome).Inc()
	m.RoutingDuration.WithLabelValues(team).Observe(d.Seconds())
}

func (m *Metrics) QueueTransition(team, status string) {
	if m == nil {
		return
	}
	m.QueueEntriesTotal.WithLabelValues(team, status).Inc()
}

func (m *Metrics) SetWaiting(team string, n int) {
	if m == nil {
		return
	}
	m.QueueWaiting.WithLabelValues(team).Set(float64(n))
}

func (m *Metrics) IVRStarted() {
	if m == nil {
		return
	}
	m.IVRSessionsActive.Inc()
}

func (m *Metrics) IVREnded(flow, exitReason string) {
	if m == nil {
		return
	}
	m.IVRSessionsActive.Dec()
	m.IVRSessionsTotal.WithLabelValues(flow, exitReason).Inc()
}

func (m *Metrics) IVRTransition(flow, kind string) {
	if m == nil {
		return
	}
	m.IVRTransitionsTotal.WithLabelValues(flow, kind).Inc()
}

func (m *Metrics) SetSLA(team string, compliance, abandon float64, avgWait time.Duration) {
	if m == nil {
		return
	}
	m.SLACompliance.WithLabelValues(team).Set(compliance)
	m.SLAAbandonRate.WithLabelValues(team).Set(abandon)
	m.SLAAverageWait.WithLabelValues(team).Set(avgWait.Seconds())
}

func (m *Metrics) Webhook(vendor, result string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(vendor, result).Inc()
}

func (m *Metrics) VendorRequest(vendor string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.VendorRequestsTotal.WithLabelValues(vendor, result).Inc()
}

func (m *Metrics) AudioError(vendor string) {
	if m == nil {
		return
	}
	m.AudioConversionErrors.WithLabelValues(vendor).Inc()
}

func (m *Metrics) APIRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.APIRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
