package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics owns the prometheus registry and every collector the bot reports.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestErrors    *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	gatewayCalls     *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	gatewayRetries   *prometheus.CounterVec
	draftTransitions *prometheus.CounterVec
	tokenRefreshes   *prometheus.CounterVec
}

// NewMetrics initializes collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbot_http_requests_total",
			Help: "HTTP requests served, by route, method and status.",
		}, []string{"path", "method", "status"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbot_http_errors_total",
			Help: "HTTP requests that ended in a domain error, by code.",
		}, []string{"path", "method", "code"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbot_webhook_events_total",
			Help: "Inbound chat platform events, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbot_gateway_calls_total",
			Help: "Outbound gateway operations, by gateway, operation and outcome.",
		}, []string{"gateway", "operation", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketbot_gateway_call_duration_seconds",
			Help:    "Latency of outbound gateway operations including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"gateway", "operation"}),
		gatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbot_gateway_retries_total",
			Help: "Retried gateway attempts.",
		}, []string{"gateway", "operation"}),
		draftTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbot_draft_transitions_total",
			Help: "Ticket draft state transitions.",
		}, []string{"from", "to"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketbot_token_refreshes_total",
			Help: "Chat platform access token refreshes, by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.requestErrors,
		m.webhookEvents,
		m.gatewayCalls,
		m.gatewayLatency,
		m.gatewayRetries,
		m.draftTransitions,
		m.tokenRefreshes,
	)
	return m
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(path, method, code).Inc()
}

// RecordWebhookEvent counts an inbound event.
func (m *Metrics) RecordWebhookEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(kind, outcome).Inc()
}

// RecordGatewayCall counts a completed gateway operation and observes its latency.
func (m *Metrics) RecordGatewayCall(gateway, operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gatewayCalls.WithLabelValues(gateway, operation, outcome).Inc()
	m.gatewayLatency.WithLabelValues(gateway, operation).Observe(duration.Seconds())
}

// RecordRetry counts one retried attempt.
func (m *Metrics) RecordRetry(gateway, operation string) {
	if m == nil {
		return
	}
	m.gatewayRetries.WithLabelValues(gateway, operation).Inc()
}

// RecordTransition counts a draft step change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.draftTransitions.WithLabelValues(from, to).Inc()
}

// RecordTokenRefresh counts a token issuance attempt.
func (m *Metrics) RecordTokenRefresh(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}
