package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the connector service
type Metrics struct {
	// Session lifecycle metrics
	ConnectsTotal   *prometheus.CounterVec
	ConnectDuration *prometheus.HistogramVec
	Reconnections   *prometheus.CounterVec
	Teardowns       prometheus.Counter
	LeasesLost      *prometheus.CounterVec
	SessionsByState *prometheus.GaugeVec
	AuthSubmissions *prometheus.CounterVec
	PreloadDuration prometheus.Histogram
	RateLimitWaits  *prometheus.CounterVec
	MessagesSent    *prometheus.CounterVec

	// Event routing metrics
	EventsRouted    *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventSinkErrors prometheus.Counter

	// Kafka metrics
	KafkaMessagesProduced prometheus.Counter
	KafkaProduceErrors    *prometheus.CounterVec
	KafkaProduceDuration  prometheus.Histogram
}

var (
	// DefaultMetrics is the default metrics instance
	DefaultMetrics *Metrics
	once           sync.Once
)

// GetDefaultMetrics returns the singleton metrics instance
func GetDefaultMetrics() *Metrics {
	once.Do(func() {
		DefaultMetrics = NewMetrics()
	})
	return DefaultMetrics
}

func init() {
	GetDefaultMetrics()
}

// NewMetrics registers all collectors with the default registry
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_connects_total",
				Help: "Connect attempts by network and outcome",
			},
			[]string{"network", "outcome"},
		),
		ConnectDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "connector_connect_duration_seconds",
				Help:    "Duration of adapter connect attempts in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"network"},
		),
		Reconnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_reconnections_total",
				Help: "Sessions replaced after a failed health check",
			},
			[]string{"network"},
		),
		Teardowns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "connector_teardowns_total",
			Help: "Total number of sessions torn down",
		}),
		LeasesLost: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_leases_lost_total",
				Help: "Sessions dropped because another instance took their lease",
			},
			[]string{"network"},
		),
		SessionsByState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connector_sessions",
				Help: "Live sessions by network and auth state",
			},
			[]string{"network", "state"},
		),
		AuthSubmissions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_auth_submissions_total",
				Help: "Auth inputs submitted by step and outcome",
			},
			[]string{"step", "outcome"},
		),
		PreloadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "connector_preload_duration_seconds",
			Help:    "Duration of startup preload in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		RateLimitWaits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_rate_limit_waits_total",
				Help: "Network flood waits and local limiter rejections",
			},
			[]string{"network"},
		),
		MessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_messages_sent_total",
				Help: "Outbound messages by network and outcome",
			},
			[]string{"network", "outcome"},
		),

		EventsRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_events_routed_total",
				Help: "Events delivered to the sink by network and kind",
			},
			[]string{"network", "kind"},
		),
		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_events_dropped_total",
				Help: "Events dropped because a route buffer was full or closed",
			},
			[]string{"network", "reason"},
		),
		EventSinkErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "connector_event_sink_errors_total",
			Help: "Events the sink failed to accept",
		}),

		KafkaMessagesProduced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "connector_kafka_messages_produced_total",
			Help: "Total number of messages produced to Kafka",
		}),
		KafkaProduceErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_kafka_produce_errors_total",
				Help: "Total number of Kafka produce errors",
			},
			[]string{"error_type"},
		),
		KafkaProduceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "connector_kafka_produce_duration_seconds",
			Help:    "Duration of Kafka produce operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// RecordConnect records one connect attempt
func (m *Metrics) RecordConnect(network, outcome string, duration float64) {
	m.ConnectsTotal.WithLabelValues(network, outcome).Inc()
	m.ConnectDuration.WithLabelValues(network).Observe(duration)
}

// RecordReconnection records a session replaced after going unhealthy
func (m *Metrics) RecordReconnection(network string) {
	m.Reconnections.WithLabelValues(network).Inc()
}

// RecordLeaseLost records a session dropped after losing its lease
func (m *Metrics) RecordLeaseLost(network string) {
	m.LeasesLost.WithLabelValues(network).Inc()
}

// RecordTeardown records a removed session
func (m *Metrics) RecordTeardown() {
	m.Teardowns.Inc()
}

// SetSessionStates replaces the per-state session gauges.
// counts is keyed by network, then by state name.
func (m *Metrics) SetSessionStates(counts map[string]map[string]int) {
	m.SessionsByState.Reset()
	for network, states := range counts {
		for state, n := range states {
			m.SessionsByState.WithLabelValues(network, state).Set(float64(n))
		}
	}
}

// RecordAuthSubmission records one auth input
func (m *Metrics) RecordAuthSubmission(step, outcome string) {
	m.AuthSubmissions.WithLabelValues(step, outcome).Inc()
}

// RecordPreload records how long startup preload took
func (m *Metrics) RecordPreload(duration float64) {
	m.PreloadDuration.Observe(duration)
}

// RecordRateLimit records a flood wait or limiter rejection
func (m *Metrics) RecordRateLimit(network string) {
	m.RateLimitWaits.WithLabelValues(network).Inc()
}

// RecordSend records an outbound message
func (m *Metrics) RecordSend(network, outcome string) {
	m.MessagesSent.WithLabelValues(network, outcome).Inc()
}

// RecordEventRouted records an event handed to the sink
func (m *Metrics) RecordEventRouted(network, kind string) {
	m.EventsRouted.WithLabelValues(network, kind).Inc()
}

// RecordEventDropped records an event that never reached the sink
func (m *Metrics) RecordEventDropped(network, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.EventsDropped.WithLabelValues(network, reason).Inc()
}

// RecordEventSinkError records a sink failure
func (m *Metrics) RecordEventSinkError() {
	m.EventSinkErrors.Inc()
}

// RecordKafkaMessage records a Kafka message production with duration
func (m *Metrics) RecordKafkaMessage(duration float64) {
	m.KafkaMessagesProduced.Inc()
	m.KafkaProduceDuration.Observe(duration)
}

// RecordKafkaError records a Kafka production error with error type
func (m *Metrics) RecordKafkaError(errorType string) {
	if errorType == "" {
		errorType = "unknown"
	}
	m.KafkaProduceErrors.WithLabelValues(errorType).Inc()
}
