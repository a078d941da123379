// Package metrics exposes Prometheus instrumentation for the panel core.
//
// Metrics live on a private registry so several instances (one per test, for
// example) never collide on the global default registerer. Every method is
// safe to call on a nil *Metrics, which turns instrumentation off.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "panelcore"

// Publish result label values.
const (
	ResultOK           = "ok"
	ResultNotConnected = "not_connected"
	ResultError        = "error"
)

// Metrics holds the collectors for one panel core process.
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived *prometheus.CounterVec
	decodeFailures   *prometheus.CounterVec
	droppedMessages  *prometheus.CounterVec
	publishes        *prometheus.CounterVec
	connectionState  prometheus.Gauge
	historyLength    prometheus.Gauge
	wsClients        prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_received_total",
			Help:      "Inbound MQTT messages accepted for dispatch, by topic.",
		}, []string{"topic"}),
		decodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_decode_failures_total",
			Help:      "Sensor payloads rejected by the decoder, by topic.",
		}, []string{"topic"}),
		droppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_messages_dropped_total",
			Help:      "Inbound messages dropped because the dispatch queue stayed full or was closed.",
		}, []string{"topic"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_publishes_total",
			Help:      "Outbound control publishes, by result.",
		}, []string{"result"}),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connection_state",
			Help:      "Broker session state (0 disconnected, 1 connecting, 2 connected, 3 connection lost).",
		}),
		historyLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry_history_length",
			Help:      "Readings currently retained in the history ring.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesReceived,
		m.decodeFailures,
		m.droppedMessages,
		m.publishes,
		m.connectionState,
		m.historyLength,
		m.wsClients,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageReceived(topic string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(topic).Inc()
}

func (m *Metrics) DecodeFailed(topic string) {
	if m == nil {
		return
	}
	m.decodeFailures.WithLabelValues(topic).Inc()
}

func (m *Metrics) MessageDropped(topic string) {
	if m == nil {
		return
	}
	m.droppedMessages.WithLabelValues(topic).Inc()
}

// Published counts one control publish with a Result* label.
func (m *Metrics) Published(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

// SetConnectionState records the numeric value of an mqtt.ConnectionState.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) SetHistoryLength(n int) {
	if m == nil {
		return
	}
	m.historyLength.Set(float64(n))
}

func (m *Metrics) SetWebSocketClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request count and latency for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
