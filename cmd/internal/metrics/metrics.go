// Package metrics holds the Prometheus collectors for the sync server.
//
// All methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meerkat"

// Metrics is the set of server collectors.
type Metrics struct {
	registry *prometheus.Registry

	connectionsActive  prometheus.Gauge
	documentsActive    prometheus.Gauge
	messagesReceived   *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	broadcastFrames    prometheus.Counter
	sendFailures       prometheus.Counter
	livenessTimeouts   prometheus.Counter
	persistenceErrors  *prometheus.CounterVec
	persistenceLatency *prometheus.HistogramVec
	notifyDeliveries   *prometheus.CounterVec
	relayMessages      *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newWith(reg)
}

func newWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open websocket connections",
		}),
		documentsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_active",
			Help:      "Number of documents held in memory",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound protocol messages by kind",
		}, []string{"kind"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Dropped inbound messages by kind",
		}, []string{"kind"}),
		broadcastFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_frames_total",
			Help:      "Frames queued to connections by document fan-out",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends that tore down a connection",
		}),
		livenessTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_timeouts_total",
			Help:      "Connections closed for a missed heartbeat",
		}),
		persistenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "errors_total",
			Help:      "Failed persistence operations by op",
		}, []string{"op"}),
		persistenceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "persistence",
			Name:      "op_duration_seconds",
			Help:      "Persistence operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		notifyDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by result",
		}, []string{"result"}),
		relayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "relay_messages_total",
			Help:      "Cross-instance relay messages by direction",
		}, []string{"direction"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) DocOpened() {
	if m != nil {
		m.documentsActive.Inc()
	}
}

func (m *Metrics) DocEvicted() {
	if m != nil {
		m.documentsActive.Dec()
	}
}

// MessageReceived counts one inbound message of kind.
func (m *Metrics) MessageReceived(kind string) {
	if m != nil {
		m.messagesReceived.WithLabelValues(kind).Inc()
	}
}

// DecodeError counts one dropped inbound message of kind.
func (m *Metrics) DecodeError(kind string) {
	if m != nil {
		m.decodeErrors.WithLabelValues(kind).Inc()
	}
}

// BroadcastFrames adds n fan-out frames.
func (m *Metrics) BroadcastFrames(n int) {
	if m != nil && n > 0 {
		m.broadcastFrames.Add(float64(n))
	}
}

func (m *Metrics) SendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) LivenessTimeout() {
	if m != nil {
		m.livenessTimeouts.Inc()
	}
}

// PersistenceOp records the duration and outcome of one persistence op.
func (m *Metrics) PersistenceOp(op string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.persistenceLatency.WithLabelValues(op).Observe(seconds)
	if err != nil {
		m.persistenceErrors.WithLabelValues(op).Inc()
	}
}

// NotifyDelivery counts one webhook delivery; result is "ok" or "error".
func (m *Metrics) NotifyDelivery(result string) {
	if m != nil {
		m.notifyDeliveries.WithLabelValues(result).Inc()
	}
}

// RelayMessage counts one relay message; direction is "in" or "out".
func (m *Metrics) RelayMessage(direction string) {
	if m != nil {
		m.relayMessages.WithLabelValues(direction).Inc()
	}
}
