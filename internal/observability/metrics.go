package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics tracks client connections and their traffic.
//
// All methods are safe to call on a nil receiver.
type GatewayMetrics struct {
	// ConnectionsActive is the number of open client connections.
	ConnectionsActive prometheus.Gauge

	// Handshakes counts upgrade attempts.
	// Labels: outcome (accepted|unauthorized|failed)
	Handshakes *prometheus.CounterVec

	// MessagesReceived counts inbound messages.
	// Labels: kind (binary|control)
	MessagesReceived *prometheus.CounterVec

	// MalformedFrames counts binary frames dropped as malformed.
	MalformedFrames prometheus.Counter

	// QueueOverflows counts connections closed because their send queue was full.
	QueueOverflows prometheus.Counter

	// Reaped counts connections closed by the idle reaper.
	Reaped prometheus.Counter

	// BytesSent counts payload bytes written to clients.
	BytesSent prometheus.Counter
}

var (
	gatewayMetricsOnce     sync.Once
	gatewayMetricsInstance *GatewayMetrics
)

// NewGatewayMetrics registers the gateway metrics with the default registry
// once and returns the shared instance.
func NewGatewayMetrics() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayMetricsInstance = &GatewayMetrics{
			ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "canvasd_gateway_connections_active",
				Help: "Current number of open client connections",
			}),
			Handshakes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "canvasd_gateway_handshakes_total",
				Help: "Connection upgrade attempts by outcome",
			}, []string{"outcome"}),
			MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "canvasd_gateway_messages_received_total",
				Help: "Inbound client messages by kind",
			}, []string{"kind"}),
			MalformedFrames: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_gateway_malformed_frames_total",
				Help: "Binary frames dropped because their record count did not match their length",
			}),
			QueueOverflows: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_gateway_queue_overflows_total",
				Help: "Connections closed because their send queue overflowed",
			}),
			Reaped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_gateway_reaped_total",
				Help: "Connections closed for missing heartbeats",
			}),
			BytesSent: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_gateway_bytes_sent_total",
				Help: "Payload bytes written to clients",
			}),
		}
	})
	return gatewayMetricsInstance
}

func (m *GatewayMetrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

func (m *GatewayMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *GatewayMetrics) Handshake(outcome string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(outcome).Inc()
}

func (m *GatewayMetrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

func (m *GatewayMetrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

func (m *GatewayMetrics) QueueOverflow() {
	if m == nil {
		return
	}
	m.QueueOverflows.Inc()
}

func (m *GatewayMetrics) ConnectionReaped() {
	if m == nil {
		return
	}
	m.Reaped.Inc()
}

func (m *GatewayMetrics) Sent(n int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
}
