package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGatewayMetrics(t *testing.T) {
	m := NewGatewayMetrics()
	if NewGatewayMetrics() != m {
		t.Fatal("NewGatewayMetrics() returned a second instance")
	}

	before := testutil.ToFloat64(m.MalformedFrames)
	m.MalformedFrame()
	if got := testutil.ToFloat64(m.MalformedFrames); got != before+1 {
		t.Errorf("malformed frames = %v, want %v", got, before+1)
	}

	active := testutil.ToFloat64(m.ConnectionsActive)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	if got := testutil.ToFloat64(m.ConnectionsActive); got != active+1 {
		t.Errorf("active connections = %v, want %v", got, active+1)
	}

	accepted := testutil.ToFloat64(m.Handshakes.WithLabelValues("accepted"))
	m.Handshake("accepted")
	if got := testutil.ToFloat64(m.Handshakes.WithLabelValues("accepted")); got != accepted+1 {
		t.Errorf("accepted handshakes = %v, want %v", got, accepted+1)
	}
}

func TestGatewayMetricsNilSafe(t *testing.T) {
	var m *GatewayMetrics
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Handshake("failed")
	m.MessageReceived("binary")
	m.MalformedFrame()
	m.QueueOverflow()
	m.ConnectionReaped()
	m.Sent(10)
}
