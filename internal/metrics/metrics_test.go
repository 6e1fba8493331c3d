package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ConnectionsActive == nil || m.BytesRelayed == nil || m.HandshakeLatency == nil {
		t.Error("expected all collectors to be initialized")
	}
}

func TestRecordConnectionOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionOpen("socks5")
	m.RecordConnectionOpen("socks5")
	m.RecordConnectionOpen("shadowsocks")

	active := testutil.ToFloat64(m.ConnectionsActive.WithLabelValues("socks5"))
	if active != 2 {
		t.Errorf("ConnectionsActive[socks5] = %v, want 2", active)
	}
	total := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("socks5"))
	if total != 2 {
		t.Errorf("ConnectionsTotal[socks5] = %v, want 2", total)
	}

	m.RecordConnectionClose("socks5")
	active = testutil.ToFloat64(m.ConnectionsActive.WithLabelValues("socks5"))
	if active != 1 {
		t.Errorf("ConnectionsActive[socks5] after close = %v, want 1", active)
	}
}

func TestRecordConnectionError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnectionError("transport")
	m.RecordConnectionError("transport")
	m.RecordConnectionError("crypto")

	if v := testutil.ToFloat64(m.ConnectionErrors.WithLabelValues("transport")); v != 2 {
		t.Errorf("ConnectionErrors[transport] = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.ConnectionErrors.WithLabelValues("crypto")); v != 1 {
		t.Errorf("ConnectionErrors[crypto] = %v, want 1", v)
	}
}

func TestRecordBytesRelayed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesClientToRemote(100)
	m.RecordBytesClientToRemote(50)
	m.RecordBytesRemoteToClient(200)

	if v := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("client_to_remote")); v != 150 {
		t.Errorf("client_to_remote = %v, want 150", v)
	}
	if v := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("remote_to_client")); v != 200 {
		t.Errorf("remote_to_client = %v, want 200", v)
	}
}

func TestRecordHandshake(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshake("socks5", 0.01)
	m.RecordHandshake("socks5", 0.02)

	if n := testutil.CollectAndCount(m.HandshakeLatency); n != 1 {
		t.Errorf("HandshakeLatency series count = %d, want 1", n)
	}
}

func TestDefaultReturnsSameInstance(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() should return the same instance across calls")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
