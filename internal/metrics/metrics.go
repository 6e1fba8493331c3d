// Package metrics provides Prometheus metrics for the proxy: connection
// counts and handshake latency per input adapter, bytes relayed per
// direction, and error counters per error kind, exposed on an optional HTTP
// endpoint.
package metrics

import (
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nerite"

// Metrics holds every Prometheus collector the proxy updates while
// relaying connections.
type Metrics struct {
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionErrors  *prometheus.CounterVec

	BytesRelayed *prometheus.CounterVec

	HandshakeLatency *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default Metrics instance, backed by
// prometheus.DefaultRegisterer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against
// prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance registered against reg,
// letting tests use an isolated registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently relayed connections by input adapter",
		}, []string{"input"}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections accepted, by input adapter",
		}, []string{"input"}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total connection failures, by error kind",
		}, []string{"kind"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, by direction (client_to_remote, remote_to_client)",
		}, []string{"direction"}),
		HandshakeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time taken by the output connector's Open call",
			Buckets:   prometheus.DefBuckets,
		}, []string{"input"}),
	}
}

// RecordConnectionOpen marks the start of a relayed connection for the
// given input adapter name ("socks5", "shadowsocks", ...).
func (m *Metrics) RecordConnectionOpen(input string) {
	m.ConnectionsActive.WithLabelValues(input).Inc()
	m.ConnectionsTotal.WithLabelValues(input).Inc()
}

// RecordConnectionClose marks the end of a relayed connection.
func (m *Metrics) RecordConnectionClose(input string) {
	m.ConnectionsActive.WithLabelValues(input).Dec()
}

// RecordConnectionError records a per-connection failure by proxyerr.Kind
// string ("handshake", "crypto", "resolve", "transport", ...).
func (m *Metrics) RecordConnectionError(kind string) {
	m.ConnectionErrors.WithLabelValues(kind).Inc()
}

// RecordBytesClientToRemote adds n to the client->remote byte counter.
func (m *Metrics) RecordBytesClientToRemote(n int) {
	m.BytesRelayed.WithLabelValues("client_to_remote").Add(float64(n))
}

// RecordBytesRemoteToClient adds n to the remote->client byte counter.
func (m *Metrics) RecordBytesRemoteToClient(n int) {
	m.BytesRelayed.WithLabelValues("remote_to_client").Add(float64(n))
}

// RecordHandshake observes how long it took the output connector to open a
// destination, for the given input adapter name.
func (m *Metrics) RecordHandshake(input string, seconds float64) {
	m.HandshakeLatency.WithLabelValues(input).Observe(seconds)
}

// countingReader wraps an io.Reader, invoking onRead with the byte count of
// every successful Read so pipeline byte pumps can be observed without the
// pipeline package itself depending on metrics.
type countingReader struct {
	r      io.Reader
	onRead func(n int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}

// WrapClientToRemote wraps r so every byte read from it (the client's
// outbound stream) is counted against the client_to_remote counter.
func (m *Metrics) WrapClientToRemote(r io.Reader) io.Reader {
	if m == nil {
		return r
	}
	return &countingReader{r: r, onRead: m.RecordBytesClientToRemote}
}

// WrapRemoteToClient wraps r so every byte read from it (the remote peer's
// inbound stream) is counted against the remote_to_client counter.
func (m *Metrics) WrapRemoteToClient(r io.Reader) io.Reader {
	if m == nil {
		return r
	}
	return &countingReader{r: r, onRead: m.RecordBytesRemoteToClient}
}
