// Package metrics provides Prometheus metrics for zctun.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "zctun"
)

// Metrics contains all Prometheus metrics exposed by the server and
// client daemons. A single instance is shared across goroutines; every
// field is safe for concurrent use by virtue of being a Prometheus
// collector.
type Metrics struct {
	// Control channels (server and client side): one per authenticated clientKey.
	ControlChannelsActive prometheus.Gauge
	ControlChannelsTotal  prometheus.Counter
	DuplicateClientKeys   prometheus.Counter

	// User channels (server side): one per SOCKS5 CONNECT registered on a
	// control channel, counted from registration until close.
	UserChannelsActive prometheus.Gauge
	UserChannelsTotal  prometheus.Counter

	// Data channels: the pooled client->server sockets. DataChannelsActive
	// is recorded by the server, the pool gauges by the client.
	DataChannelsActive prometheus.Gauge
	DataPoolSize       prometheus.Gauge
	DataPoolExhausted  prometheus.Counter

	// Real-server channels (client side): one per active user flow.
	RealServerChannelsActive prometheus.Gauge
	RealServerDialFailures   prometheus.Counter

	// Frame traffic, by type and direction.
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BytesRelayed   *prometheus.CounterVec

	// SOCKS5 front end.
	SOCKS5ConnectionsTotal prometheus.Counter
	SOCKS5AuthFailures     prometheus.Counter
	SOCKS5ConnectLatency   prometheus.Histogram

	// Reconnect (client side).
	ReconnectAttempts prometheus.Counter
	ReconnectBackoff  prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered against
// the default Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered
// against reg, useful for tests that want an isolated registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ControlChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_channels_active",
			Help:      "Number of currently authenticated control channels",
		}),
		ControlChannelsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_channels_total",
			Help:      "Total control channels authenticated since start",
		}),
		DuplicateClientKeys: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_client_keys_total",
			Help:      "Total AUTH attempts rejected for an already-registered clientKey",
		}),

		UserChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "user_channels_active",
			Help:      "Number of SOCKS5 user channels currently registered on a control channel",
		}),
		UserChannelsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_channels_total",
			Help:      "Total SOCKS5 user channels registered since start",
		}),

		DataChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_channels_active",
			Help:      "Number of data channels currently bound to a user flow",
		}),
		DataPoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "data_pool_idle_size",
			Help:      "Number of idle data channels currently held in the pool",
		}),
		DataPoolExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_pool_exhausted_total",
			Help:      "Total times a returned data channel was closed because the pool was at capacity",
		}),

		RealServerChannelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "real_server_channels_active",
			Help:      "Number of currently open connections to real target servers",
		}),
		RealServerDialFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "real_server_dial_failures_total",
			Help:      "Total failures dialing a real target server",
		}),

		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent, by frame type",
		}, []string{"frame_type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received, by frame type",
		}, []string{"frame_type"}),
		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total payload bytes relayed, by direction",
		}, []string{"direction"}),

		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 user connections accepted",
		}),
		SOCKS5AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_auth_failures_total",
			Help:      "Total SOCKS5 authentication failures",
		}),
		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_connect_latency_seconds",
			Help:      "Histogram of time from SOCKS5 CONNECT to the CONNECT ack from the client",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total control-channel reconnect attempts made by the client",
		}),
		ReconnectBackoff: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnect_backoff_seconds",
			Help:      "Current reconnect backoff delay in seconds",
		}),
	}
}

// RecordControlChannelOpen records a newly authenticated control channel.
func (m *Metrics) RecordControlChannelOpen() {
	m.ControlChannelsActive.Inc()
	m.ControlChannelsTotal.Inc()
}

// RecordControlChannelClose records a control channel closing.
func (m *Metrics) RecordControlChannelClose() {
	m.ControlChannelsActive.Dec()
}

// RecordDuplicateClientKey records an AUTH rejected for a duplicate clientKey.
func (m *Metrics) RecordDuplicateClientKey() {
	m.DuplicateClientKeys.Inc()
}

// RecordUserChannelOpen records a user channel being registered on a
// control channel for a CONNECT request.
func (m *Metrics) RecordUserChannelOpen() {
	m.UserChannelsActive.Inc()
	m.UserChannelsTotal.Inc()
}

// RecordUserChannelClose records a user channel closing.
func (m *Metrics) RecordUserChannelClose() {
	m.UserChannelsActive.Dec()
}

// SetDataPoolSize sets the current idle pool size gauge.
func (m *Metrics) SetDataPoolSize(n int) {
	m.DataPoolSize.Set(float64(n))
}

// RecordDataPoolExhausted records a returned data channel closed because
// the pool was already at capacity.
func (m *Metrics) RecordDataPoolExhausted() {
	m.DataPoolExhausted.Inc()
}

// RecordRealServerDialFailure records a failed dial to a real target server.
func (m *Metrics) RecordRealServerDialFailure() {
	m.RealServerDialFailures.Inc()
}

// RecordFrameSent records a frame sent on any channel.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records a frame received on any channel.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordBytesRelayed records payload bytes relayed between a SOCKS5 user
// and a real server. direction is "upstream" (user -> real server) or
// "downstream" (real server -> user).
func (m *Metrics) RecordBytesRelayed(direction string, n int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(n))
}

// RecordSOCKS5Connect records a SOCKS5 user connection accepted.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5AuthFailure records a SOCKS5 authentication failure.
func (m *Metrics) RecordSOCKS5AuthFailure() {
	m.SOCKS5AuthFailures.Inc()
}

// RecordSOCKS5Latency records the CONNECT round-trip latency.
func (m *Metrics) RecordSOCKS5Latency(latencySeconds float64) {
	m.SOCKS5ConnectLatency.Observe(latencySeconds)
}

// RecordReconnectAttempt records one reconnect attempt and the backoff
// delay waited before it.
func (m *Metrics) RecordReconnectAttempt(backoffSeconds float64) {
	m.ReconnectAttempts.Inc()
	m.ReconnectBackoff.Set(backoffSeconds)
}

// ResetReconnectBackoff records a successful reconnect.
func (m *Metrics) ResetReconnectBackoff() {
	m.ReconnectBackoff.Set(0)
}
