package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ControlChannelsActive == nil {
		t.Error("ControlChannelsActive metric is nil")
	}
	if m.DataPoolSize == nil {
		t.Error("DataPoolSize metric is nil")
	}
	if m.BytesRelayed == nil {
		t.Error("BytesRelayed metric is nil")
	}
}

func TestRecordControlChannelOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordControlChannelOpen()
	m.RecordControlChannelOpen()
	m.RecordControlChannelClose()

	active := testutil.ToFloat64(m.ControlChannelsActive)
	if active != 1 {
		t.Errorf("ControlChannelsActive = %v, want 1", active)
	}
	total := testutil.ToFloat64(m.ControlChannelsTotal)
	if total != 2 {
		t.Errorf("ControlChannelsTotal = %v, want 2", total)
	}
}

func TestRecordDuplicateClientKey(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordDuplicateClientKey()
	m.RecordDuplicateClientKey()

	total := testutil.ToFloat64(m.DuplicateClientKeys)
	if total != 2 {
		t.Errorf("DuplicateClientKeys = %v, want 2", total)
	}
}

func TestRecordUserChannelOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUserChannelOpen()
	m.RecordUserChannelOpen()
	m.RecordUserChannelOpen()
	m.RecordUserChannelClose()

	active := testutil.ToFloat64(m.UserChannelsActive)
	if active != 2 {
		t.Errorf("UserChannelsActive = %v, want 2", active)
	}
	total := testutil.ToFloat64(m.UserChannelsTotal)
	if total != 3 {
		t.Errorf("UserChannelsTotal = %v, want 3", total)
	}
}

func TestDataPoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetDataPoolSize(42)
	m.RecordDataPoolExhausted()

	size := testutil.ToFloat64(m.DataPoolSize)
	if size != 42 {
		t.Errorf("DataPoolSize = %v, want 42", size)
	}
	exhausted := testutil.ToFloat64(m.DataPoolExhausted)
	if exhausted != 1 {
		t.Errorf("DataPoolExhausted = %v, want 1", exhausted)
	}
}

func TestRecordRealServerDialFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordRealServerDialFailure()
	m.RecordRealServerDialFailure()

	failures := testutil.ToFloat64(m.RealServerDialFailures)
	if failures != 2 {
		t.Errorf("RealServerDialFailures = %v, want 2", failures)
	}
}

func TestRecordFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameSent("TRANSFER")
	m.RecordFrameSent("TRANSFER")
	m.RecordFrameSent("HEARTBEAT")
	m.RecordFrameReceived("TRANSFER")

	transferSent := testutil.ToFloat64(m.FramesSent.WithLabelValues("TRANSFER"))
	if transferSent != 2 {
		t.Errorf("FramesSent[TRANSFER] = %v, want 2", transferSent)
	}
	heartbeatSent := testutil.ToFloat64(m.FramesSent.WithLabelValues("HEARTBEAT"))
	if heartbeatSent != 1 {
		t.Errorf("FramesSent[HEARTBEAT] = %v, want 1", heartbeatSent)
	}
}

func TestRecordBytesRelayed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesRelayed("upstream", 1000)
	m.RecordBytesRelayed("upstream", 500)
	m.RecordBytesRelayed("downstream", 2000)

	upstream := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("upstream"))
	if upstream != 1500 {
		t.Errorf("BytesRelayed[upstream] = %v, want 1500", upstream)
	}
	downstream := testutil.ToFloat64(m.BytesRelayed.WithLabelValues("downstream"))
	if downstream != 2000 {
		t.Errorf("BytesRelayed[downstream] = %v, want 2000", downstream)
	}
}

func TestRecordSOCKS5(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSOCKS5Connect()
	m.RecordSOCKS5Connect()
	m.RecordSOCKS5AuthFailure()
	m.RecordSOCKS5Latency(0.5)

	total := testutil.ToFloat64(m.SOCKS5ConnectionsTotal)
	if total != 2 {
		t.Errorf("SOCKS5ConnectionsTotal = %v, want 2", total)
	}
	failures := testutil.ToFloat64(m.SOCKS5AuthFailures)
	if failures != 1 {
		t.Errorf("SOCKS5AuthFailures = %v, want 1", failures)
	}
}

func TestRecordReconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordReconnectAttempt(2)
	m.RecordReconnectAttempt(4)

	attempts := testutil.ToFloat64(m.ReconnectAttempts)
	if attempts != 2 {
		t.Errorf("ReconnectAttempts = %v, want 2", attempts)
	}
	backoff := testutil.ToFloat64(m.ReconnectBackoff)
	if backoff != 4 {
		t.Errorf("ReconnectBackoff = %v, want 4", backoff)
	}

	m.ResetReconnectBackoff()
	backoff = testutil.ToFloat64(m.ReconnectBackoff)
	if backoff != 0 {
		t.Errorf("ReconnectBackoff after reset = %v, want 0", backoff)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
