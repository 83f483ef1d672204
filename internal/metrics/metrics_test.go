package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSessionLifecycleCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionEnd("", 30*time.Second)
	m.RecordSessionEnd("connection_lost", 0)

	if v := testutil.ToFloat64(m.ActiveSessions); v != 0 {
		t.Errorf("active sessions = %v, want 0", v)
	}
	if v := testutil.ToFloat64(m.SessionsStopped); v != 1 {
		t.Errorf("stopped = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SessionsFailed.WithLabelValues("connection_lost")); v != 1 {
		t.Errorf("failed(connection_lost) = %v, want 1", v)
	}
}

func TestFrameCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordFrameEncoded("video", 1200, true)
	m.RecordFrameEncoded("video", 300, false)
	m.RecordFrameSent("video", 1200)
	m.RecordFrameDropped("queue_full")
	m.RecordFrameDropped("queue_full")

	if v := testutil.ToFloat64(m.KeyFrames); v != 1 {
		t.Errorf("keyframes = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.BytesSent); v != 1200 {
		t.Errorf("bytes sent = %v, want 1200", v)
	}
	if v := testutil.ToFloat64(m.FramesDropped.WithLabelValues("queue_full")); v != 2 {
		t.Errorf("dropped = %v, want 2", v)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSessionStart()
	m.RecordFrameDropped("teardown")
	m.RecordHTTPRequest("GET", "/api/ping", 200, 0.01)
}

func TestStatusCodeClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 0: "unknown"}
	for code, want := range tests {
		if got := statusCodeToString(code); got != want {
			t.Errorf("statusCodeToString(%d) = %s, want %s", code, got, want)
		}
	}
}
