package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsFailed   *prometheus.CounterVec
	SessionsStopped  prometheus.Counter
	StreamingSeconds prometheus.Histogram
	StateChanges     *prometheus.CounterVec

	// Frame metrics
	FramesEncoded *prometheus.CounterVec
	FramesSent    *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec
	FrameSize     *prometheus.HistogramVec
	KeyFrames     prometheus.Counter

	// Transport metrics
	BytesSent        prometheus.Counter
	QueueDepth       prometheus.Gauge
	Backpressure     prometheus.Counter
	Stalls           prometheus.Counter
	ConnectAttempts  *prometheus.CounterVec
	ConnectDuration  prometheus.Histogram
	Reconnects       prometheus.Counter
	ReconnectBackoff prometheus.Histogram

	// Control metrics
	Commands     *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Recorder metrics
	PartsWritten prometheus.Counter
	PartSize     prometheus.Histogram
}

// New creates all metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on promhttp.Handler().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_active_sessions",
			Help: "Number of sessions currently starting, streaming or reconnecting",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_sessions_started_total",
			Help: "Total number of accepted session starts",
		}),
		SessionsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecast_sessions_failed_total",
				Help: "Total number of sessions that ended in the failed state",
			},
			[]string{"cause"},
		),
		SessionsStopped: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_sessions_stopped_total",
			Help: "Total number of sessions stopped by request",
		}),
		StreamingSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livecast_streaming_duration_seconds",
			Help:    "Time sessions spent streaming",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~2.8h
		}),
		StateChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecast_state_changes_total",
				Help: "Session state transitions by target phase",
			},
			[]string{"phase"},
		),

		FramesEncoded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecast_frames_encoded_total",
				Help: "Total number of frames produced by the encoder pipeline",
			},
			[]string{"track"},
		),
		FramesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecast_frames_sent_total",
				Help: "Total number of frames written to the endpoint",
			},
			[]string{"track"},
		),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecast_frames_dropped_total",
				Help: "Total number of frames dropped",
			},
			[]string{"reason"},
		),
		FrameSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livecast_frame_size_bytes",
				Help:    "Size of encoded frames in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B to ~512KB
			},
			[]string{"track"},
		),
		KeyFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_keyframes_total",
			Help: "Total number of keyframes encoded",
		}),

		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_bytes_sent_total",
			Help: "Payload bytes written to the endpoint",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "livecast_send_queue_depth",
			Help: "Frames waiting in transport send buffers",
		}),
		Backpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_backpressure_signals_total",
			Help: "Writes answered with backpressure",
		}),
		Stalls: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_transport_stalls_total",
			Help: "Links torn down after sustained backpressure",
		}),
		ConnectAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecast_connect_attempts_total",
				Help: "Connection attempts by result",
			},
			[]string{"result"},
		),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livecast_connect_duration_seconds",
			Help:    "Time to complete the protocol handshake",
			Buckets: prometheus.DefBuckets,
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_reconnects_total",
			Help: "Reconnection attempts",
		}),
		ReconnectBackoff: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livecast_reconnect_backoff_seconds",
			Help:    "Backoff delays before reconnection attempts",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
		}),

		Commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecast_commands_total",
				Help: "Control commands by name and outcome",
			},
			[]string{"command", "outcome"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livecast_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livecast_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PartsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "livecast_recording_parts_total",
			Help: "Recording parts written to storage",
		}),
		PartSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livecast_recording_part_size_bytes",
			Help:    "Size of recording parts in bytes",
			Buckets: prometheus.ExponentialBuckets(10240, 2, 12), // 10KB to ~20MB
		}),
	}

	return m
}

// RecordSessionStart records an accepted start
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsStarted.Inc()
}

// RecordSessionEnd records a session leaving the active phases
func (m *Metrics) RecordSessionEnd(failedCause string, streamed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	if failedCause != "" {
		m.SessionsFailed.WithLabelValues(failedCause).Inc()
	} else {
		m.SessionsStopped.Inc()
	}
	if streamed > 0 {
		m.StreamingSeconds.Observe(streamed.Seconds())
	}
}

// RecordStateChange records a transition into phase
func (m *Metrics) RecordStateChange(phase string) {
	if m == nil {
		return
	}
	m.StateChanges.WithLabelValues(phase).Inc()
}

// RecordFrameEncoded records a frame leaving the encoder
func (m *Metrics) RecordFrameEncoded(track string, size int, keyframe bool) {
	if m == nil {
		return
	}
	m.FramesEncoded.WithLabelValues(track).Inc()
	m.FrameSize.WithLabelValues(track).Observe(float64(size))
	if keyframe {
		m.KeyFrames.Inc()
	}
}

// RecordFrameSent records a frame written to the endpoint
func (m *Metrics) RecordFrameSent(track string, size int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(track).Inc()
	m.BytesSent.Add(float64(size))
}

// RecordFrameDropped records a dropped frame
func (m *Metrics) RecordFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// AddQueueDepth moves the send queue gauge by delta
func (m *Metrics) AddQueueDepth(delta int) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(float64(delta))
}

// RecordBackpressure records a write answered with backpressure
func (m *Metrics) RecordBackpressure() {
	if m == nil {
		return
	}
	m.Backpressure.Inc()
}

// RecordStall records a link torn down for stalling
func (m *Metrics) RecordStall() {
	if m == nil {
		return
	}
	m.Stalls.Inc()
}

// RecordConnect records the outcome of a handshake
func (m *Metrics) RecordConnect(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
	if result == "ok" {
		m.ConnectDuration.Observe(took.Seconds())
	}
}

// RecordReconnect records a reconnection attempt and its backoff
func (m *Metrics) RecordReconnect(delay time.Duration) {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
	m.ReconnectBackoff.Observe(delay.Seconds())
}

// RecordCommand records a control command
func (m *Metrics) RecordCommand(command, outcome string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, outcome).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordPart records a recording part written
func (m *Metrics) RecordPart(sizeBytes int) {
	if m == nil {
		return
	}
	m.PartsWritten.Inc()
	m.PartSize.Observe(float64(sizeBytes))
}

// statusCodeToString converts an HTTP status code to a class label
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
