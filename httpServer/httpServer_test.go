package httpServer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"livecast/internal/auth"
	"livecast/internal/control"
	"livecast/internal/ingest"
	"livecast/internal/logging"
	"livecast/internal/metrics"
	"livecast/internal/recorder"
	"livecast/internal/session"
	"livecast/internal/storage"
	"livecast/internal/streammanager"
	"livecast/internal/transport"
	"livecast/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopLink struct{}

func (nopLink) Send(*models.Frame) error { return nil }
func (nopLink) Close() error             { return nil }

func testDefaults() control.Defaults {
	return control.Defaults{
		Stream: models.StreamConfig{
			URL:          "rtmp://127.0.0.1/live",
			Width:        320,
			Height:       240,
			Bitrate:      500_000,
			FrameRate:    30,
			SampleRate:   44100,
			Channels:     2,
			AudioBitrate: 96_000,
			MaxZoom:      4,
		},
		Session: session.Options{
			Dialer: transport.DialerFunc(func(context.Context, transport.Target) (transport.Link, error) {
				return nopLink{}, nil
			}),
		},
	}
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	log := logrus.NewEntry(logging.Discard())
	if opts.Events == nil {
		opts.Events = streammanager.New()
	}
	if opts.Adapter == nil {
		events := opts.Events
		opts.Adapter = control.New(control.Options{Observer: events.Publish, Log: log, Metrics: opts.Metrics})
		t.Cleanup(opts.Adapter.Shutdown)
	}
	if opts.Defaults.Stream.URL == "" {
		opts.Defaults = testDefaults()
	}
	opts.Log = log
	return New(opts)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

type statusBody struct {
	Handle    uint64 `json:"handle"`
	SessionID string `json:"sessionId"`
	Stats     struct {
		State string  `json:"state"`
		Zoom  float64 `json:"zoom"`
	} `json:"stats"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func openSession(t *testing.T, s *Server) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("open = %d %s", w.Code, w.Body.String())
	}
	var st statusBody
	decode(t, w, &st)
	if st.Handle == 0 || st.Stats.State != "idle" {
		t.Fatalf("opened %+v", st)
	}
	return "/api/v1/sessions/" + strconv.FormatUint(st.Handle, 10)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, Options{})
	base := openSession(t, s)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		kind   models.ErrorKind
	}{
		{"zoom preset", http.MethodPost, "/zoom", `{"ratio": 2}`, http.StatusOK, ""},
		{"zoom out of range", http.MethodPost, "/zoom", `{"ratio": 9}`, http.StatusBadRequest, models.RangeError},
		{"zoom without body", http.MethodPost, "/zoom", `{}`, http.StatusBadRequest, models.RangeError},
		{"zoom zero", http.MethodPost, "/zoom", `{"ratio": 0}`, http.StatusBadRequest, models.RangeError},
		{"zoom not json", http.MethodPost, "/zoom", `ratio=2`, http.StatusBadRequest, ""},
		{"bitrate too low", http.MethodPost, "/bitrate", `{"bps": 10}`, http.StatusBadRequest, models.RangeError},
		{"bitrate zero", http.MethodPost, "/bitrate", `{"bps": 0}`, http.StatusBadRequest, models.RangeError},
		{"start without key", http.MethodPost, "/start", `{"requestId": 1}`, http.StatusBadRequest, models.ConfigError},
		{"start bad url", http.MethodPost, "/start", `{"requestId": 1, "streamKey": "key-123456", "url": "http://x/live"}`, http.StatusBadRequest, models.ConfigError},
		{"start", http.MethodPost, "/start", `{"requestId": 2, "streamKey": "key-123456"}`, http.StatusAccepted, ""},
		{"start twice", http.MethodPost, "/start", `{"requestId": 3, "streamKey": "key-123456"}`, http.StatusConflict, models.StateError},
		{"bitrate live", http.MethodPost, "/bitrate", `{"bps": 800000}`, http.StatusOK, ""},
		{"status", http.MethodGet, "", "", http.StatusOK, ""},
		{"stop", http.MethodPost, "/stop", "", http.StatusAccepted, ""},
		{"close", http.MethodDelete, "", "", http.StatusNoContent, ""},
		{"status after close", http.MethodGet, "", "", http.StatusNotFound, models.HandleNotFound},
		{"stop after close", http.MethodPost, "/stop", "", http.StatusNotFound, models.HandleNotFound},
	}
	for _, tt := range tests {
		w := do(t, s, tt.method, base+tt.path, tt.body)
		if w.Code != tt.want {
			t.Errorf("%s: status %d, want %d (%s)", tt.name, w.Code, tt.want, w.Body.String())
			continue
		}
		if tt.kind == "" {
			continue
		}
		var body struct {
			Kind string `json:"kind"`
		}
		decode(t, w, &body)
		if body.Kind != string(tt.kind) {
			t.Errorf("%s: kind %q, want %q", tt.name, body.Kind, tt.kind)
		}
	}
}

func TestMalformedHandle(t *testing.T) {
	s := newTestServer(t, Options{})
	for _, path := range []string{"/api/v1/sessions/abc", "/api/v1/sessions/0", "/api/v1/sessions/-1/stop"} {
		method := http.MethodGet
		if strings.HasSuffix(path, "/stop") {
			method = http.MethodPost
		}
		w := do(t, s, method, path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status %d", path, w.Code)
		}
		var body map[string]interface{}
		decode(t, w, &body)
		if body["kind"] != string(models.HandleNotFound) {
			t.Errorf("%s: kind %v", path, body["kind"])
		}
	}
}

func TestOpenWithOverrides(t *testing.T) {
	s := newTestServer(t, Options{})

	w := do(t, s, http.MethodPost, "/api/v1/sessions", `{"maxZoom": 8}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("open = %d %s", w.Code, w.Body.String())
	}
	var st statusBody
	decode(t, w, &st)
	base := "/api/v1/sessions/" + strconv.FormatUint(st.Handle, 10)
	if w := do(t, s, http.MethodPost, base+"/zoom", `{"ratio": 6}`); w.Code != http.StatusOK {
		t.Errorf("zoom 6 with maxZoom 8 = %d", w.Code)
	}

	if w := do(t, s, http.MethodPost, "/api/v1/sessions", `{"frameRate": 500}`); w.Code != http.StatusBadRequest {
		t.Errorf("frameRate 500 = %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/api/v1/sessions", "")
	var list struct {
		Total int `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 1 {
		t.Errorf("total = %d", list.Total)
	}
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t, Options{})
	base := openSession(t, s)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+base+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func(event string) string {
		t.Helper()
		for lines.Scan() {
			if lines.Text() != "event:"+event {
				continue
			}
			if lines.Scan() {
				return lines.Text()
			}
		}
		t.Fatalf("stream ended before %s: %v", event, lines.Err())
		return ""
	}

	if data := next("status"); !strings.Contains(data, `"state":"idle"`) {
		t.Errorf("status data %s", data)
	}
	if w := do(t, s, http.MethodPost, base+"/start", `{"requestId": 5, "streamKey": "key-123456"}`); w.Code != http.StatusAccepted {
		t.Fatalf("start = %d", w.Code)
	}
	data := next(string(models.EventConnectionSuccess))
	var ev models.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(data, "data:")), &ev); err != nil {
		t.Fatalf("event %s: %v", data, err)
	}
	if ev.RequestID != 5 {
		t.Errorf("event request id %d", ev.RequestID)
	}

	w := do(t, s, http.MethodGet, base, "")
	var st struct {
		LastEvent *models.Event `json:"lastEvent"`
	}
	decode(t, w, &st)
	if st.LastEvent == nil || st.LastEvent.RequestID != 5 {
		t.Errorf("status lastEvent = %+v", st.LastEvent)
	}

	w = do(t, s, http.MethodGet, "/api/v1/sessions", "")
	var list struct {
		Subscribers int `json:"subscribers"`
	}
	decode(t, w, &list)
	if list.Subscribers != 1 {
		t.Errorf("subscribers = %d while the event stream is open", list.Subscribers)
	}
}

func TestRecordingRoutes(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	part := []byte("FLV\x01\x05")
	if err := store.Write(context.Background(), recorder.PartKey("sess-9", 1), part); err != nil {
		t.Fatal(err)
	}
	rec := recorder.New(recorder.Options{Storage: store, Log: logrus.NewEntry(logging.Discard())})
	s := newTestServer(t, Options{Recorder: rec})

	w := do(t, s, http.MethodGet, "/api/v1/recordings/sess-9", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "part_00001.flv") {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}
	w = do(t, s, http.MethodGet, "/api/v1/recordings/sess-9/part_00001.flv", "")
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), part) {
		t.Fatalf("part = %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/x-flv" {
		t.Errorf("content type %q", ct)
	}
	if err := store.Write(context.Background(), "sess-9/part_00002.mp4", []byte("ftyp")); err != nil {
		t.Fatal(err)
	}
	w = do(t, s, http.MethodGet, "/api/v1/recordings/sess-9/part_00002.mp4", "")
	if ct := w.Header().Get("Content-Type"); w.Code != http.StatusOK || ct != "video/mp4" {
		t.Errorf("mp4 part = %d %q", w.Code, ct)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/recordings/sess-9/part_00003.flv", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing part = %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/recordings/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing session = %d", w.Code)
	}

	disabled := newTestServer(t, Options{})
	if w := do(t, disabled, http.MethodGet, "/api/v1/recordings/sess-9", ""); w.Code != http.StatusNotFound {
		t.Errorf("recording disabled = %d", w.Code)
	}
}

func TestPublishKey(t *testing.T) {
	am := auth.New(time.Hour, 24*time.Hour)
	s := newTestServer(t, Options{Auth: am, IngestURL: "rtmp://127.0.0.1:1935/live"})

	w := do(t, s, http.MethodPost, "/api/v1/publish", `{"streamName": "demo", "expiresIn": 60}`)
	if w.Code != http.StatusOK {
		t.Fatalf("publish = %d %s", w.Code, w.Body.String())
	}
	var body struct {
		URL       string `json:"url"`
		StreamKey string `json:"streamKey"`
	}
	decode(t, w, &body)
	if body.URL != "rtmp://127.0.0.1:1935/live" {
		t.Errorf("url %q", body.URL)
	}
	if grant, err := am.Authorize(body.StreamKey); err != nil || grant.Stream != "demo" {
		t.Errorf("Authorize(issued key) = %+v, %v", grant, err)
	}

	if w := do(t, s, http.MethodPost, "/api/v1/publish", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("publish without name = %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/streams", ""); w.Code != http.StatusNotFound {
		t.Errorf("streams without ingest = %d", w.Code)
	}

	if w := do(t, s, http.MethodDelete, "/api/v1/publish/"+body.StreamKey, ""); w.Code != http.StatusNoContent {
		t.Errorf("revoke = %d %s", w.Code, w.Body.String())
	}
	if _, err := am.Authorize(body.StreamKey); !errors.Is(err, auth.ErrUnauthorized) {
		t.Errorf("revoked key still authorizes: %v", err)
	}
	if w := do(t, s, http.MethodDelete, "/api/v1/publish/"+body.StreamKey, ""); w.Code != http.StatusNotFound {
		t.Errorf("second revoke = %d", w.Code)
	}
	if w := do(t, newTestServer(t, Options{}), http.MethodDelete, "/api/v1/publish/abc", ""); w.Code != http.StatusNotFound {
		t.Errorf("revoke without ingest = %d", w.Code)
	}
}

func TestListStreams(t *testing.T) {
	am := auth.New(time.Hour, 24*time.Hour)
	log := logrus.NewEntry(logging.Discard())
	s := newTestServer(t, Options{Auth: am, Ingest: ingest.New(am, log)})
	for _, name := range []string{"a", "b"} {
		if _, err := am.Issue(name, 0); err != nil {
			t.Fatal(err)
		}
	}

	w := do(t, s, http.MethodGet, "/api/v1/streams", "")
	if w.Code != http.StatusOK {
		t.Fatalf("streams = %d %s", w.Code, w.Body.String())
	}
	var body struct {
		Total       int `json:"total"`
		PublishKeys int `json:"publishKeys"`
	}
	decode(t, w, &body)
	if body.Total != 0 || body.PublishKeys != 2 {
		t.Errorf("streams body = %+v", body)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/streams/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown stream = %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := newTestServer(t, Options{Metrics: metrics.New(reg), Gatherer: reg})

	if w := do(t, s, http.MethodGet, "/api/ping", ""); w.Code != http.StatusOK {
		t.Fatalf("ping = %d", w.Code)
	}
	w := do(t, s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `livecast_http_requests_total{method="GET",path="/api/ping",status="2xx"} 1`) {
		t.Errorf("ping not counted:\n%s", w.Body.String())
	}

	if w := do(t, newTestServer(t, Options{}), http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("metrics without gatherer = %d", w.Code)
	}
}
