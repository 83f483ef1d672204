package session

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"livecast/internal/encoder"
	"livecast/internal/logging"
	"livecast/internal/transport"
	"livecast/pkg/models"
)

func validConfig() models.StreamConfig {
	return models.StreamConfig{
		URL:          "rtmp://127.0.0.1/live",
		StreamKey:    "secret-stream-key",
		Width:        320,
		Height:       240,
		Bitrate:      500_000,
		FrameRate:    30,
		SampleRate:   48000,
		Channels:     2,
		AudioBitrate: 128_000,
		MaxZoom:      4,
	}
}

type fakeLink struct {
	mu        sync.Mutex
	frames    []*models.Frame
	failAfter int
	closed    bool
}

func (l *fakeLink) Send(f *models.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return io.ErrClosedPipe
	}
	if l.failAfter > 0 && len(l.frames) >= l.failAfter {
		return io.EOF
	}
	l.frames = append(l.frames, f)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) sent() []*models.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*models.Frame(nil), l.frames...)
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (e *eventLog) observe(ev models.Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventLog) all() []models.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Event(nil), e.events...)
}

func (e *eventLog) ofType(typ models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range e.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (e *eventLog) transitions() []string {
	var out []string
	for _, ev := range e.ofType(models.EventStateChanged) {
		out = append(out, ev.Old.String()+"->"+ev.New.String())
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newController(t *testing.T, opts Options) (*Controller, *eventLog) {
	t.Helper()
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logging.Discard())
	}
	c := New(opts)
	log := &eventLog{}
	c.Attach(log.observe)
	t.Cleanup(c.Close)
	return c, log
}

func waitEnded(t *testing.T, c *Controller) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("session did not end")
	}
	return err
}

func TestStartThenStopNeverStreams(t *testing.T) {
	var dials atomic.Int32
	blocking := transport.DialerFunc(func(ctx context.Context, _ transport.Target) (transport.Link, error) {
		dials.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c, events := newController(t, Options{Dialer: blocking})

	if err := c.Start(validConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Stop()
	if err := waitEnded(t, c); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if c.State() != models.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	waitFor(t, "state events", func() bool { return len(events.transitions()) == 3 })
	want := []string{"idle->starting", "starting->stopping", "stopping->idle"}
	for i, tr := range events.transitions() {
		if tr != want[i] {
			t.Errorf("transition %d = %s, want %s", i, tr, want[i])
		}
	}
	if n := len(events.ofType(models.EventConnectionSuccess)); n != 0 {
		t.Errorf("got %d connection successes", n)
	}

	if err := c.Start(validConfig()); !errors.Is(err, models.ErrSessionEnded) {
		t.Errorf("restart = %v, want ErrSessionEnded", err)
	}
	c.Stop() // idempotent
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	c, _ := newController(t, Options{Dialer: transport.DialerFunc(func(context.Context, transport.Target) (transport.Link, error) {
		t.Error("dialed with an invalid config")
		return nil, errors.New("unreachable")
	})})

	cfg := validConfig()
	cfg.URL = "srt://127.0.0.1:9000"
	cfg.Width = 0
	err := c.Start(cfg)
	if !errors.Is(err, models.ErrInvalidConfig) {
		t.Fatalf("Start = %v, want config error", err)
	}
	if c.State() != models.StateIdle {
		t.Errorf("state = %s after rejected start", c.State())
	}
}

func TestStartWhileActive(t *testing.T) {
	blocking := transport.DialerFunc(func(ctx context.Context, _ transport.Target) (transport.Link, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c, _ := newController(t, Options{Dialer: blocking})

	if err := c.Start(validConfig()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(validConfig()); !errors.Is(err, models.ErrAlreadyActive) {
		t.Fatalf("second Start = %v, want ErrAlreadyActive", err)
	}
}

func TestSetZoomRange(t *testing.T) {
	c, _ := newController(t, Options{MaxZoom: 4})

	for _, ratio := range []float64{0.5, 0.99, 4.01, 100, math.NaN(), math.Inf(1)} {
		if err := c.SetZoom(ratio); !errors.Is(err, models.ErrRange) {
			t.Errorf("SetZoom(%v) = %v, want range error", ratio, err)
		}
		if z := c.Stats().Zoom; z != 1 {
			t.Fatalf("zoom changed to %v by rejected SetZoom(%v)", z, ratio)
		}
	}
	for _, ratio := range []float64{1, 2.5, 4} {
		if err := c.SetZoom(ratio); err != nil {
			t.Errorf("SetZoom(%v) = %v", ratio, err)
		}
		if z := c.Stats().Zoom; z != ratio {
			t.Errorf("zoom = %v, want %v", z, ratio)
		}
	}

	clamping, _ := newController(t, Options{MaxZoom: 4, ZoomPolicy: ZoomClamp})
	if err := clamping.SetZoom(10); err != nil {
		t.Fatalf("clamped SetZoom = %v", err)
	}
	if z := clamping.Stats().Zoom; z != 4 {
		t.Errorf("clamped zoom = %v, want 4", z)
	}
}

func TestSetBitrateRange(t *testing.T) {
	c, _ := newController(t, Options{})
	if err := c.SetBitrate(1000); !errors.Is(err, models.ErrRange) {
		t.Errorf("SetBitrate(1000) = %v, want range error", err)
	}
	if err := c.SetBitrate(3_000_000); err != nil {
		t.Errorf("SetBitrate = %v", err)
	}
	if b := c.Stats().Bitrate; b != 3_000_000 {
		t.Errorf("bitrate = %d", b)
	}
}

func TestStreaming720p(t *testing.T) {
	link := &fakeLink{}
	dialer := transport.DialerFunc(func(context.Context, transport.Target) (transport.Link, error) {
		return link, nil
	})
	c, events := newController(t, Options{Dialer: dialer})

	cfg := validConfig()
	cfg.Width, cfg.Height, cfg.Bitrate = 1280, 720, 2_000_000
	if err := c.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "connection success", func() bool { return len(events.ofType(models.EventConnectionSuccess)) == 1 })
	if c.State() != models.StateStreaming {
		t.Fatalf("state = %s, want streaming", c.State())
	}

	if err := c.SetZoom(2.0); err != nil {
		t.Fatalf("SetZoom: %v", err)
	}
	waitFor(t, "zoomed frame", func() bool {
		for _, f := range link.sent() {
			if f.Track == models.TrackVideo && !f.Config && f.Zoom == 2.0 {
				return true
			}
		}
		return false
	})

	c.Stop()
	if err := waitEnded(t, c); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if c.State() != models.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
	waitFor(t, "disconnected", func() bool { return len(events.ofType(models.EventDisconnected)) == 1 })

	frames := link.sent()
	if !frames[0].Config {
		t.Error("first frame on the link is not codec configuration")
	}
	last := map[models.Track]uint32{}
	for _, f := range frames {
		if f.Config {
			continue
		}
		if f.Timestamp < last[f.Track] {
			t.Fatalf("%s timestamps went backwards", f.Track)
		}
		last[f.Track] = f.Timestamp
	}
	stats := c.Stats()
	if stats.FramesSent == 0 || stats.FramesEncoded == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReconnectBackoffThenConnectionLost(t *testing.T) {
	var dials atomic.Int32
	dialer := transport.DialerFunc(func(ctx context.Context, _ transport.Target) (transport.Link, error) {
		if dials.Add(1) == 1 {
			return &fakeLink{failAfter: 5}, nil
		}
		return nil, models.NewError(models.ConnectError, models.CauseConnectFailed, nil, "connection refused")
	})
	c, events := newController(t, Options{
		Dialer:               dialer,
		Backoff:              Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond},
		MaxReconnectAttempts: 4,
	})

	if err := c.Start(validConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := waitEnded(t, c)
	if models.CauseOf(err) != models.CauseConnectionLost || models.KindOf(err) != models.StreamingError {
		t.Fatalf("Wait = %v, want connection lost", err)
	}
	if c.State() != models.Failed(models.CauseConnectionLost) {
		t.Fatalf("state = %s", c.State())
	}

	waitFor(t, "connection failed event", func() bool { return len(events.ofType(models.EventConnectionFailed)) == 1 })
	want := []time.Duration{10, 20, 40, 40}
	reconnecting := events.ofType(models.EventReconnecting)
	if len(reconnecting) != len(want) {
		t.Fatalf("got %d reconnecting events, want %d", len(reconnecting), len(want))
	}
	for i, ev := range reconnecting {
		if ev.Attempt != i+1 || ev.Delay != want[i]*time.Millisecond {
			t.Errorf("reconnect %d: attempt=%d delay=%v, want attempt=%d delay=%v", i, ev.Attempt, ev.Delay, i+1, want[i]*time.Millisecond)
		}
	}
	if got := dials.Load(); got != 5 {
		t.Errorf("dialed %d times, want 5", got)
	}

	trs := events.transitions()
	if trs[len(trs)-1] != "reconnecting->failed(connection_lost)" {
		t.Errorf("last transition = %s", trs[len(trs)-1])
	}
}

func TestReconnectRecovers(t *testing.T) {
	second := &fakeLink{}
	var dials atomic.Int32
	dialer := transport.DialerFunc(func(ctx context.Context, _ transport.Target) (transport.Link, error) {
		switch dials.Add(1) {
		case 1:
			return &fakeLink{failAfter: 3}, nil
		case 2:
			return nil, errors.New("connection refused")
		}
		return second, nil
	})
	c, events := newController(t, Options{
		Dialer:  dialer,
		Backoff: Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond},
	})

	if err := c.Start(validConfig()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second connection", func() bool { return len(events.ofType(models.EventConnectionSuccess)) == 2 })
	if c.State() != models.StateStreaming {
		t.Fatalf("state = %s, want streaming", c.State())
	}
	waitFor(t, "frames on the new link", func() bool { return len(second.sent()) > 2 })

	frames := second.sent()
	if !frames[0].Config {
		t.Error("codec configuration not replayed on the new link")
	}
	if n := len(events.ofType(models.EventDisconnected)); n != 1 {
		t.Errorf("got %d disconnected events, want 1", n)
	}
	if got := c.Stats().Reconnects; got != 2 {
		t.Errorf("Reconnects = %d, want 2", got)
	}
}

func TestConnectFailureIsNotRetried(t *testing.T) {
	var dials atomic.Int32
	dialer := transport.DialerFunc(func(context.Context, transport.Target) (transport.Link, error) {
		dials.Add(1)
		return nil, models.NewError(models.ConnectError, models.CauseAuthRejected, nil, "publish refused")
	})
	c, events := newController(t, Options{Dialer: dialer})

	if err := c.Start(validConfig()); err != nil {
		t.Fatal(err)
	}
	err := waitEnded(t, c)
	if models.CauseOf(err) != models.CauseAuthRejected {
		t.Fatalf("Wait = %v, want auth rejected", err)
	}
	waitFor(t, "connection failed event", func() bool { return len(events.ofType(models.EventConnectionFailed)) == 1 })
	failed := events.ofType(models.EventConnectionFailed)[0]
	if failed.Cause != models.CauseAuthRejected || failed.Kind != models.ConnectError {
		t.Errorf("event = %+v", failed)
	}
	if dials.Load() != 1 {
		t.Errorf("dialed %d times", dials.Load())
	}
	c.Stop() // no-op in failed
	if c.State() != models.Failed(models.CauseAuthRejected) {
		t.Errorf("state = %s", c.State())
	}
}

func TestEncoderInitFailure(t *testing.T) {
	link := &fakeLink{}
	c, events := newController(t, Options{
		Dialer: transport.DialerFunc(func(context.Context, transport.Target) (transport.Link, error) { return link, nil }),
		Encoder: func(ec *encoder.Config) {
			ec.NewVideoEncoder = func(models.StreamConfig) (encoder.VideoEncoder, error) {
				return nil, errors.New("codec unavailable")
			}
		},
	})

	if err := c.Start(validConfig()); err != nil {
		t.Fatal(err)
	}
	err := waitEnded(t, c)
	if models.CauseOf(err) != models.CauseEncoderInitFailed {
		t.Fatalf("Wait = %v, want encoder_init_failed", err)
	}
	waitFor(t, "error event", func() bool { return len(events.ofType(models.EventError)) == 1 })
	if ev := events.ofType(models.EventError)[0]; ev.Kind != models.EncoderError {
		t.Errorf("error kind = %s", ev.Kind)
	}
	if n := len(events.ofType(models.EventConnectionSuccess)); n != 0 {
		t.Errorf("got %d connection successes", n)
	}
}

func TestDetachStopsDelivery(t *testing.T) {
	blocking := transport.DialerFunc(func(ctx context.Context, _ transport.Target) (transport.Link, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := New(Options{Dialer: blocking, Log: logrus.NewEntry(logging.Discard())})

	var calls atomic.Int32
	detach := c.Attach(func(models.Event) { calls.Add(1) })
	detach()

	if err := c.Start(validConfig()); err != nil {
		t.Fatal(err)
	}
	c.Stop()
	_ = waitEnded(t, c)
	c.Close()

	if n := calls.Load(); n != 0 {
		t.Errorf("detached observer called %d times", n)
	}
}

// failingVideo wraps a real encoder and fails the nth Encode call
type failingVideo struct {
	encoder.VideoEncoder
	failOn int
	calls  int
}

func (v *failingVideo) Encode(pic *models.RawFrame, bitrate int, forceKey bool) ([]byte, bool, error) {
	v.calls++
	if v.calls >= v.failOn {
		return nil, false, errors.New("encoder session lost")
	}
	return v.VideoEncoder.Encode(pic, bitrate, forceKey)
}

func TestEncoderFailureMidStream(t *testing.T) {
	link := &fakeLink{}
	c, events := newController(t, Options{
		Dialer: transport.DialerFunc(func(context.Context, transport.Target) (transport.Link, error) { return link, nil }),
		Encoder: func(ec *encoder.Config) {
			ec.NewVideoEncoder = func(cfg models.StreamConfig) (encoder.VideoEncoder, error) {
				inner, err := encoder.NewSyntheticH264(cfg)
				if err != nil {
					return nil, err
				}
				return &failingVideo{VideoEncoder: inner, failOn: 6}, nil
			}
		},
	})

	if err := c.Start(validConfig()); err != nil {
		t.Fatal(err)
	}
	err := waitEnded(t, c)
	if models.CauseOf(err) != models.CauseEncoderFailure || models.KindOf(err) != models.EncoderError {
		t.Fatalf("Wait = %v, want encoder_failure", err)
	}
	if c.State() != models.Failed(models.CauseEncoderFailure) {
		t.Fatalf("state = %s", c.State())
	}

	waitFor(t, "error event", func() bool { return len(events.ofType(models.EventError)) == 1 })
	ev := events.ofType(models.EventError)[0]
	if ev.Kind != models.EncoderError || ev.Cause != models.CauseEncoderFailure {
		t.Errorf("error event = %+v", ev)
	}
	if n := len(events.ofType(models.EventConnectionFailed)); n != 0 {
		t.Errorf("got %d connection failed events for an encoder failure", n)
	}

	want := []string{"idle->starting", "starting->streaming", "streaming->failed(encoder_failure)"}
	trs := events.transitions()
	if len(trs) != len(want) {
		t.Fatalf("transitions = %v, want %v", trs, want)
	}
	for i := range want {
		if trs[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, trs[i], want[i])
		}
	}

	var video int
	for _, f := range link.sent() {
		if f.Track == models.TrackVideo && !f.Config {
			video++
		}
	}
	if video > 5 {
		t.Errorf("sent %d video frames, encoder only produced 5", video)
	}
}

func TestStopWhileReconnecting(t *testing.T) {
	var dials atomic.Int32
	redialing := make(chan struct{})
	cancelled := make(chan struct{})
	dialer := transport.DialerFunc(func(ctx context.Context, _ transport.Target) (transport.Link, error) {
		switch dials.Add(1) {
		case 1:
			return &fakeLink{failAfter: 3}, nil
		case 2:
			close(redialing)
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}
		t.Error("dialed again after stop")
		return nil, errors.New("unexpected dial")
	})
	c, events := newController(t, Options{
		Dialer:  dialer,
		Backoff: Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})

	if err := c.Start(validConfig()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-redialing:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect dial")
	}
	if c.State() != models.StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", c.State())
	}

	c.Stop()
	if err := waitEnded(t, c); err != nil {
		t.Fatalf("Wait = %v, want nil after stop", err)
	}
	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect dial was not cancelled")
	}
	if c.State() != models.StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}

	want := []string{"idle->starting", "starting->streaming", "streaming->reconnecting", "reconnecting->stopping", "stopping->idle"}
	waitFor(t, "state events", func() bool { return len(events.transitions()) == len(want) })
	for i, tr := range events.transitions() {
		if tr != want[i] {
			t.Errorf("transition %d = %s, want %s", i, tr, want[i])
		}
	}
	if n := len(events.ofType(models.EventError)); n != 0 {
		t.Errorf("got %d error events for a requested stop", n)
	}
}

// stallingLink accepts a few frames and then blocks in Send until closed
type stallingLink struct {
	fakeLink
	stallAfter int
	sends      atomic.Int32
	once       sync.Once
	release    chan struct{}
}

func newStallingLink(after int) *stallingLink {
	return &stallingLink{stallAfter: after, release: make(chan struct{})}
}

func (l *stallingLink) Send(f *models.Frame) error {
	if int(l.sends.Add(1)) > l.stallAfter {
		<-l.release
		return io.ErrClosedPipe
	}
	return l.fakeLink.Send(f)
}

func (l *stallingLink) Close() error {
	l.once.Do(func() { close(l.release) })
	return l.fakeLink.Close()
}

func TestStalledLinkReconnects(t *testing.T) {
	stalled := newStallingLink(4)
	t.Cleanup(func() { _ = stalled.Close() })
	healthy := &fakeLink{}
	var dials atomic.Int32
	dialer := transport.DialerFunc(func(context.Context, transport.Target) (transport.Link, error) {
		if dials.Add(1) == 1 {
			return stalled, nil
		}
		return healthy, nil
	})
	c, events := newController(t, Options{
		Dialer:    dialer,
		Transport: transport.Options{StallTimeout: 50 * time.Millisecond},
		Backoff:   Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})

	if err := c.Start(validConfig()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second connection", func() bool { return len(events.ofType(models.EventConnectionSuccess)) == 2 })
	waitFor(t, "frames on the new link", func() bool { return len(healthy.sent()) > 0 })

	var lost bool
	for _, tr := range events.transitions() {
		if tr == "streaming->reconnecting" {
			lost = true
		}
	}
	if !lost {
		t.Errorf("transitions = %v, want streaming->reconnecting", events.transitions())
	}
	if n := len(events.ofType(models.EventDisconnected)); n != 1 {
		t.Errorf("got %d disconnected events, want 1", n)
	}
	if got := len(stalled.sent()); got != 4 {
		t.Errorf("stalled link took %d frames, want 4", got)
	}
	if !healthy.sent()[0].Config {
		t.Error("codec configuration not replayed after the stall")
	}

	c.Stop()
	if err := waitEnded(t, c); err != nil {
		t.Fatalf("Wait = %v", err)
	}
}
