package transport_test

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/mock/gomock"

	"livecast/internal/logging"
	"livecast/internal/transport"
	"livecast/internal/transport/transportmock"
	"livecast/pkg/models"
)

var target = transport.Target{URL: "rtmp://localhost/live", StreamKey: "key"}

func videoFrame(seq uint64) *models.Frame {
	return &models.Frame{Track: models.TrackVideo, Seq: seq, Timestamp: uint32(seq * 33), Payload: []byte{0, 0, 0, 1, 0x41, byte(seq)}, Codec: "h264"}
}

func videoConfig() *models.Frame {
	return &models.Frame{Track: models.TrackVideo, Payload: []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0x1f, 0, 0, 0, 1, 0x68, 0xce}, Codec: "h264", Config: true}
}

func newSession(t *testing.T, dialer transport.Dialer, opts transport.Options) *transport.Session {
	t.Helper()
	return transport.NewSession(dialer, target, opts, transport.WithLogger(logrus.NewEntry(logging.Discard())))
}

func linkDialer(links ...transport.Link) transport.Dialer {
	var n atomic.Int32
	return transport.DialerFunc(func(ctx context.Context, _ transport.Target) (transport.Link, error) {
		i := int(n.Add(1)) - 1
		if i >= len(links) {
			return nil, errors.New("no more links")
		}
		return links[i], nil
	})
}

func TestSessionDeliversInOrderWithConfigFirst(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := transportmock.NewMockLink(ctrl)

	cfg := videoConfig()
	frames := []*models.Frame{videoFrame(1), videoFrame(2), videoFrame(3)}
	gomock.InOrder(
		link.EXPECT().Send(cfg).Return(nil),
		link.EXPECT().Send(frames[0]).Return(nil),
		link.EXPECT().Send(frames[1]).Return(nil),
		link.EXPECT().Send(frames[2]).Return(nil),
		link.EXPECT().Close().Return(nil),
	)

	sess := newSession(t, linkDialer(link), transport.Options{})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Write(cfg); err != nil {
		t.Fatalf("Write config: %v", err)
	}
	for _, f := range frames {
		if err := sess.Write(f); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats := sess.Stats()
	if stats.FramesSent != 3 {
		t.Errorf("FramesSent = %d, want 3", stats.FramesSent)
	}
	if stats.Connected {
		t.Error("session still connected after Close")
	}
}

func TestSessionDropsOldestAtCapacity(t *testing.T) {
	sess := newSession(t, linkDialer(), transport.Options{QueueDepth: 4, HighWater: 3})

	want := []error{nil, nil, transport.ErrBackpressure, transport.ErrBackpressure, transport.ErrOverflow, transport.ErrOverflow}
	for i, w := range want {
		err := sess.Write(videoFrame(uint64(i)))
		if !errors.Is(err, w) && !(w == nil && err == nil) {
			t.Fatalf("write %d: got %v, want %v", i, err, w)
		}
	}

	stats := sess.Stats()
	if stats.QueueDepth != 4 {
		t.Errorf("QueueDepth = %d, want 4", stats.QueueDepth)
	}
	if got := stats.Dropped[models.DropQueueFull]; got != 2 {
		t.Errorf("queue_full drops = %d, want 2", got)
	}

	err := sess.Close(context.Background())
	if !errors.Is(err, transport.ErrDrainTimeout) {
		t.Fatalf("Close = %v, want ErrDrainTimeout", err)
	}
	if got := sess.Stats().Dropped[models.DropTeardown]; got != 4 {
		t.Errorf("teardown drops = %d, want 4", got)
	}
	if err := sess.Write(videoFrame(9)); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestSessionReplaysConfigAfterLinkLoss(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := transportmock.NewMockLink(ctrl)
	second := transportmock.NewMockLink(ctrl)

	cfg := videoConfig()
	f1, f2 := videoFrame(1), videoFrame(2)

	gomock.InOrder(
		first.EXPECT().Send(cfg).Return(nil),
		first.EXPECT().Send(f1).Return(io.ErrUnexpectedEOF),
		first.EXPECT().Close().Return(nil),
	)
	gomock.InOrder(
		second.EXPECT().Send(cfg).Return(nil),
		second.EXPECT().Send(f2).Return(nil),
		second.EXPECT().Close().Return(nil),
	)

	sess := newSession(t, linkDialer(first, second), transport.Options{})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Write(cfg)
	_ = sess.Write(f1)

	select {
	case err := <-sess.Lost():
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("lost cause = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("link loss not reported")
	}

	_ = sess.Write(f2)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	stats := sess.Stats()
	if stats.Links != 2 {
		t.Errorf("Links = %d, want 2", stats.Links)
	}
	if got := stats.Dropped[models.DropLinkError]; got != 1 {
		t.Errorf("link_error drops = %d, want 1", got)
	}
}

func TestSessionKeepsLinkOnMalformedFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := transportmock.NewMockLink(ctrl)

	bad, good := videoFrame(1), videoFrame(2)
	gomock.InOrder(
		link.EXPECT().Send(bad).Return(transport.ErrMalformedFrame),
		link.EXPECT().Send(good).Return(nil),
		link.EXPECT().Close().Return(nil),
	)

	sess := newSession(t, linkDialer(link), transport.Options{})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Write(bad)
	_ = sess.Write(good)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	stats := sess.Stats()
	if stats.Dropped[models.DropMalformed] != 1 || stats.FramesSent != 1 {
		t.Errorf("stats = %+v", stats)
	}
	select {
	case err := <-sess.Lost():
		t.Errorf("unexpected loss: %v", err)
	default:
	}
}

func TestSessionDetectsStalledLink(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := transportmock.NewMockLink(ctrl)

	release := make(chan struct{})
	f := videoFrame(1)
	link.EXPECT().Send(f).DoAndReturn(func(*models.Frame) error {
		<-release
		return nil
	})
	link.EXPECT().Close().Return(nil)

	sess := newSession(t, linkDialer(link), transport.Options{StallTimeout: 30 * time.Millisecond})
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = sess.Write(f)

	select {
	case err := <-sess.Lost():
		if !errors.Is(err, transport.ErrStalled) {
			t.Fatalf("lost cause = %v, want ErrStalled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stall not detected")
	}

	close(release)
	if err := sess.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestConnectClassifiesFailures(t *testing.T) {
	blocking := transport.DialerFunc(func(ctx context.Context, _ transport.Target) (transport.Link, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	t.Run("timeout", func(t *testing.T) {
		sess := newSession(t, blocking, transport.Options{ConnectTimeout: 20 * time.Millisecond})
		defer sess.Close(context.Background())

		err := sess.Connect(context.Background())
		if !errors.Is(err, &models.Error{Kind: models.ConnectError, Cause: models.CauseConnectTimeout}) {
			t.Fatalf("Connect = %v, want connect timeout", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		sess := newSession(t, blocking, transport.Options{})
		defer sess.Close(context.Background())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := sess.Connect(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("Connect = %v, want context.Canceled", err)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dialer := transportmock.NewMockDialer(ctrl)
		rejected := models.NewError(models.ConnectError, models.CauseAuthRejected, nil, "publish refused")
		dialer.EXPECT().Dial(gomock.Any(), target).Return(nil, rejected)

		sess := newSession(t, dialer, transport.Options{})
		defer sess.Close(context.Background())

		err := sess.Connect(context.Background())
		if models.CauseOf(err) != models.CauseAuthRejected {
			t.Fatalf("Connect = %v, want auth rejected", err)
		}
	})

	t.Run("plain error", func(t *testing.T) {
		failing := transport.DialerFunc(func(context.Context, transport.Target) (transport.Link, error) {
			return nil, errors.New("connection refused")
		})
		sess := newSession(t, failing, transport.Options{})
		defer sess.Close(context.Background())

		if got := models.CauseOf(sess.Connect(context.Background())); got != models.CauseConnectFailed {
			t.Fatalf("cause = %q, want connect_failed", got)
		}
	})
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw     string
		addr    string
		app     string
		tcURL   string
		wantErr bool
	}{
		{raw: "rtmp://live.example.com/app", addr: "live.example.com:1935", app: "app", tcURL: "rtmp://live.example.com/app"},
		{raw: "rtmp://127.0.0.1:19350/live/", addr: "127.0.0.1:19350", app: "live", tcURL: "rtmp://127.0.0.1:19350/live"},
		{raw: "rtmp://host/app/instance", addr: "host:1935", app: "app/instance", tcURL: "rtmp://host/app/instance"},
		{raw: "rtmps://host/app", wantErr: true},
		{raw: "srt://host:9000", wantErr: true},
		{raw: "rtmp://host", wantErr: true},
		{raw: "rtmp:///app", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			ep, err := transport.ParseEndpoint(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", ep)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseEndpoint: %v", err)
			}
			if ep.Addr != tt.addr || ep.App != tt.app || ep.TCURL != tt.tcURL {
				t.Errorf("got %+v", ep)
			}
		})
	}
}
