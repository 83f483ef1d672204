// Package transport owns the outbound connection of a session: a bounded send
// buffer drained by a dedicated sender goroutine into a protocol Link.
package transport

import (
	"context"
	"errors"
	"time"

	"livecast/internal/flv"
	"livecast/pkg/models"
)

var (
	// ErrBackpressure is returned by Write when the send buffer is at or above its
	// high-water mark. The frame was accepted.
	ErrBackpressure = errors.New("transport: send buffer above high-water mark")
	// ErrOverflow is returned by Write when the buffer was full and the oldest frame
	// was evicted to make room. The frame was accepted.
	ErrOverflow = errors.New("transport: send buffer full, oldest frame dropped")
	// ErrClosed is returned once Close has begun.
	ErrClosed = errors.New("transport: session closed")
	// ErrStalled is reported on Lost when a link made no progress for the stall timeout.
	ErrStalled = errors.New("transport: link stalled")
	// ErrDrainTimeout is returned by Close when frames were left behind.
	ErrDrainTimeout = errors.New("transport: drain deadline reached")
	// ErrMalformedFrame marks frames a link could not package. They are dropped
	// without tearing the link down.
	ErrMalformedFrame = errors.New("transport: malformed frame")
)

// Target describes where and what to publish
type Target struct {
	URL       string       // Endpoint, e.g. rtmp://host/live
	StreamKey string       // Publishing name
	Metadata  flv.Metadata // Announced after publish
}

//go:generate mockgen -destination=transportmock/mocks.go -package=transportmock . Link,Dialer

// Link is one live protocol connection. Send is only called from the sender goroutine.
type Link interface {
	Send(f *models.Frame) error
	Close() error
}

// Dialer establishes links. Dial must honour ctx cancellation and deadline and
// report failures as *models.Error of kind ConnectError.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Link, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, target Target) (Link, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (Link, error) { return f(ctx, target) }

// Options tune a Session
type Options struct {
	ConnectTimeout time.Duration // Bound on one handshake
	QueueDepth     int           // Frames held before evicting the oldest
	HighWater      int           // Depth at which writes report backpressure
	StallTimeout   time.Duration // Sustained backpressure or a blocked send longer than this kills the link
}

// DefaultOptions returns the defaults used when fields are left zero
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 10 * time.Second,
		QueueDepth:     512,
		HighWater:      384,
		StallTimeout:   5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = def.QueueDepth
	}
	if o.HighWater <= 0 || o.HighWater > o.QueueDepth {
		o.HighWater = o.QueueDepth * 3 / 4
		if o.HighWater == 0 {
			o.HighWater = o.QueueDepth
		}
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = def.StallTimeout
	}
	return o
}

// Stats is a snapshot of a session's counters
type Stats struct {
	Connected  bool
	QueueDepth int
	FramesSent uint64
	BytesSent  uint64
	Dropped    map[string]uint64
	Links      int // Links established so far
}
