package encoder

import (
	"sync"
	"time"
)

// Clock is the monotonic session clock shared by both tracks
type Clock struct {
	start time.Time
}

func NewClock() *Clock { return &Clock{start: time.Now()} }

// Now returns nanoseconds since the clock started
func (c *Clock) Now() int64 { return int64(time.Since(c.start)) }

// Millis converts a capture time to a presentation timestamp in milliseconds
func Millis(captured int64) uint32 {
	return uint32(captured / int64(time.Millisecond))
}

// trackClock keeps one track's timestamps non-decreasing
type trackClock struct {
	mu   sync.Mutex
	last uint32
}

func (t *trackClock) stamp(captured int64) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := Millis(captured)
	if ts < t.last {
		ts = t.last
	}
	t.last = ts
	return ts
}

func (t *trackClock) lastStamp() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}
