package transport

import "livecast/pkg/models"

// frameRing is a FIFO of frames backed by a growable circular slice. Not goroutine safe.
type frameRing struct {
	buf   []*models.Frame
	head  int
	count int
}

func newFrameRing(capacity int) *frameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &frameRing{buf: make([]*models.Frame, capacity)}
}

func (r *frameRing) Len() int { return r.count }

func (r *frameRing) Push(f *models.Frame) {
	if r.count == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.count)%len(r.buf)] = f
	r.count++
}

// Pop removes and returns the oldest frame, or nil when empty
func (r *frameRing) Pop() *models.Frame {
	if r.count == 0 {
		return nil
	}
	f := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return f
}

// Reset empties the ring and returns how many frames it held
func (r *frameRing) Reset() int {
	n := r.count
	for r.count > 0 {
		r.Pop()
	}
	r.head = 0
	return n
}

func (r *frameRing) grow() {
	next := make([]*models.Frame, len(r.buf)*2)
	for i := 0; i < r.count; i++ {
		next[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = next
	r.head = 0
}
