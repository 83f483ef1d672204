package session

import (
	"math/rand"
	"time"
)

// Backoff computes reconnection delays: Base doubled per attempt, capped at Max,
// then spread by ±Jitter
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction, 0.2 means ±20%

	rand func() float64 // [0,1), replaced in tests
}

// DefaultBackoff is 500ms doubling to 8s with ±20% jitter
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 8 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before the given attempt, counting from 1
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d = time.Duration(float64(d) * (1 + b.Jitter*(2*r()-1)))
	}
	return d
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = def.Jitter
	}
	return b
}
