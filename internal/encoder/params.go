package encoder

import (
	"math"
	"sync/atomic"
)

// Params are the live-adjustable encoding parameters. They are written from the
// control side and read once per frame by the encode workers; no lock is taken.
type Params struct {
	zoom     atomic.Uint64 // float64 bits
	bitrate  atomic.Int64
	keyframe atomic.Bool
}

// Snapshot is the view of Params used for one frame
type Snapshot struct {
	Zoom     float64
	Bitrate  int
	Keyframe bool
}

// NewParams returns parameters initialised to zoom and bitrate
func NewParams(zoom float64, bitrate int) *Params {
	p := &Params{}
	p.SetZoom(zoom)
	p.bitrate.Store(int64(bitrate))
	return p
}

func (p *Params) Zoom() float64 { return math.Float64frombits(p.zoom.Load()) }

func (p *Params) SetZoom(ratio float64) { p.zoom.Store(math.Float64bits(ratio)) }

func (p *Params) Bitrate() int { return int(p.bitrate.Load()) }

// SetBitrate changes the video target and asks for a keyframe so the
// new rate starts on a clean picture
func (p *Params) SetBitrate(bps int) {
	if int64(bps) == p.bitrate.Swap(int64(bps)) {
		return
	}
	p.keyframe.Store(true)
}

// RequestKeyframe makes the next video frame an IDR
func (p *Params) RequestKeyframe() { p.keyframe.Store(true) }

// take snapshots the parameters and consumes a pending keyframe request
func (p *Params) take() Snapshot {
	return Snapshot{
		Zoom:     p.Zoom(),
		Bitrate:  p.Bitrate(),
		Keyframe: p.keyframe.Swap(false),
	}
}
