package encoder

import (
	"context"
	"errors"
	"math"
	"time"

	"livecast/pkg/models"
)

// Source produces raw frames for one track. Read blocks until the next frame is
// due and returns ctx.Err() once ctx is done.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*models.RawFrame, error)
	Close() error
}

var errNotOpen = errors.New("source not open")

// TestPattern is a moving colour-bar I420 video source
type TestPattern struct {
	Width, Height int
	FrameRate     int
	Clock         *Clock

	ticker *time.Ticker
	frame  int
}

func (s *TestPattern) Open(ctx context.Context) error {
	if s.Width <= 0 || s.Height <= 0 || s.Width%2 != 0 || s.Height%2 != 0 {
		return errors.New("test pattern needs a positive, even resolution")
	}
	if s.FrameRate <= 0 {
		return errors.New("test pattern needs a positive frame rate")
	}
	if s.Clock == nil {
		s.Clock = NewClock()
	}
	s.ticker = time.NewTicker(time.Second / time.Duration(s.FrameRate))
	return nil
}

func (s *TestPattern) Read(ctx context.Context) (*models.RawFrame, error) {
	if s.ticker == nil {
		return nil, errNotOpen
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ticker.C:
	}

	pic := s.render(s.frame)
	s.frame++
	return pic, nil
}

// bar colours as Y, U, V
var bars = [8][3]byte{
	{235, 128, 128}, // white
	{210, 16, 146},  // yellow
	{170, 166, 16},  // cyan
	{145, 54, 34},   // green
	{106, 202, 222}, // magenta
	{81, 90, 240},   // red
	{41, 240, 110},  // blue
	{16, 128, 128},  // black
}

func (s *TestPattern) render(n int) *models.RawFrame {
	w, h := s.Width, s.Height
	cw, ch := w/2, h/2
	data := make([]byte, w*h+2*cw*ch)
	y, u, v := data[:w*h], data[w*h:w*h+cw*ch], data[w*h+cw*ch:]

	shift := n * 4
	barW := w / len(bars)
	if barW == 0 {
		barW = 1
	}
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			bar := ((col + shift) / barW) % len(bars)
			y[row*w+col] = bars[bar][0]
		}
	}
	for row := 0; row < ch; row++ {
		for col := 0; col < cw; col++ {
			bar := ((col*2 + shift) / barW) % len(bars)
			u[row*cw+col] = bars[bar][1]
			v[row*cw+col] = bars[bar][2]
		}
	}
	return &models.RawFrame{Track: models.TrackVideo, Data: data, Width: w, Height: h, Captured: s.Clock.Now()}
}

func (s *TestPattern) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}

// AACFrameSamples is the number of samples per channel in one AAC-LC frame
const AACFrameSamples = 1024

// Tone is a sine-wave PCM source delivering AAC-sized blocks
type Tone struct {
	SampleRate int
	Channels   int
	Frequency  float64
	Clock      *Clock

	ticker *time.Ticker
	phase  float64
}

func (s *Tone) Open(ctx context.Context) error {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return errors.New("tone needs a sample rate and channel count")
	}
	if s.Frequency == 0 {
		s.Frequency = 440
	}
	if s.Clock == nil {
		s.Clock = NewClock()
	}
	block := time.Duration(AACFrameSamples) * time.Second / time.Duration(s.SampleRate)
	s.ticker = time.NewTicker(block)
	return nil
}

func (s *Tone) Read(ctx context.Context) (*models.RawFrame, error) {
	if s.ticker == nil {
		return nil, errNotOpen
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ticker.C:
	}

	data := make([]byte, AACFrameSamples*s.Channels*2)
	step := 2 * math.Pi * s.Frequency / float64(s.SampleRate)
	for i := 0; i < AACFrameSamples; i++ {
		sample := int16(math.Sin(s.phase) * 0.3 * math.MaxInt16)
		s.phase += step
		for c := 0; c < s.Channels; c++ {
			off := (i*s.Channels + c) * 2
			data[off] = byte(sample)
			data[off+1] = byte(sample >> 8)
		}
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return &models.RawFrame{Track: models.TrackAudio, Data: data, Samples: AACFrameSamples, Captured: s.Clock.Now()}, nil
}

func (s *Tone) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}
