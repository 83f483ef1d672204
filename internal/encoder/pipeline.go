// Package encoder captures raw audio and video, encodes it and hands the encoded
// frames to a sink, normally the transport session.
package encoder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"livecast/internal/metrics"
	"livecast/internal/transport"
	"livecast/pkg/models"
)

const defaultRawQueue = 4

// Sink receives encoded frames. Write must not block.
type Sink interface {
	Write(f *models.Frame) error
}

// Config wires a Pipeline. Only Stream and Params are required.
type Config struct {
	Stream models.StreamConfig
	Params *Params
	Clock  *Clock

	Video Source // defaults to a TestPattern
	Audio Source // defaults to a Tone

	NewVideoEncoder func(models.StreamConfig) (VideoEncoder, error)
	NewAudioEncoder func(models.StreamConfig) (AudioEncoder, error)

	RawQueue int // raw frames buffered per track between capture and encode

	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

// Stats counts pipeline output
type Stats struct {
	VideoFrames  uint64
	AudioFrames  uint64
	Keyframes    uint64
	CaptureDrops uint64
	LastVideoTS  uint32 // ms on the session clock
}

// Pipeline runs capture and encode workers for both tracks
type Pipeline struct {
	cfg    Config
	log    *logrus.Entry
	params *Params
	clock  *Clock

	video    Source
	audio    Source
	videoEnc VideoEncoder
	audioEnc AudioEncoder

	writeMu     sync.Mutex
	seq         uint64
	overflowing bool // the last write evicted queued frames
	videoTS     trackClock
	audioTS     trackClock

	videoFrames  atomic.Uint64
	audioFrames  atomic.Uint64
	keyframes    atomic.Uint64
	captureDrops atomic.Uint64

	started  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
	stopErr  error
}

// New opens the capture sources and initialises both encoders. Failures are
// reported as EncoderError with cause encoder_init_failed.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Params == nil {
		return nil, initError(errors.New("no parameters"))
	}
	if cfg.Clock == nil {
		cfg.Clock = NewClock()
	}
	if cfg.Video == nil {
		cfg.Video = &TestPattern{Width: cfg.Stream.Width, Height: cfg.Stream.Height, FrameRate: cfg.Stream.FrameRate, Clock: cfg.Clock}
	}
	if cfg.Audio == nil {
		cfg.Audio = &Tone{SampleRate: cfg.Stream.SampleRate, Channels: cfg.Stream.Channels, Clock: cfg.Clock}
	}
	if cfg.NewVideoEncoder == nil {
		cfg.NewVideoEncoder = func(c models.StreamConfig) (VideoEncoder, error) { return NewSyntheticH264(c) }
	}
	if cfg.NewAudioEncoder == nil {
		cfg.NewAudioEncoder = func(c models.StreamConfig) (AudioEncoder, error) { return NewSyntheticAAC(c) }
	}
	if cfg.RawQueue <= 0 {
		cfg.RawQueue = defaultRawQueue
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Pipeline{
		cfg:    cfg,
		log:    cfg.Log,
		params: cfg.Params,
		clock:  cfg.Clock,
		done:   make(chan struct{}),
	}

	var err error
	if p.videoEnc, err = cfg.NewVideoEncoder(cfg.Stream); err != nil {
		return nil, initError(err)
	}
	if p.audioEnc, err = cfg.NewAudioEncoder(cfg.Stream); err != nil {
		_ = p.videoEnc.Close()
		return nil, initError(err)
	}
	if err = cfg.Video.Open(ctx); err != nil {
		p.closeEncoders()
		return nil, initError(err)
	}
	p.video = cfg.Video
	if err = cfg.Audio.Open(ctx); err != nil {
		_ = p.video.Close()
		p.closeEncoders()
		return nil, initError(err)
	}
	p.audio = cfg.Audio
	return p, nil
}

func initError(err error) error {
	return &models.Error{Kind: models.EncoderError, Cause: models.CauseEncoderInitFailed, Err: err}
}

// Start emits the codec configuration for both tracks and launches the workers.
// Done is closed when all workers have exited.
func (p *Pipeline) Start(sink Sink) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.deliver(sink, &models.Frame{Track: models.TrackVideo, Payload: p.videoEnc.Header(), Codec: "h264", Config: true})
	p.deliver(sink, &models.Frame{Track: models.TrackAudio, Payload: p.audioEnc.Header(), Codec: "aac", Config: true})

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)

	rawVideo := make(chan *models.RawFrame, p.cfg.RawQueue)
	rawAudio := make(chan *models.RawFrame, p.cfg.RawQueue)

	g.Go(func() error { return p.capture(gctx, p.video, rawVideo) })
	g.Go(func() error { return p.capture(gctx, p.audio, rawAudio) })
	g.Go(func() error { return p.encodeVideo(rawVideo, sink) })
	g.Go(func() error { return p.encodeAudio(rawAudio, sink) })

	go func() {
		p.err = g.Wait()
		cancel()
		close(p.done)
	}()
}

// Done is closed once the workers have exited, after Stop or on failure
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err reports why the workers exited. Valid after Done is closed; nil after a clean Stop.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop ends capture, lets the encoders finish the frames already captured,
// then releases sources and encoders
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		if p.started.Load() {
			p.cancel()
			<-p.done
		} else {
			p.started.Store(true)
			close(p.done)
		}

		var result *multierror.Error
		if err := p.video.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := p.audio.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := p.videoEnc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := p.audioEnc.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		p.stopErr = result.ErrorOrNil()
	})
	return p.stopErr
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		VideoFrames:  p.videoFrames.Load(),
		AudioFrames:  p.audioFrames.Load(),
		Keyframes:    p.keyframes.Load(),
		CaptureDrops: p.captureDrops.Load(),
		LastVideoTS:  p.videoTS.lastStamp(),
	}
}

func (p *Pipeline) closeEncoders() {
	_ = p.videoEnc.Close()
	_ = p.audioEnc.Close()
}

// capture never blocks on the encoder: a frame arriving while the queue is full is dropped
func (p *Pipeline) capture(ctx context.Context, src Source, out chan<- *models.RawFrame) error {
	defer close(out)
	for {
		raw, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &models.Error{Kind: models.EncoderError, Cause: models.CauseEncoderFailure, Detail: "capture", Err: err}
		}
		select {
		case out <- raw:
		default:
			p.captureDrops.Add(1)
			p.cfg.Metrics.RecordFrameDropped(models.DropCaptureOverflow)
		}
	}
}

func (p *Pipeline) encodeVideo(in <-chan *models.RawFrame, sink Sink) error {
	for raw := range in {
		snap := p.params.take()
		pic := Zoom(raw, snap.Zoom)

		payload, key, err := p.videoEnc.Encode(pic, snap.Bitrate, snap.Keyframe)
		if err != nil {
			p.cancel()
			return &models.Error{Kind: models.EncoderError, Cause: models.CauseEncoderFailure, Detail: "video", Err: err}
		}

		f := &models.Frame{
			Track:     models.TrackVideo,
			Timestamp: p.videoTS.stamp(raw.Captured),
			Payload:   payload,
			Codec:     "h264",
			Keyframe:  key,
			Zoom:      snap.Zoom,
		}
		p.videoFrames.Add(1)
		if key {
			p.keyframes.Add(1)
		}
		p.cfg.Metrics.RecordFrameEncoded("video", len(payload), key)
		p.deliver(sink, f)
	}
	return nil
}

func (p *Pipeline) encodeAudio(in <-chan *models.RawFrame, sink Sink) error {
	for raw := range in {
		payload, err := p.audioEnc.Encode(raw)
		if err != nil {
			p.cancel()
			return &models.Error{Kind: models.EncoderError, Cause: models.CauseEncoderFailure, Detail: "audio", Err: err}
		}

		f := &models.Frame{
			Track:     models.TrackAudio,
			Timestamp: p.audioTS.stamp(raw.Captured),
			Payload:   payload,
			Codec:     "aac",
		}
		p.audioFrames.Add(1)
		p.cfg.Metrics.RecordFrameEncoded("audio", len(payload), false)
		p.deliver(sink, f)
	}
	return nil
}

// deliver numbers f and writes it; sequence numbers follow write order across tracks
func (p *Pipeline) deliver(sink Sink, f *models.Frame) {
	p.writeMu.Lock()
	p.seq++
	f.Seq = p.seq
	err := sink.Write(f)
	overflow := errors.Is(err, transport.ErrOverflow)
	firstOverflow := overflow && !p.overflowing
	p.overflowing = overflow
	p.writeMu.Unlock()

	switch {
	case err == nil, errors.Is(err, transport.ErrBackpressure):
	case overflow:
		// decoders need a fresh IDR after losing frames, once per run of evictions
		if firstOverflow {
			p.params.RequestKeyframe()
		}
	case errors.Is(err, transport.ErrClosed):
		if p.cancel != nil {
			p.cancel()
		}
	default:
		p.log.WithError(err).WithField("track", f.Track).Warn("Sink rejected frame")
	}
}
