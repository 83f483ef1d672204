package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"livecast/internal/metrics"
	"livecast/pkg/models"
)

// Session maintains one outbound connection at a time. Frames written to it are
// queued and delivered in order by a sender goroutine; the queue survives link
// loss so a later Connect resumes delivery.
type Session struct {
	dialer  Dialer
	target  Target
	opts    Options
	log     *logrus.Entry
	metrics *metrics.Metrics
	tap     func(*models.Frame)
	warn    rate.Sometimes

	mu          sync.Mutex
	cond        *sync.Cond
	ring        *frameRing
	link        Link
	linkGen     uint64
	headers     [2]*models.Frame // latest codec config per track
	sentHeaders [2]*models.Frame // config delivered on the current link
	inflight    bool
	sendStarted time.Time
	aboveSince  time.Time
	closing     bool
	stopped     bool
	sent        uint64
	bytes       uint64
	dropped     map[string]uint64

	lost chan error
	quit chan struct{}
	wg   sync.WaitGroup
}

// SessionOption customizes a Session
type SessionOption func(*Session)

// WithLogger sets the session logger
func WithLogger(log *logrus.Entry) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithTap registers fn to observe every accepted frame, codec config included.
// Frames are immutable once written; fn must not modify them and must not block.
func WithTap(fn func(*models.Frame)) SessionOption {
	return func(s *Session) { s.tap = fn }
}

// NewSession creates a session and starts its sender. Close must be called to release it.
func NewSession(dialer Dialer, target Target, opts Options, options ...SessionOption) *Session {
	opts = opts.withDefaults()
	s := &Session{
		dialer:  dialer,
		target:  target,
		opts:    opts,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		warn:    rate.Sometimes{Interval: 5 * time.Second},
		ring:    newFrameRing(opts.QueueDepth),
		dropped: make(map[string]uint64),
		lost:    make(chan error, 1),
		quit:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range options {
		o(s)
	}

	s.wg.Add(2)
	go s.sendLoop()
	go s.watchdog()
	return s
}

// Lost delivers the cause each time an established link is lost
func (s *Session) Lost() <-chan error { return s.lost }

// Connect performs the protocol handshake, bounded by the connect timeout. It is used
// for the first connection and for reconnection; queued frames are kept across links.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.link != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	began := time.Now()
	link, err := s.dialer.Dial(dialCtx, s.target)
	if err != nil {
		err = classifyDialError(ctx, dialCtx, err)
		s.metrics.RecordConnect(string(models.CauseOf(err)), 0)
		return err
	}
	s.metrics.RecordConnect("ok", time.Since(began))

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = link.Close()
		return ErrClosed
	}
	s.link = link
	s.linkGen++
	s.sentHeaders = [2]*models.Frame{}
	if s.ring.Len() >= s.opts.HighWater {
		s.aboveSince = time.Now()
	}
	// a loss reported for an older link is stale now
	select {
	case <-s.lost:
	default:
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.log.WithField("took", time.Since(began).Round(time.Millisecond)).Info("Link established")
	return nil
}

func classifyDialError(parent, dialCtx context.Context, err error) error {
	var merr *models.Error
	if errors.As(err, &merr) && merr.Cause != "" {
		if merr.Cause == models.CauseConnectTimeout && parent.Err() != nil {
			return parent.Err()
		}
		return err
	}
	switch {
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(dialCtx.Err(), context.DeadlineExceeded):
		return &models.Error{Kind: models.ConnectError, Cause: models.CauseConnectTimeout, Detail: "handshake timed out", Err: err}
	}
	return &models.Error{Kind: models.ConnectError, Cause: models.CauseConnectFailed, Err: err}
}

// Write hands f to the transport. It never blocks: at capacity the oldest queued frame
// is dropped (ErrOverflow); at or above the high-water mark ErrBackpressure is returned.
// Codec configuration frames are not queued; they are sent ahead of the next media
// frame of their track on every link.
func (s *Session) Write(f *models.Frame) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}

	if f.Config {
		s.headers[trackIndex(f.Track)] = f
		s.cond.Broadcast()
		s.mu.Unlock()
		s.emitTap(f)
		return nil
	}

	evicted := false
	if s.ring.Len() >= s.opts.QueueDepth {
		s.ring.Pop()
		s.dropLocked(models.DropQueueFull, 1)
		evicted = true
	}
	s.ring.Push(f)
	depth := s.ring.Len()
	pressure := depth >= s.opts.HighWater
	if pressure && s.aboveSince.IsZero() {
		s.aboveSince = time.Now()
	}
	connected := s.link != nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if !evicted {
		s.metrics.AddQueueDepth(1)
	}
	s.emitTap(f)

	switch {
	case evicted:
		s.metrics.RecordBackpressure()
		s.warn.Do(func() {
			s.log.WithFields(logrus.Fields{"depth": depth, "connected": connected}).Warn("Send buffer full, dropping oldest frames")
		})
		return ErrOverflow
	case pressure:
		s.metrics.RecordBackpressure()
		return ErrBackpressure
	}
	return nil
}

func (s *Session) emitTap(f *models.Frame) {
	if s.tap != nil {
		s.tap(f)
	}
}

// Close stops accepting frames, waits for the queue to drain while a link is up
// (bounded by ctx), then releases the link. Frames left behind are counted as teardown drops.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.closing = true

	stopWaiting := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	for ctx.Err() == nil && s.link != nil && (s.ring.Len() > 0 || s.inflight) {
		s.cond.Wait()
	}
	stopWaiting()

	var result error
	if left := s.ring.Reset(); left > 0 {
		s.dropLocked(models.DropTeardown, left)
		s.metrics.AddQueueDepth(-left)
		result = fmt.Errorf("%d frames not delivered: %w", left, ErrDrainTimeout)
	}
	s.stopped = true
	link := s.link
	s.link = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if link != nil {
		if err := link.Close(); err != nil && result == nil {
			result = fmt.Errorf("close link: %w", err)
		}
	}
	close(s.quit)
	s.wg.Wait()
	return result
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := make(map[string]uint64, len(s.dropped))
	for k, v := range s.dropped {
		dropped[k] = v
	}
	return Stats{
		Connected:  s.link != nil,
		QueueDepth: s.ring.Len(),
		FramesSent: s.sent,
		BytesSent:  s.bytes,
		Dropped:    dropped,
		Links:      int(s.linkGen),
	}
}

func (s *Session) sendLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for !s.stopped && (s.link == nil || s.ring.Len() == 0) {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}

		f := s.ring.Pop()
		if s.ring.Len() < s.opts.HighWater {
			s.aboveSince = time.Time{}
		}
		link, gen := s.link, s.linkGen
		idx := trackIndex(f.Track)
		var header *models.Frame
		if h := s.headers[idx]; h != nil && s.sentHeaders[idx] != h {
			header = h
		}
		s.inflight = true
		s.sendStarted = time.Now()
		s.mu.Unlock()
		s.metrics.AddQueueDepth(-1)

		var err error
		if header != nil {
			err = link.Send(header)
		}
		if err == nil {
			err = link.Send(f)
		}

		var dead Link
		s.mu.Lock()
		s.inflight = false
		switch {
		case err == nil:
			if header != nil && gen == s.linkGen {
				s.sentHeaders[idx] = header
			}
			s.sent++
			s.bytes += uint64(f.Size())
		case errors.Is(err, ErrMalformedFrame):
			s.dropLocked(models.DropMalformed, 1)
			s.log.WithError(err).Warn("Dropping frame that could not be packaged")
		default:
			s.dropLocked(models.DropLinkError, 1)
			dead = s.detachLocked(gen, err)
		}
		s.cond.Broadcast()
		s.mu.Unlock()

		if err == nil {
			s.metrics.RecordFrameSent(f.Track.String(), f.Size())
		}
		if dead != nil {
			s.log.WithError(err).Warn("Link lost")
			_ = dead.Close()
		}
	}
}

// watchdog tears down links that stop making progress
func (s *Session) watchdog() {
	defer s.wg.Done()

	interval := s.opts.StallTimeout / 5
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			var dead Link
			if s.link != nil && !s.stopped {
				blocked := s.inflight && now.Sub(s.sendStarted) > s.opts.StallTimeout
				saturated := !s.aboveSince.IsZero() && now.Sub(s.aboveSince) > s.opts.StallTimeout
				if blocked || saturated {
					dead = s.detachLocked(s.linkGen, ErrStalled)
				}
			}
			s.mu.Unlock()

			if dead != nil {
				s.metrics.RecordStall()
				s.log.Warn("Link stalled, closing it")
				_ = dead.Close()
			}
		}
	}
}

// detachLocked drops the current link if it is still generation gen and reports the loss.
// The caller closes the returned link outside the lock.
func (s *Session) detachLocked(gen uint64, cause error) Link {
	if s.link == nil || gen != s.linkGen {
		return nil
	}
	link := s.link
	s.link = nil
	s.aboveSince = time.Time{}
	s.sentHeaders = [2]*models.Frame{}
	if !s.closing {
		select {
		case s.lost <- cause:
		default:
		}
	}
	return link
}

func (s *Session) dropLocked(reason string, n int) {
	s.dropped[reason] += uint64(n)
	for i := 0; i < n; i++ {
		s.metrics.RecordFrameDropped(reason)
	}
}

func trackIndex(t models.Track) int {
	if t == models.TrackAudio {
		return 1
	}
	return 0
}
