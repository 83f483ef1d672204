// Package session coordinates one streaming session: the state machine driving
// the transport and encoder lifecycles, reconnection and event delivery.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"livecast/internal/encoder"
	"livecast/internal/flv"
	"livecast/internal/logging"
	"livecast/internal/metrics"
	"livecast/internal/transport"
	"livecast/pkg/models"
)

// ZoomPolicy decides what SetZoom does with an out-of-range ratio
type ZoomPolicy string

const (
	ZoomReject ZoomPolicy = "reject"
	ZoomClamp  ZoomPolicy = "clamp"
)

const encoderName = "livecast"

// Options configure a Controller. The zero value is usable.
type Options struct {
	Dialer               transport.Dialer // defaults to an RTMPDialer
	Transport            transport.Options
	Backoff              Backoff
	MaxReconnectAttempts int           // default 5
	DrainTimeout         time.Duration // default 3s
	ZoomPolicy           ZoomPolicy    // default reject
	MaxZoom              float64       // upper zoom bound before a config is known
	Zoom                 float64       // initial zoom, default 1
	Bitrate              int           // initial video bitrate; 0 uses the config

	Encoder func(*encoder.Config) // adjusts the pipeline, e.g. to swap sources
	Tap     func(*models.Frame)   // sees every frame the transport accepts

	SessionID string // defaults to a random UUID
	Handle    uint64 // tags events
	RequestID int64  // tags events

	Log     *logrus.Entry
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Backoff.Base == 0 && o.Backoff.Max == 0 && o.Backoff.Jitter == 0 {
		o.Backoff = DefaultBackoff()
	}
	o.Backoff = o.Backoff.withDefaults()
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 3 * time.Second
	}
	if o.ZoomPolicy == "" {
		o.ZoomPolicy = ZoomReject
	}
	if o.Zoom < 1 {
		o.Zoom = 1
	}
	if o.SessionID == "" {
		o.SessionID = uuid.NewString()
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Controller owns one session. All state lives on a single owner goroutine;
// public methods post to it and never block on I/O.
type Controller struct {
	opts   Options
	log    *logrus.Entry
	events *dispatcher

	inbox    chan func()
	loopDone chan struct{}
	exit     bool

	// owned by the loop
	state          models.SessionState
	cfg            *models.StreamConfig
	zoom           float64
	bitrate        int
	params         *encoder.Params
	ts             *transport.Session
	pl             *encoder.Pipeline
	runCtx         context.Context
	runCancel      context.CancelFunc
	bringUp        chan struct{}
	attempt        int
	reconnects     int
	connected      bool
	streamingSince time.Time
	teardowns      int
	closing        bool

	snapshot atomic.Pointer[models.SessionState]
	ended    chan struct{}
	endErr   error
}

// New creates an idle controller and starts its owner goroutine
func New(opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		opts:     opts,
		log:      opts.Log.WithFields(logrus.Fields{"component": "session", "session": opts.SessionID}),
		events:   newDispatcher(),
		inbox:    make(chan func()),
		loopDone: make(chan struct{}),
		state:    models.StateIdle,
		zoom:     opts.Zoom,
		bitrate:  opts.Bitrate,
		ended:    make(chan struct{}),
	}
	if opts.Handle != 0 {
		c.log = c.log.WithField("handle", opts.Handle)
	}
	if c.opts.Dialer == nil {
		c.opts.Dialer = &transport.RTMPDialer{Log: c.log.WithField("component", "rtmp")}
	}
	idle := models.StateIdle
	c.snapshot.Store(&idle)

	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for fn := range c.inbox {
		fn()
		if c.exit {
			return
		}
	}
}

// post runs fn on the owner goroutine. It reports false once the controller is closed.
func (c *Controller) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.loopDone:
		return false
	}
}

func (c *Controller) call(fn func() error) error {
	reply := make(chan error, 1)
	if !c.post(func() { reply <- fn() }) {
		return models.ErrSessionEnded
	}
	return <-reply
}

// ID returns the session id
func (c *Controller) ID() string { return c.opts.SessionID }

// State returns the current state
func (c *Controller) State() models.SessionState { return *c.snapshot.Load() }

// Attach registers an observer. When the returned detach func returns, the observer
// is not running and will not be called again. Do not call detach from inside the observer.
func (c *Controller) Attach(fn Observer) (detach func()) {
	return c.events.attach(fn)
}

// Start validates cfg and begins connecting. Connection and encoder outcomes are
// reported through events; only validation and state errors are returned.
func (c *Controller) Start(cfg models.StreamConfig) error {
	if err := cfg.Validate(); err != nil {
		c.opts.Metrics.RecordCommand("start", "invalid")
		return err
	}
	err := c.call(func() error { return c.start(cfg) })
	c.opts.Metrics.RecordCommand("start", outcome(err))
	return err
}

// Stop ends the session. It is a no-op unless the session is starting, streaming or
// reconnecting. Teardown continues in the background; use Wait to await Idle.
func (c *Controller) Stop() {
	_ = c.call(func() error {
		c.stop()
		return nil
	})
	c.opts.Metrics.RecordCommand("stop", "ok")
}

// SetZoom changes the zoom ratio from the next frame on
func (c *Controller) SetZoom(ratio float64) error {
	err := c.call(func() error { return c.setZoom(ratio) })
	c.opts.Metrics.RecordCommand("zoom", outcome(err))
	return err
}

// SetBitrate changes the video target and forces a keyframe
func (c *Controller) SetBitrate(bps int) error {
	err := c.call(func() error { return c.setBitrate(bps) })
	c.opts.Metrics.RecordCommand("bitrate", outcome(err))
	return err
}

// Stats returns a snapshot of the session counters
func (c *Controller) Stats() models.SessionStats {
	reply := make(chan models.SessionStats, 1)
	if !c.post(func() { reply <- c.stats() }) {
		return models.SessionStats{State: c.State()}
	}
	return <-reply
}

// Wait blocks until the session ends: nil after a stop, the failure otherwise
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.ended:
		return c.endErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ended is closed when the session reaches Idle after a stop, or Failed
func (c *Controller) Ended() <-chan struct{} { return c.ended }

// Close stops the session, waits for teardown and releases the owner goroutine
// and the event dispatcher
func (c *Controller) Close() {
	c.post(func() {
		c.closing = true
		c.stop()
		c.maybeExit()
	})
	<-c.loopDone
	c.events.close()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := models.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

func (c *Controller) start(cfg models.StreamConfig) error {
	switch {
	case c.state.Active() || c.state.Phase == models.PhaseStopping:
		return models.ErrAlreadyActive
	case c.state.Phase == models.PhaseFailed || c.cfg != nil:
		return models.ErrSessionEnded
	}

	c.cfg = &cfg
	if c.zoom > cfg.MaxZoom {
		c.zoom = cfg.MaxZoom
	}
	if c.bitrate == 0 {
		c.bitrate = cfg.Bitrate
	}
	c.params = encoder.NewParams(c.zoom, c.bitrate)

	c.ts = transport.NewSession(c.opts.Dialer, transport.Target{
		URL:       cfg.URL,
		StreamKey: cfg.StreamKey,
		Metadata:  flv.MetadataFromConfig(cfg, encoderName),
	}, c.opts.Transport,
		transport.WithLogger(c.log.WithField("component", "transport")),
		transport.WithMetrics(c.opts.Metrics),
		transport.WithTap(c.opts.Tap),
	)
	c.runCtx, c.runCancel = context.WithCancel(context.Background())

	c.log.WithFields(logrus.Fields{
		"url":        cfg.URL,
		"stream_key": logging.Redact(cfg.StreamKey),
		"resolution": cfg.Resolution(),
		"bitrate":    c.bitrate,
	}).Info("Starting session")
	c.setState(models.StateStarting)
	c.opts.Metrics.RecordSessionStart()

	c.bringUp = make(chan struct{})
	go c.bringUpWorker(c.runCtx, c.ts, c.params, cfg, c.bringUp)
	return nil
}

// bringUpWorker connects the transport, then initialises the encoder
func (c *Controller) bringUpWorker(ctx context.Context, ts *transport.Session, params *encoder.Params, cfg models.StreamConfig, done chan struct{}) {
	defer close(done)

	err := ts.Connect(ctx)
	var pl *encoder.Pipeline
	if err == nil {
		ec := encoder.Config{
			Stream:  cfg,
			Params:  params,
			Log:     c.log.WithField("component", "encoder"),
			Metrics: c.opts.Metrics,
		}
		if c.opts.Encoder != nil {
			c.opts.Encoder(&ec)
		}
		pl, err = encoder.New(ctx, ec)
		if err == nil && ctx.Err() != nil {
			_ = pl.Stop()
			pl, err = nil, ctx.Err()
		}
	}

	if !c.post(func() { c.onStarted(ts, pl, err) }) && pl != nil {
		_ = pl.Stop()
	}
}

func (c *Controller) onStarted(ts *transport.Session, pl *encoder.Pipeline, err error) {
	if ts != c.ts || c.state.Phase != models.PhaseStarting {
		if pl != nil {
			_ = pl.Stop()
		}
		return
	}
	if err != nil {
		c.fail(err)
		return
	}

	c.pl = pl
	pl.Start(ts)
	c.connected = true
	c.streamingSince = time.Now()
	c.setState(models.StateStreaming)
	c.emit(models.Event{Type: models.EventConnectionSuccess})
	c.log.Info("Streaming")

	go c.watch(c.runCtx, ts, pl)
}

// watch forwards link loss and pipeline exit to the loop
func (c *Controller) watch(ctx context.Context, ts *transport.Session, pl *encoder.Pipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-ts.Lost():
			if !c.post(func() { c.onLost(ts, err) }) {
				return
			}
		case <-pl.Done():
			err := pl.Err()
			c.post(func() { c.onPipelineDone(pl, err) })
			return
		}
	}
}

func (c *Controller) onLost(ts *transport.Session, cause error) {
	if ts != c.ts || c.state.Phase != models.PhaseStreaming {
		return
	}
	c.log.WithError(cause).Warn("Connection lost")
	c.connected = false
	c.setState(models.StateReconnecting)
	c.emit(models.Event{Type: models.EventDisconnected, Detail: cause.Error()})
	c.attempt = 0
	c.scheduleReconnect(cause)
}

func (c *Controller) scheduleReconnect(lastErr error) {
	c.attempt++
	if c.attempt > c.opts.MaxReconnectAttempts {
		c.fail(models.NewError(models.StreamingError, models.CauseConnectionLost, lastErr,
			"gave up after %d reconnection attempts", c.opts.MaxReconnectAttempts))
		return
	}

	delay := c.opts.Backoff.Delay(c.attempt)
	c.reconnects++
	c.opts.Metrics.RecordReconnect(delay)
	c.emit(models.Event{Type: models.EventReconnecting, Attempt: c.attempt, Delay: delay})
	c.log.WithFields(logrus.Fields{"attempt": c.attempt, "delay": delay.Round(time.Millisecond)}).Info("Reconnecting")

	ctx, ts := c.runCtx, c.ts
	go func() {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		err := ts.Connect(ctx)
		c.post(func() { c.onReconnected(ts, err) })
	}()
}

func (c *Controller) onReconnected(ts *transport.Session, err error) {
	if ts != c.ts || c.state.Phase != models.PhaseReconnecting {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.WithError(err).WithField("attempt", c.attempt).Warn("Reconnection attempt failed")
		c.scheduleReconnect(err)
		return
	}
	if !ts.Stats().Connected {
		// the new link died before we got here
		c.scheduleReconnect(transport.ErrClosed)
		return
	}

	c.attempt = 0
	c.connected = true
	c.params.RequestKeyframe()
	c.setState(models.StateStreaming)
	c.emit(models.Event{Type: models.EventConnectionSuccess})
	c.log.Info("Reconnected")
}

func (c *Controller) onPipelineDone(pl *encoder.Pipeline, err error) {
	if pl != c.pl || !c.state.Active() || err == nil {
		return
	}
	c.fail(err)
}

// fail moves an active session to Failed and releases its resources in the background
func (c *Controller) fail(err error) {
	kind, cause := models.KindOf(err), models.CauseOf(err)
	if kind == "" || cause == "" {
		kind, cause = models.StreamingError, models.CauseConnectionLost
	}

	wasConnected := c.connected
	c.connected = false
	c.setState(models.Failed(cause))
	c.log.WithError(err).Error("Session failed")

	c.emit(models.Event{Type: models.EventError, Kind: kind, Cause: cause, Detail: err.Error()})
	if kind == models.ConnectError || cause == models.CauseConnectionLost {
		c.emit(models.Event{Type: models.EventConnectionFailed, Kind: kind, Cause: cause, Detail: err.Error()})
	}
	if wasConnected {
		c.emit(models.Event{Type: models.EventDisconnected, Detail: string(cause)})
	}

	c.opts.Metrics.RecordSessionEnd(string(cause), c.streamedFor())
	c.endErr = err
	close(c.ended)
	c.teardown(0)
}

func (c *Controller) stop() {
	if !c.state.Active() {
		return
	}
	c.setState(models.StateStopping)
	c.teardown(c.opts.DrainTimeout)
}

// teardown cancels background work, then stops the encoder (which flushes into the
// transport) and closes the transport within drain
func (c *Controller) teardown(drain time.Duration) {
	c.runCancel()
	c.teardowns++
	pl, ts, bringUp := c.pl, c.ts, c.bringUp

	go func() {
		<-bringUp

		var result *multierror.Error
		if pl != nil {
			if err := pl.Stop(); err != nil {
				result = multierror.Append(result, fmt.Errorf("stop encoder: %w", err))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := ts.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("close transport: %w", err))
		}
		err := result.ErrorOrNil()
		c.post(func() { c.onTornDown(err) })
	}()
}

func (c *Controller) onTornDown(err error) {
	c.teardowns--
	if err != nil {
		c.log.WithError(err).Warn("Teardown incomplete")
	}

	if c.state.Phase == models.PhaseStopping {
		wasConnected := c.connected
		c.connected = false
		c.opts.Metrics.RecordSessionEnd("", c.streamedFor())
		c.setState(models.StateIdle)
		if wasConnected {
			c.emit(models.Event{Type: models.EventDisconnected})
		}
		c.log.Info("Session stopped")
		close(c.ended)
	}
	c.maybeExit()
}

func (c *Controller) maybeExit() {
	if c.closing && c.teardowns == 0 {
		c.exit = true
	}
}

func (c *Controller) maxZoom() float64 {
	if c.cfg != nil {
		return c.cfg.MaxZoom
	}
	if c.opts.MaxZoom >= 1 {
		return c.opts.MaxZoom
	}
	return math.Inf(1)
}

func (c *Controller) setZoom(ratio float64) error {
	upper := c.maxZoom()
	if math.IsNaN(ratio) || ratio < 1 || ratio > upper {
		if c.opts.ZoomPolicy != ZoomClamp || math.IsNaN(ratio) {
			return models.NewError(models.RangeError, "", nil, "zoom %v outside [1, %v]", ratio, upper)
		}
		ratio = math.Max(1, math.Min(ratio, upper))
	}
	c.zoom = ratio
	if c.params != nil {
		c.params.SetZoom(ratio)
	}
	return nil
}

func (c *Controller) setBitrate(bps int) error {
	if bps < models.MinVideoBitrate || bps > models.MaxVideoBitrate {
		return models.NewError(models.RangeError, "", nil, "bitrate %d outside [%d, %d]", bps, models.MinVideoBitrate, models.MaxVideoBitrate)
	}
	c.bitrate = bps
	if c.params != nil {
		c.params.SetBitrate(bps)
	}
	return nil
}

func (c *Controller) stats() models.SessionStats {
	s := models.SessionStats{
		State:          c.state,
		Reconnects:     c.reconnects,
		Zoom:           c.zoom,
		Bitrate:        c.bitrate,
		StreamingSince: c.streamingSince,
	}
	if c.ts != nil {
		ts := c.ts.Stats()
		s.FramesSent = ts.FramesSent
		s.BytesSent = ts.BytesSent
		s.QueueDepth = ts.QueueDepth
		s.Dropped = ts.Dropped
	}
	if c.pl != nil {
		ps := c.pl.Stats()
		s.FramesEncoded = ps.VideoFrames + ps.AudioFrames
		s.LastTimestamp = ps.LastVideoTS
		if ps.CaptureDrops > 0 {
			if s.Dropped == nil {
				s.Dropped = make(map[string]uint64)
			}
			s.Dropped[models.DropCaptureOverflow] = ps.CaptureDrops
		}
	}
	return s
}

func (c *Controller) streamedFor() time.Duration {
	if c.streamingSince.IsZero() {
		return 0
	}
	return time.Since(c.streamingSince)
}

func (c *Controller) setState(next models.SessionState) {
	prev := c.state
	if !models.CanTransition(prev, next) {
		c.log.WithFields(logrus.Fields{"from": prev, "to": next}).Error("Illegal state transition ignored")
		return
	}
	c.state = next
	c.snapshot.Store(&next)
	c.opts.Metrics.RecordStateChange(string(next.Phase))
	c.emit(models.Event{Type: models.EventStateChanged, Old: &prev, New: &next})
	c.log.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("State changed")
}

func (c *Controller) emit(ev models.Event) {
	ev.SessionID = c.opts.SessionID
	ev.Handle = c.opts.Handle
	ev.RequestID = c.opts.RequestID
	ev.Time = time.Now()
	c.events.emit(ev)
}
