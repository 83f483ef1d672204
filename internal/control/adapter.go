// Package control maps commands addressed to opaque session handles onto session
// controllers. A handle names a slot; each start on a slot runs a fresh controller.
package control

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"livecast/internal/metrics"
	"livecast/internal/session"
	"livecast/pkg/models"
)

// Handle is an opaque session reference: slot index in the low 32 bits, slot
// generation in the high 32. The zero Handle never resolves.
type Handle uint64

func newHandle(index int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index+1))
}

func (h Handle) index() int     { return int(uint32(h)) - 1 }
func (h Handle) gen() uint32    { return uint32(h >> 32) }
func (h Handle) String() string { return fmt.Sprintf("%d", uint64(h)) }

// Listener is the host's view of a session
type Listener interface {
	OnConnectionSuccess(h Handle, requestID int64)
	OnConnectionFailed(h Handle, requestID int64, reason models.Cause)
	OnDisconnected(h Handle, requestID int64)
	OnError(h Handle, requestID int64, kind models.ErrorKind, message string)
}

// Recorder captures the frames of sessions started through the adapter. finish is
// called once the session has ended.
type Recorder interface {
	Begin(sessionID string) (tap func(*models.Frame), finish func())
}

// Defaults seed every session of a slot. Stream carries the endpoint and encoding
// settings; the stream key comes with each start.
type Defaults struct {
	Stream  models.StreamConfig
	Session session.Options
}

// Options configure an Adapter
type Options struct {
	Listener Listener         // may be nil
	Observer session.Observer // receives every event, e.g. for streaming to clients
	Recorder Recorder         // may be nil
	Log      *logrus.Entry
	Metrics  *metrics.Metrics
}

type slot struct {
	mu       sync.Mutex
	gen      uint32
	open     bool
	defaults Defaults
	ctrl     *session.Controller
	detach   func()
}

// Adapter owns an arena of session slots
type Adapter struct {
	opts Options
	log  *logrus.Entry

	mu    sync.RWMutex
	slots []*slot
	free  []int

	retiring sync.WaitGroup
}

// New creates an empty adapter
func New(opts Options) *Adapter {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Adapter{
		opts: opts,
		log:  opts.Log.WithField("component", "control"),
	}
}

// Open allocates a slot seeded with defaults and returns its handle
func (a *Adapter) Open(defaults Defaults) Handle {
	a.mu.Lock()
	var idx int
	var s *slot
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
		s = a.slots[idx]
	} else {
		idx = len(a.slots)
		s = &slot{}
		a.slots = append(a.slots, s)
	}

	s.mu.Lock()
	s.gen++
	s.open = true
	s.defaults = defaults
	h := newHandle(idx, s.gen)
	s.ctrl, s.detach = a.newController(h, s, 0, s.defaults.Session.Zoom, s.defaults.Session.Bitrate, false)
	s.mu.Unlock()
	a.mu.Unlock()

	a.log.WithField("handle", h).Debug("Handle opened")
	return h
}

// Close stops the handle's session, waits for its teardown and releases the slot.
// The handle and any copy of it never resolve again.
func (a *Adapter) Close(h Handle) error {
	s, err := a.acquire(h)
	if err != nil {
		return err
	}
	ctrl, detach := s.ctrl, s.detach
	s.open = false
	s.ctrl, s.detach = nil, nil
	s.mu.Unlock()

	ctrl.Close()
	detach()

	a.mu.Lock()
	a.free = append(a.free, h.index())
	a.mu.Unlock()
	a.log.WithField("handle", h).Debug("Handle closed")
	return nil
}

// Start begins a session on h with the slot defaults, the given stream key and an
// optional endpoint override. Zoom and bitrate set since the last session carry over.
func (a *Adapter) Start(h Handle, requestID int64, streamKey string, url *string) error {
	s, err := a.acquire(h)
	if err != nil {
		a.opts.Metrics.RecordCommand("start", string(models.HandleNotFound))
		return err
	}
	defer s.mu.Unlock()

	if st := s.ctrl.State(); st.Active() || st.Phase == models.PhaseStopping {
		return models.ErrAlreadyActive
	}

	cfg := s.defaults.Stream
	cfg.StreamKey = streamKey
	if url != nil {
		cfg.URL = *url
	}
	if err := cfg.Validate(); err != nil {
		a.opts.Metrics.RecordCommand("start", string(models.ConfigError))
		return err
	}

	presets := s.ctrl.Stats()
	next, detach := a.newController(h, s, requestID, presets.Zoom, presets.Bitrate, true)
	if err := next.Start(cfg); err != nil {
		next.Close()
		detach()
		return err
	}

	a.retire(s.ctrl, s.detach)
	s.ctrl, s.detach = next, detach
	a.log.WithFields(logrus.Fields{"handle": h, "request": requestID, "session": next.ID()}).Info("Session started")
	return nil
}

// Stop ends the session on h. Stopping a slot with no active session is a no-op.
func (a *Adapter) Stop(h Handle) error {
	s, err := a.acquire(h)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.ctrl.Stop()
	return nil
}

// SetZoomRatio applies ratio to the running session, or keeps it for the next start
func (a *Adapter) SetZoomRatio(h Handle, ratio float64) error {
	s, err := a.acquire(h)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.ctrl.SetZoom(ratio)
}

// SetBitrate applies bps to the running session, or keeps it for the next start
func (a *Adapter) SetBitrate(h Handle, bps int) error {
	s, err := a.acquire(h)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.ctrl.SetBitrate(bps)
}

// Status reports the current session of h
func (a *Adapter) Status(h Handle) (Status, error) {
	s, err := a.acquire(h)
	if err != nil {
		return Status{}, err
	}
	defer s.mu.Unlock()
	return Status{Handle: h, SessionID: s.ctrl.ID(), Stats: s.ctrl.Stats()}, nil
}

// Status is a snapshot of one slot
type Status struct {
	Handle    Handle              `json:"handle"`
	SessionID string              `json:"sessionId"`
	Stats     models.SessionStats `json:"stats"`
}

// Handles lists the open handles
func (a *Adapter) Handles() []Handle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Handle
	for i, s := range a.slots {
		s.mu.Lock()
		if s.open {
			out = append(out, newHandle(i, s.gen))
		}
		s.mu.Unlock()
	}
	return out
}

// Shutdown closes every handle and waits for all sessions to finish
func (a *Adapter) Shutdown() {
	for _, h := range a.Handles() {
		_ = a.Close(h)
	}
	a.retiring.Wait()
}

// acquire resolves h and returns its slot locked
func (a *Adapter) acquire(h Handle) (*slot, error) {
	a.mu.RLock()
	var s *slot
	if i := h.index(); i >= 0 && i < len(a.slots) {
		s = a.slots[i]
	}
	a.mu.RUnlock()

	if s != nil {
		s.mu.Lock()
		if s.open && s.gen == h.gen() {
			return s, nil
		}
		s.mu.Unlock()
	}
	return nil, models.NewError(models.HandleNotFound, "", nil, "no session for handle %s", h)
}

// newController builds a controller for slot s. Only controllers that are about to
// start get a recording tap; the one created by Open just holds presets.
func (a *Adapter) newController(h Handle, s *slot, requestID int64, zoom float64, bitrate int, record bool) (*session.Controller, func()) {
	opts := s.defaults.Session
	opts.Handle = uint64(h)
	opts.RequestID = requestID
	opts.Zoom = zoom
	opts.Bitrate = bitrate
	opts.SessionID = uuid.NewString()
	if opts.MaxZoom == 0 {
		opts.MaxZoom = s.defaults.Stream.MaxZoom
	}
	if opts.Log == nil {
		opts.Log = a.opts.Log
	}
	if opts.Metrics == nil {
		opts.Metrics = a.opts.Metrics
	}

	var finish func()
	if record && a.opts.Recorder != nil {
		opts.Tap, finish = a.opts.Recorder.Begin(opts.SessionID)
	}

	ctrl := session.New(opts)
	detach := ctrl.Attach(a.forward)
	if finish == nil {
		return ctrl, detach
	}

	released := make(chan struct{})
	go func() {
		select {
		case <-ctrl.Ended():
		case <-released:
		}
		finish()
	}()
	return ctrl, sync.OnceFunc(func() {
		detach()
		close(released)
	})
}

// retire releases a controller that is idle or has ended
func (a *Adapter) retire(ctrl *session.Controller, detach func()) {
	a.retiring.Add(1)
	go func() {
		defer a.retiring.Done()
		ctrl.Close()
		detach()
	}()
}

func (a *Adapter) forward(ev models.Event) {
	if a.opts.Observer != nil {
		a.opts.Observer(ev)
	}
	l := a.opts.Listener
	if l == nil {
		return
	}
	h := Handle(ev.Handle)
	switch ev.Type {
	case models.EventConnectionSuccess:
		l.OnConnectionSuccess(h, ev.RequestID)
	case models.EventConnectionFailed:
		l.OnConnectionFailed(h, ev.RequestID, ev.Cause)
	case models.EventDisconnected:
		l.OnDisconnected(h, ev.RequestID)
	case models.EventError:
		l.OnError(h, ev.RequestID, ev.Kind, ev.Detail)
	}
}
