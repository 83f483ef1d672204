// Package recorder writes the frames a session sends as a series of FLV or
// fragmented MP4 parts.
package recorder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"livecast/internal/metrics"
	"livecast/internal/storage"
	"livecast/pkg/models"
)

// Options configure a Recorder
type Options struct {
	Storage      storage.Storage
	Format       string        // FormatFLV (default) or FormatFMP4
	PartDuration time.Duration // default 10s
	QueueSize    int           // frames buffered per session, default 256
	WriteTimeout time.Duration // per part upload, default 30s
	Log          *logrus.Entry
	Metrics      *metrics.Metrics
}

// Recorder records sessions to storage. The taps it hands out never block.
type Recorder struct {
	opts    Options
	format  format
	log     *logrus.Entry
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// New creates a recorder
func New(opts Options) *Recorder {
	if opts.PartDuration <= 0 {
		opts.PartDuration = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	f, ok := formats[opts.Format]
	if !ok {
		f = formats[FormatFLV]
	}
	return &Recorder{opts: opts, format: f, log: opts.Log.WithField("component", "recorder")}
}

// PartKey names part n (from 1) of a session in the FLV format
func PartKey(sessionID string, n int) string {
	return partKey(sessionID, n, formats[FormatFLV].ext)
}

func partKey(sessionID string, n int, ext string) string {
	return fmt.Sprintf("%s/part_%05d%s", sessionID, n, ext)
}

// ContentType returns the media type of a part by its name
func ContentType(part string) string {
	for _, f := range formats {
		if strings.HasSuffix(part, f.ext) {
			return f.contentType
		}
	}
	return "application/octet-stream"
}

// Begin starts recording sessionID. tap must not be called after finish; finish
// flushes the open part in the background.
func (r *Recorder) Begin(sessionID string) (tap func(*models.Frame), finish func()) {
	rec := &recording{
		r:      r,
		id:     sessionID,
		log:    r.log.WithField("session", sessionID),
		frames: make(chan *models.Frame, r.opts.QueueSize),
	}
	r.wg.Add(1)
	go rec.run()
	return rec.tap, sync.OnceFunc(rec.finish)
}

// Parts lists the parts recorded for sessionID
func (r *Recorder) Parts(ctx context.Context, sessionID string) ([]string, error) {
	return r.opts.Storage.List(ctx, sessionID)
}

// Part returns one recorded part
func (r *Recorder) Part(ctx context.Context, sessionID, name string) ([]byte, error) {
	return r.opts.Storage.Read(ctx, sessionID+"/"+name)
}

// Dropped counts frames discarded because a recording fell behind. Frames
// tapped after finish are only counted in metrics.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Wait blocks until every finished recording has been flushed
func (r *Recorder) Wait() { r.wg.Wait() }

type recording struct {
	r   *Recorder
	id  string
	log *logrus.Entry

	mu     sync.RWMutex
	closed bool
	frames chan *models.Frame

	// owned by run
	videoCfg, audioCfg *models.Frame
	cur                part // nil between parts
	start              uint32
	part               int
}

func (rec *recording) tap(f *models.Frame) {
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	if rec.closed {
		rec.r.opts.Metrics.RecordFrameDropped(models.DropRecorderClosed)
		return
	}
	select {
	case rec.frames <- f:
	default:
		rec.r.dropped.Add(1)
		rec.r.opts.Metrics.RecordFrameDropped(models.DropRecorder)
	}
}

func (rec *recording) finish() {
	rec.mu.Lock()
	rec.closed = true
	close(rec.frames)
	rec.mu.Unlock()
}

func (rec *recording) run() {
	defer rec.r.wg.Done()
	for f := range rec.frames {
		rec.add(f)
	}
	rec.flush()
	rec.log.WithField("parts", rec.part).Debug("Recording finished")
}

func (rec *recording) add(f *models.Frame) {
	if f.Config {
		if f.Track == models.TrackVideo {
			rec.videoCfg = f
		} else {
			rec.audioCfg = f
		}
		return
	}

	isKey := f.Track == models.TrackVideo && f.Keyframe
	if isKey && rec.cur != nil && time.Duration(f.Timestamp-rec.start)*time.Millisecond >= rec.r.opts.PartDuration {
		rec.flush()
	}
	if rec.cur == nil {
		if !isKey {
			return
		}
		if !rec.begin(f.Timestamp) {
			return
		}
	}
	rec.writeFrame(f)
}

// begin opens a part at ts with the codec configuration in front
func (rec *recording) begin(ts uint32) bool {
	p, err := rec.r.format.open(rec.videoCfg, rec.audioCfg)
	if err != nil {
		rec.log.WithError(err).Warn("Cannot open recording part")
		return false
	}
	rec.cur = p
	rec.start = ts
	return true
}

func (rec *recording) writeFrame(f *models.Frame) {
	var rel uint32
	if f.Timestamp > rec.start {
		rel = f.Timestamp - rec.start
	}
	if err := rec.cur.write(f, rel); err != nil {
		rec.log.WithError(err).WithField("track", f.Track).Warn("Skipping frame that cannot be recorded")
	}
}

func (rec *recording) flush() {
	if rec.cur == nil {
		return
	}
	p := rec.cur
	rec.cur = nil
	rec.part++
	key := partKey(rec.id, rec.part, rec.r.format.ext)

	data, err := p.bytes()
	if err != nil {
		rec.log.WithError(err).WithField("part", key).Error("Failed to finish recording part")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rec.r.opts.WriteTimeout)
	defer cancel()
	if err := rec.r.opts.Storage.Write(ctx, key, data); err != nil {
		rec.log.WithError(err).WithField("part", key).Error("Failed to write recording part")
		return
	}
	rec.r.opts.Metrics.RecordPart(len(data))
	rec.log.WithFields(logrus.Fields{
		"part": key,
		"kb":   fmt.Sprintf("%.2f", float64(len(data))/1024),
	}).Info("Recorded part")
}
