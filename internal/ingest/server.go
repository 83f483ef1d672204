// Package ingest is a small RTMP server that accepts publishes and keeps per-stream
// counters. It backs the loopback demo mode and end-to-end tests.
package ingest

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"livecast/internal/auth"
	"livecast/internal/flv"
	"livecast/internal/logging"
)

// StreamStats describes one published stream
type StreamStats struct {
	Name           string                 `json:"name"`
	App            string                 `json:"app"`
	Publisher      string                 `json:"publisher"`
	Live           bool                   `json:"live"`
	VideoFrames    uint64                 `json:"videoFrames"`
	AudioFrames    uint64                 `json:"audioFrames"`
	Keyframes      uint64                 `json:"keyframes"`
	Bytes          uint64                 `json:"bytes"`
	SequenceHeader bool                   `json:"sequenceHeader"` // AVC sequence header received
	AudioConfig    bool                   `json:"audioConfig"`
	Profile        uint8                  `json:"profile,omitempty"`
	Level          uint8                  `json:"level,omitempty"`
	LastTimestamp  uint32                 `json:"lastTimestamp"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	StartedAt      time.Time              `json:"startedAt"`
}

// Server represents the RTMP ingest server
type Server struct {
	auth   *auth.Manager
	log    *logrus.Entry
	server *rtmp.Server

	mu      sync.RWMutex
	streams map[string]*StreamStats
}

// New creates a new RTMP server. Publishes are checked against authManager.
func New(authManager *auth.Manager, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		auth:    authManager,
		log:     log.WithField("component", "ingest"),
		streams: make(map[string]*StreamStats),
	}

	// Create RTMP server with handler
	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})

	return s
}

// ListenAndServe starts the RTMP server
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on l until Close
func (s *Server) Serve(l net.Listener) error {
	s.log.WithField("addr", l.Addr().String()).Info("RTMP ingest listening")
	return s.server.Serve(l)
}

// Close gracefully shuts down the RTMP server
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Stream returns a snapshot of one stream, looked up by the name it was
// published under or the name it is listed with
func (s *Server) Stream(name string) (StreamStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.streams[name]; ok {
		return st.snapshot(), true
	}
	for _, st := range s.streams {
		if st.Name == name {
			return st.snapshot(), true
		}
	}
	return StreamStats{}, false
}

// Streams returns snapshots of every stream seen, sorted by name
func (s *Server) Streams() []StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StreamStats, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (st *StreamStats) snapshot() StreamStats {
	c := *st
	if st.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(st.Metadata))
		for k, v := range st.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// update applies fn to a live stream under the server lock
func (s *Server) update(name string, fn func(*StreamStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		fn(st)
	}
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("New RTMP connection")

	handler := &ConnHandler{
		server: s,
		log:    log,
		conn:   conn,
	}

	return conn, &rtmp.ConnConfig{
		Handler: handler,

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024, // 6MB
		},

		Logger: log.Logger,
	}
}

// ConnHandler handles RTMP connection events
type ConnHandler struct {
	rtmp.DefaultHandler

	server *Server
	log    *logrus.Entry
	conn   net.Conn
	app    string
	stream string // set once publishing
	shown  string // stream as logged and listed
}

// OnServe is called when the connection starts serving
func (h *ConnHandler) OnServe(conn *rtmp.Conn) {}

// OnConnect is called when RTMP connect command is received
func (h *ConnHandler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.app = cmd.Command.App
	h.log.WithFields(logrus.Fields{"app": cmd.Command.App, "tcUrl": cmd.Command.TCURL}).Debug("Connect")
	return nil
}

// OnCreateStream is called when createStream command is received
func (h *ConnHandler) OnCreateStream(timestamp uint32, cmd *rtmpmsg.NetConnectionCreateStream) error {
	return nil
}

// OnPublish authorizes the publishing name and registers the stream. A name
// that did not come from an issued key may be the key itself, so it is only
// logged and listed redacted.
func (h *ConnHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	grant, err := h.server.auth.Authorize(cmd.PublishingName)
	if err != nil {
		h.log.WithError(err).Warn("Publish rejected")
		return fmt.Errorf("authentication failed: %w", err)
	}
	name, shown := grant.Stream, grant.Stream
	if !grant.Named {
		shown = logging.Redact(name)
	}

	s := h.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.streams[name]; ok && existing.Live {
		h.log.WithField("stream", shown).Warn("Stream is already live")
		return fmt.Errorf("stream %s is already live", shown)
	}
	s.streams[name] = &StreamStats{
		Name:      shown,
		App:       h.app,
		Publisher: h.conn.RemoteAddr().String(),
		Live:      true,
		StartedAt: time.Now(),
	}
	h.stream = name
	h.shown = shown

	h.log.WithField("stream", shown).Info("Stream is now live")
	return nil
}

// OnSetDataFrame is called when metadata is received
func (h *ConnHandler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	if h.stream == "" {
		return nil
	}
	meta, err := flv.DecodeMetadata(data.Payload)
	if err != nil {
		h.log.WithError(err).Warn("Ignoring unreadable metadata")
		return nil
	}
	h.server.update(h.stream, func(st *StreamStats) { st.Metadata = meta })
	return nil
}

// OnAudio is called when audio data is received
func (h *ConnHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	if h.stream == "" {
		return nil // Ignore audio before publish
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	pkt, err := flv.ParseAudioTag(bytes.NewReader(data))
	if err != nil {
		h.log.WithError(err).Debug("Skipping audio packet")
		return nil
	}

	h.server.update(h.stream, func(st *StreamStats) {
		st.Bytes += uint64(len(data))
		if pkt.SequenceHeader {
			st.AudioConfig = true
			return
		}
		st.AudioFrames++
	})
	return nil
}

// OnVideo is called when video data is received
func (h *ConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if h.stream == "" {
		return nil // Ignore video before publish
	}

	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}

	// Parse FLV video packet
	pkt, err := flv.ParseVideoTag(bytes.NewReader(data))
	if err != nil {
		h.log.WithError(err).Debug("Skipping video packet")
		return nil // Don't fail, just skip this packet
	}

	// Handle AVC sequence header (contains SPS/PPS)
	if pkt.SequenceHeader {
		rec, err := flv.ParseDecoderConfig(pkt.Data)
		if err != nil {
			h.log.WithError(err).Warn("Failed to parse AVCDecoderConfigurationRecord")
			return nil
		}
		h.server.update(h.stream, func(st *StreamStats) {
			st.SequenceHeader = true
			st.Profile = rec.AVCProfileIndication
			st.Level = rec.AVCLevelIndication
			st.Bytes += uint64(len(data))
		})
		return nil
	}

	h.server.update(h.stream, func(st *StreamStats) {
		st.VideoFrames++
		if pkt.Keyframe {
			st.Keyframes++
		}
		st.Bytes += uint64(len(data))
		st.LastTimestamp = timestamp
	})
	return nil
}

// OnClose is called when the connection is closed
func (h *ConnHandler) OnClose() {
	if h.stream == "" {
		return
	}
	h.server.update(h.stream, func(st *StreamStats) { st.Live = false })
	h.log.WithField("stream", h.shown).Info("Stream ended")
}
