package httpServer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"livecast/internal/auth"
	"livecast/internal/control"
	"livecast/internal/ingest"
	"livecast/internal/metrics"
	"livecast/internal/recorder"
	"livecast/internal/storage"
	"livecast/internal/streammanager"
	"livecast/pkg/models"
)

// Options wire the HTTP front to the rest of the process. Recorder, Ingest and
// Auth are optional; their routes answer 404 when unset.
type Options struct {
	Adapter  *control.Adapter
	Defaults control.Defaults // seed for handles opened over HTTP
	Events   *streammanager.Manager

	Recorder  *recorder.Recorder
	Ingest    *ingest.Server
	Auth      *auth.Manager
	IngestURL string // e.g. rtmp://localhost:1935/live

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer // serves /metrics when set
	Log      *logrus.Entry
}

// Server wraps the HTTP server with dependencies
type Server struct {
	opts   Options
	log    *logrus.Entry
	router *gin.Engine
}

// New creates a new HTTP server
func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Events == nil {
		opts.Events = streammanager.New()
	}
	s := &Server{
		opts: opts,
		log:  opts.Log.WithField("component", "http"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)

		sessions := api.Group("/v1/sessions")
		sessions.GET("", s.handleListSessions)
		sessions.POST("", s.handleOpen)
		sessions.GET("/:handle", s.handleStatus)
		sessions.DELETE("/:handle", s.handleClose)
		sessions.POST("/:handle/start", s.handleStart)
		sessions.POST("/:handle/stop", s.handleStop)
		sessions.POST("/:handle/zoom", s.handleZoom)
		sessions.POST("/:handle/bitrate", s.handleBitrate)
		sessions.GET("/:handle/events", s.handleEvents)

		api.GET("/v1/recordings/:session", s.handleListParts)
		api.GET("/v1/recordings/:session/:part", s.handleGetPart)

		api.POST("/v1/publish", s.handlePublish)
		api.DELETE("/v1/publish/:key", s.handleRevoke)
		api.GET("/v1/streams", s.handleListStreams)
		api.GET("/v1/streams/:name", s.handleGetStream)
	}

	if s.opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	s.router = router
}

// Handler exposes the router, e.g. for httptest
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("HTTP server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// logRequests logs each request and records its metrics
func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		took := time.Since(start)
		s.opts.Metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), took.Seconds())
		s.log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   path,
			"status": c.Writer.Status(),
			"took":   took,
		}).Debug("Request")
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

// openRequest overrides the default stream settings of a new handle
type openRequest struct {
	URL       *string  `json:"url"`
	Width     *int     `json:"width" binding:"omitempty,gte=16"`
	Height    *int     `json:"height" binding:"omitempty,gte=16"`
	Bitrate   *int     `json:"bitrate" binding:"omitempty,gte=64000"`
	FrameRate *int     `json:"frameRate" binding:"omitempty,gte=1,lte=120"`
	MaxZoom   *float64 `json:"maxZoom" binding:"omitempty,gte=1"`
}

func (s *Server) handleOpen(c *gin.Context) {
	var req openRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	defaults := s.opts.Defaults
	if req.URL != nil {
		defaults.Stream.URL = *req.URL
	}
	if req.Width != nil {
		defaults.Stream.Width = *req.Width
	}
	if req.Height != nil {
		defaults.Stream.Height = *req.Height
	}
	if req.Bitrate != nil {
		defaults.Stream.Bitrate = *req.Bitrate
	}
	if req.FrameRate != nil {
		defaults.Stream.FrameRate = *req.FrameRate
	}
	if req.MaxZoom != nil {
		defaults.Stream.MaxZoom = *req.MaxZoom
	}

	h := s.opts.Adapter.Open(defaults)
	st, err := s.opts.Adapter.Status(h)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (s *Server) handleListSessions(c *gin.Context) {
	handles := s.opts.Adapter.Handles()
	out := make([]control.Status, 0, len(handles))
	for _, h := range handles {
		st, err := s.opts.Adapter.Status(h)
		if err != nil {
			continue // closed meanwhile
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":      out,
		"total":         len(out),
		"subscribers":   s.opts.Events.SubscriberCount(),
		"eventsDropped": s.opts.Events.Dropped(),
	})
}

// statusResponse is a handle's status with the last event published for it
type statusResponse struct {
	control.Status
	LastEvent *models.Event `json:"lastEvent,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	h, ok := s.handle(c)
	if !ok {
		return
	}
	st, err := s.opts.Adapter.Status(h)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := statusResponse{Status: st}
	if ev, ok := s.opts.Events.Last(uint64(h)); ok {
		resp.LastEvent = &ev
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleClose(c *gin.Context) {
	h, ok := s.handle(c)
	if !ok {
		return
	}
	if err := s.opts.Adapter.Close(h); err != nil {
		s.fail(c, err)
		return
	}
	s.opts.Events.Forget(uint64(h))
	c.Status(http.StatusNoContent)
}

type startRequest struct {
	RequestID int64   `json:"requestId"`
	StreamKey string  `json:"streamKey"`
	URL       *string `json:"url"`
}

func (s *Server) handleStart(c *gin.Context) {
	h, ok := s.handle(c)
	if !ok {
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.opts.Adapter.Start(h, req.RequestID, req.StreamKey, req.URL); err != nil {
		s.fail(c, err)
		return
	}
	st, _ := s.opts.Adapter.Status(h)
	c.JSON(http.StatusAccepted, st)
}

func (s *Server) handleStop(c *gin.Context) {
	h, ok := s.handle(c)
	if !ok {
		return
	}
	if err := s.opts.Adapter.Stop(h); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"handle": h})
}

// zoomRequest and bitrateRequest leave range checks to the adapter, so a
// missing or zero value answers with a range_error
type zoomRequest struct {
	Ratio float64 `json:"ratio"`
}

func (s *Server) handleZoom(c *gin.Context) {
	h, ok := s.handle(c)
	if !ok {
		return
	}
	var req zoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.opts.Adapter.SetZoomRatio(h, req.Ratio); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": h, "ratio": req.Ratio})
}

type bitrateRequest struct {
	BPS int `json:"bps"`
}

func (s *Server) handleBitrate(c *gin.Context) {
	h, ok := s.handle(c)
	if !ok {
		return
	}
	var req bitrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.opts.Adapter.SetBitrate(h, req.BPS); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": h, "bps": req.BPS})
}

// handleEvents streams the handle's events as server-sent events, starting with
// its current status
func (s *Server) handleEvents(c *gin.Context) {
	h, ok := s.handle(c)
	if !ok {
		return
	}
	st, err := s.opts.Adapter.Status(h)
	if err != nil {
		s.fail(c, err)
		return
	}

	events, cancel := s.opts.Events.Subscribe(uint64(h), 64)
	defer cancel()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("status", st)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-events:
			if !open {
				return false // handle closed
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) handleListParts(c *gin.Context) {
	if s.opts.Recorder == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording is disabled"})
		return
	}
	session := c.Param("session")
	parts, err := s.opts.Recorder.Parts(c.Request.Context(), session)
	if err != nil {
		s.log.WithError(err).WithField("session", session).Error("Failed to list recording")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list recording"})
		return
	}
	if len(parts) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "parts": parts, "framesDropped": s.opts.Recorder.Dropped()})
}

func (s *Server) handleGetPart(c *gin.Context) {
	if s.opts.Recorder == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "recording is disabled"})
		return
	}
	name := c.Param("part")
	data, err := s.opts.Recorder.Part(c.Request.Context(), c.Param("session"), name)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "part not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Parts never change once written
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, recorder.ContentType(name), data)
}

type publishRequest struct {
	StreamName string `json:"streamName" binding:"required,max=128"`
	ExpiresIn  int    `json:"expiresIn" binding:"gte=0"` // seconds
}

// handlePublish issues a publish key for the loopback ingest
func (s *Server) handlePublish(c *gin.Context) {
	if s.opts.Auth == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "loopback ingest is disabled"})
		return
	}
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := s.opts.Auth.Issue(req.StreamName, time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":        s.opts.IngestURL,
		"streamName": key.StreamName,
		"streamKey":  key.Key,
		"expiresAt":  key.ExpiresAt.Format(time.RFC3339),
	})
}

// handleRevoke withdraws a publish key before it expires
func (s *Server) handleRevoke(c *gin.Context) {
	if s.opts.Auth == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "loopback ingest is disabled"})
		return
	}
	if !s.opts.Auth.Revoke(c.Param("key")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "publish key not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListStreams(c *gin.Context) {
	if s.opts.Ingest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "loopback ingest is disabled"})
		return
	}
	streams := s.opts.Ingest.Streams()
	resp := gin.H{"streams": streams, "total": len(streams)}
	if s.opts.Auth != nil {
		resp["publishKeys"] = s.opts.Auth.KeyCount()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetStream(c *gin.Context) {
	if s.opts.Ingest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "loopback ingest is disabled"})
		return
	}
	stream, ok := s.opts.Ingest.Stream(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}
	c.JSON(http.StatusOK, stream)
}

// Helper functions

// handle parses the :handle parameter. A malformed handle cannot name a session.
func (s *Server) handle(c *gin.Context) (control.Handle, bool) {
	v, err := strconv.ParseUint(c.Param("handle"), 10, 64)
	if err != nil {
		s.fail(c, models.NewError(models.HandleNotFound, "", err, "no session for handle %q", c.Param("handle")))
		return 0, false
	}
	return control.Handle(v), true
}

// fail answers with the status matching the error kind
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error(), "kind": models.KindOf(err)}
	if cause := models.CauseOf(err); cause != "" {
		body["cause"] = cause
	}
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	}
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.ConfigError, models.RangeError:
		return http.StatusBadRequest
	case models.HandleNotFound:
		return http.StatusNotFound
	case models.StateError:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
