package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"livecast/internal/flv"
	"livecast/pkg/models"
)

const (
	defaultRTMPPort = "1935"
	flashVer        = "FMLE/3.0 (compatible; livecast)"

	// Chunk stream ids used by common publishers
	chunkStreamData  = 8
	chunkStreamAudio = 4
	chunkStreamVideo = 6

	publishChunkSize = 4096
)

// Endpoint is a parsed rtmp:// URL
type Endpoint struct {
	Addr  string // host:port
	App   string
	TCURL string
}

// ParseEndpoint splits an rtmp://host[:port]/app[/instance] URL
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "rtmp" {
		return Endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, errors.New("endpoint has no host")
	}
	app := strings.Trim(u.Path, "/")
	if app == "" {
		return Endpoint{}, errors.New("endpoint has no application path")
	}
	port := u.Port()
	if port == "" {
		port = defaultRTMPPort
	}
	return Endpoint{
		Addr:  net.JoinHostPort(u.Hostname(), port),
		App:   app,
		TCURL: "rtmp://" + u.Host + "/" + app,
	}, nil
}

// RTMPDialer publishes to RTMP endpoints
type RTMPDialer struct {
	Log *logrus.Entry
}

// Dial runs handshake, connect, createStream and publish, then announces the metadata
func (d *RTMPDialer) Dial(ctx context.Context, target Target) (Link, error) {
	ep, err := ParseEndpoint(target.URL)
	if err != nil {
		return nil, models.NewError(models.ConfigError, models.CauseInvalidConfig, err, "endpoint %q", target.URL)
	}
	log := d.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("addr", ep.Addr)

	var (
		mu        sync.Mutex
		conn      *rtmp.ClientConn
		abandoned bool
	)
	type result struct {
		link *rtmpLink
		err  error
	}
	done := make(chan result, 1)

	go func() {
		dialer := &net.Dialer{}
		if deadline, ok := ctx.Deadline(); ok {
			dialer.Deadline = deadline
		}
		cc, err := rtmp.DialWithDialer(dialer, "rtmp", ep.Addr, &rtmp.ConnConfig{
			Logger: log.Logger,
		})
		if err != nil {
			done <- result{err: models.NewError(models.ConnectError, models.CauseConnectFailed, err, "dial %s", ep.Addr)}
			return
		}
		mu.Lock()
		if abandoned {
			mu.Unlock()
			_ = cc.Close()
			return
		}
		conn = cc
		mu.Unlock()

		link, err := publish(cc, ep, target)
		if err != nil {
			_ = cc.Close()
		}
		done <- result{link: link, err: err}
	}()

	select {
	case r := <-done:
		return r.link, r.err
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		if conn != nil {
			_ = conn.Close()
		}
		mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, models.NewError(models.ConnectError, models.CauseConnectTimeout, ctx.Err(), "handshake with %s timed out", ep.Addr)
		}
		return nil, ctx.Err()
	}
}

func publish(cc *rtmp.ClientConn, ep Endpoint, target Target) (*rtmpLink, error) {
	err := cc.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      ep.App,
			Type:     "nonprivate",
			FlashVer: flashVer,
			TCURL:    ep.TCURL,
		},
	})
	if err != nil {
		return nil, models.NewError(models.ConnectError, models.CauseConnectFailed, err, "connect to app %q", ep.App)
	}

	stream, err := cc.CreateStream(&rtmpmsg.NetConnectionCreateStream{}, publishChunkSize)
	if err != nil {
		return nil, models.NewError(models.ConnectError, models.CauseConnectFailed, err, "create stream")
	}

	err = stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: target.StreamKey,
		PublishingType: "live",
	})
	if err != nil {
		// servers answer a bad key by refusing the publish
		return nil, models.NewError(models.ConnectError, models.CauseAuthRejected, err, "publish refused")
	}

	link := &rtmpLink{conn: cc, stream: stream}
	if err := link.sendMetadata(target.Metadata); err != nil {
		return nil, models.NewError(models.ConnectError, models.CauseConnectFailed, err, "send metadata")
	}
	return link, nil
}

type rtmpLink struct {
	conn   *rtmp.ClientConn
	stream *rtmp.Stream
}

func (l *rtmpLink) sendMetadata(m flv.Metadata) error {
	body, err := flv.EncodeMetadata(m)
	if err != nil {
		return err
	}
	return l.stream.Write(chunkStreamData, 0, &rtmpmsg.DataMessage{
		Name:     "@setDataFrame",
		Encoding: rtmpmsg.EncodingTypeAMF0,
		Body:     bytes.NewReader(body),
	})
}

func (l *rtmpLink) Send(f *models.Frame) error {
	tag, err := flv.NewTag(f, f.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	buf := new(bytes.Buffer)
	switch d := tag.Data.(type) {
	case *flvtag.VideoData:
		if err := flvtag.EncodeVideoData(buf, d); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return l.stream.Write(chunkStreamVideo, tag.Timestamp, &rtmpmsg.VideoMessage{Payload: buf})
	case *flvtag.AudioData:
		if err := flvtag.EncodeAudioData(buf, d); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return l.stream.Write(chunkStreamAudio, tag.Timestamp, &rtmpmsg.AudioMessage{Payload: buf})
	}
	return fmt.Errorf("%w: tag type %d", ErrMalformedFrame, tag.TagType)
}

func (l *rtmpLink) Close() error {
	return l.conn.Close()
}
