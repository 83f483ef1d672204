package recorder

import (
	"bytes"

	goflv "github.com/yutopp/go-flv"

	"livecast/internal/flv"
	"livecast/pkg/models"
)

// Recording formats
const (
	FormatFLV  = "flv"
	FormatFMP4 = "fmp4"
)

// part accumulates one recorded part in memory
type part interface {
	// write adds f at ts milliseconds from the start of the part
	write(f *models.Frame, ts uint32) error
	bytes() ([]byte, error)
}

type format struct {
	ext         string
	contentType string
	open        func(videoCfg, audioCfg *models.Frame) (part, error)
}

var formats = map[string]format{
	FormatFLV:  {ext: ".flv", contentType: "video/x-flv", open: openFLVPart},
	FormatFMP4: {ext: ".mp4", contentType: "video/mp4", open: openFMP4Part},
}

type flvPart struct {
	buf bytes.Buffer
	enc *goflv.Encoder
}

func openFLVPart(videoCfg, audioCfg *models.Frame) (part, error) {
	p := &flvPart{}
	enc, err := flv.NewFileWriter(&p.buf)
	if err != nil {
		return nil, err
	}
	p.enc = enc
	for _, cfg := range []*models.Frame{videoCfg, audioCfg} {
		if cfg == nil {
			continue
		}
		if err := p.write(cfg, 0); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *flvPart) write(f *models.Frame, ts uint32) error {
	tag, err := flv.NewTag(f, ts)
	if err != nil {
		return err
	}
	return p.enc.Encode(tag)
}

func (p *flvPart) bytes() ([]byte, error) {
	return append([]byte(nil), p.buf.Bytes()...), nil
}
