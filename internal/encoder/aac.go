package encoder

import (
	"fmt"

	"livecast/internal/flv"
	"livecast/pkg/models"
)

// SyntheticAAC produces raw AAC-LC frames sized to the audio bitrate
type SyntheticAAC struct {
	channels  int
	frameSize int
	asc       []byte
	closed    bool
}

func NewSyntheticAAC(cfg models.StreamConfig) (*SyntheticAAC, error) {
	asc, err := flv.AudioSpecificConfig(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, err
	}
	if cfg.AudioBitrate <= 0 {
		return nil, fmt.Errorf("invalid audio bitrate %d", cfg.AudioBitrate)
	}
	size := cfg.AudioBitrate * AACFrameSamples / cfg.SampleRate / 8
	if size < 8 {
		size = 8
	}
	return &SyntheticAAC{channels: cfg.Channels, frameSize: size, asc: asc}, nil
}

func (e *SyntheticAAC) Header() []byte { return e.asc }

func (e *SyntheticAAC) Encode(pcm *models.RawFrame) ([]byte, error) {
	if e.closed {
		return nil, errEncoderClosed
	}
	if want := pcm.Samples * e.channels * 2; pcm.Samples != AACFrameSamples || len(pcm.Data) < want {
		return nil, fmt.Errorf("PCM block has %d samples (%d bytes), want %d samples", pcm.Samples, len(pcm.Data), AACFrameSamples)
	}

	out := make([]byte, e.frameSize)
	// element id: single channel element (0) or channel pair (1)
	if e.channels == 2 {
		out[0] = 0x21
	} else {
		out[0] = 0x01
	}
	step := len(pcm.Data) / e.frameSize
	if step == 0 {
		step = 1
	}
	for i := 1; i < len(out); i++ {
		out[i] = pcm.Data[(i*step)%len(pcm.Data)]
	}
	return out, nil
}

func (e *SyntheticAAC) Close() error {
	e.closed = true
	return nil
}
