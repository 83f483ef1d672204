package flv

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/yutopp/go-amf0"
	flvtag "github.com/yutopp/go-flv/tag"

	"livecast/pkg/models"
)

// Metadata is the onMetaData script object announced before media
type Metadata struct {
	Width        int
	Height       int
	FrameRate    int
	VideoBitrate int
	SampleRate   int
	Channels     int
	AudioBitrate int
	Encoder      string
}

// MetadataFromConfig derives the announced metadata from a session config
func MetadataFromConfig(cfg models.StreamConfig, encoder string) Metadata {
	return Metadata{
		Width:        cfg.Width,
		Height:       cfg.Height,
		FrameRate:    cfg.FrameRate,
		VideoBitrate: cfg.Bitrate,
		SampleRate:   cfg.SampleRate,
		Channels:     cfg.Channels,
		AudioBitrate: cfg.AudioBitrate,
		Encoder:      encoder,
	}
}

func (m Metadata) values() map[string]interface{} {
	return map[string]interface{}{
		"width":           float64(m.Width),
		"height":          float64(m.Height),
		"framerate":       float64(m.FrameRate),
		"videocodecid":    float64(flvtag.CodecIDAVC),
		"videodatarate":   float64(m.VideoBitrate) / 1000,
		"audiocodecid":    float64(flvtag.SoundFormatAAC),
		"audiosamplerate": float64(m.SampleRate),
		"audiochannels":   float64(m.Channels),
		"audiodatarate":   float64(m.AudioBitrate) / 1000,
		"stereo":          m.Channels == 2,
		"encoder":         m.Encoder,
	}
}

// EncodeMetadata returns the AMF0 "onMetaData" name followed by the metadata object,
// the body of an @setDataFrame data message and of an FLV script tag.
func EncodeMetadata(m Metadata) ([]byte, error) {
	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)
	if err := enc.Encode("onMetaData"); err != nil {
		return nil, fmt.Errorf("encode metadata name: %w", err)
	}
	if err := enc.Encode(m.values()); err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMetadata reads an AMF0 "onMetaData" payload back into a map
func DecodeMetadata(payload []byte) (map[string]interface{}, error) {
	dec := amf0.NewDecoder(bytes.NewReader(payload))

	var name string
	if err := dec.Decode(&name); err != nil {
		return nil, fmt.Errorf("decode metadata name: %w", err)
	}
	if name != "onMetaData" {
		return nil, fmt.Errorf("unexpected script name %q", name)
	}

	var body interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	// objects and ECMA arrays decode to different map types
	v := reflect.ValueOf(body)
	if v.Kind() != reflect.Map || v.Type().Key().Kind() != reflect.String {
		return nil, fmt.Errorf("metadata is %T, not an object", body)
	}
	out := make(map[string]interface{}, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, nil
}
