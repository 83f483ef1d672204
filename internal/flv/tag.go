package flv

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	flvtag "github.com/yutopp/go-flv/tag"

	"livecast/pkg/models"
)

// FLV tag types
const (
	TagAudio  = flvtag.TagTypeAudio
	TagVideo  = flvtag.TagTypeVideo
	TagScript = flvtag.TagTypeScriptData
)

// VideoData packages an encoded H.264 frame as FLV video tag data
func VideoData(f *models.Frame) (*flvtag.VideoData, error) {
	if f.Track != models.TrackVideo {
		return nil, fmt.Errorf("frame track %s is not video", f.Track)
	}

	if f.Config {
		rec, err := DecoderConfigFromAnnexB(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("sequence header: %w", err)
		}
		return &flvtag.VideoData{
			FrameType:     flvtag.FrameTypeKeyFrame,
			CodecID:       flvtag.CodecIDAVC,
			AVCPacketType: flvtag.AVCPacketTypeSequenceHeader,
			Data:          bytes.NewReader(rec.Marshal()),
		}, nil
	}

	avcc, err := AnnexBToAVCC(f.Payload)
	if err != nil {
		return nil, err
	}
	frameType := flvtag.FrameTypeInterFrame
	if f.Keyframe {
		frameType = flvtag.FrameTypeKeyFrame
	}
	return &flvtag.VideoData{
		FrameType:     frameType,
		CodecID:       flvtag.CodecIDAVC,
		AVCPacketType: flvtag.AVCPacketTypeNALU,
		Data:          bytes.NewReader(avcc),
	}, nil
}

// AudioData packages an AAC frame (or its AudioSpecificConfig) as FLV audio
// tag data. AAC in FLV is always signalled as 44kHz/16bit/stereo.
func AudioData(f *models.Frame) (*flvtag.AudioData, error) {
	if f.Track != models.TrackAudio {
		return nil, fmt.Errorf("frame track %s is not audio", f.Track)
	}
	if len(f.Payload) == 0 {
		return nil, errors.New("empty audio payload")
	}
	packetType := flvtag.AACPacketTypeRaw
	if f.Config {
		packetType = flvtag.AACPacketTypeSequenceHeader
	}
	return &flvtag.AudioData{
		SoundFormat:   flvtag.SoundFormatAAC,
		SoundRate:     flvtag.SoundRate44kHz,
		SoundSize:     flvtag.SoundSize16Bit,
		SoundType:     flvtag.SoundTypeStereo,
		AACPacketType: packetType,
		Data:          bytes.NewReader(f.Payload),
	}, nil
}

// NewTag packages frame f as an FLV tag stamped with timestamp
func NewTag(f *models.Frame, timestamp uint32) (*flvtag.FlvTag, error) {
	switch f.Track {
	case models.TrackVideo:
		data, err := VideoData(f)
		if err != nil {
			return nil, err
		}
		return &flvtag.FlvTag{TagType: TagVideo, Timestamp: timestamp, Data: data}, nil
	case models.TrackAudio:
		data, err := AudioData(f)
		if err != nil {
			return nil, err
		}
		return &flvtag.FlvTag{TagType: TagAudio, Timestamp: timestamp, Data: data}, nil
	}
	return nil, fmt.Errorf("unknown track %d", f.Track)
}

// TagBody returns the FLV tag type of frame f with its encoded tag data, the
// form RTMP audio and video messages carry
func TagBody(f *models.Frame) (flvtag.TagType, []byte, error) {
	tag, err := NewTag(f, f.Timestamp)
	if err != nil {
		return 0, nil, err
	}

	var buf bytes.Buffer
	switch d := tag.Data.(type) {
	case *flvtag.VideoData:
		err = flvtag.EncodeVideoData(&buf, d)
	case *flvtag.AudioData:
		err = flvtag.EncodeAudioData(&buf, d)
	}
	if err != nil {
		return 0, nil, err
	}
	return tag.TagType, buf.Bytes(), nil
}

// VideoPacket is a parsed FLV video tag body
type VideoPacket struct {
	Keyframe        bool
	SequenceHeader  bool
	CompositionTime int32
	Data            []byte // AVCDecoderConfigurationRecord or AVCC NAL units
}

// ParseVideoTag reads an FLV video tag body carrying H.264
func ParseVideoTag(r io.Reader) (*VideoPacket, error) {
	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(r, &video); err != nil {
		return nil, fmt.Errorf("video packet: %w", err)
	}
	return videoPacket(&video)
}

func videoPacket(video *flvtag.VideoData) (*VideoPacket, error) {
	if video.CodecID != flvtag.CodecIDAVC {
		return nil, fmt.Errorf("not H.264/AVC codec: %d", video.CodecID)
	}
	data, err := io.ReadAll(video.Data)
	if err != nil {
		return nil, err
	}
	return &VideoPacket{
		Keyframe:        video.FrameType == flvtag.FrameTypeKeyFrame,
		SequenceHeader:  video.AVCPacketType == flvtag.AVCPacketTypeSequenceHeader,
		CompositionTime: int32(video.CompositionTime),
		Data:            data,
	}, nil
}

// AudioPacket is a parsed FLV audio tag body
type AudioPacket struct {
	SequenceHeader bool
	Data           []byte // AudioSpecificConfig or raw AAC
}

// ParseAudioTag reads an FLV audio tag body carrying AAC
func ParseAudioTag(r io.Reader) (*AudioPacket, error) {
	var audio flvtag.AudioData
	if err := flvtag.DecodeAudioData(r, &audio); err != nil {
		return nil, fmt.Errorf("audio packet: %w", err)
	}
	return audioPacket(&audio)
}

func audioPacket(audio *flvtag.AudioData) (*AudioPacket, error) {
	if audio.SoundFormat != flvtag.SoundFormatAAC {
		return nil, fmt.Errorf("not AAC sound format: %d", audio.SoundFormat)
	}
	data, err := io.ReadAll(audio.Data)
	if err != nil {
		return nil, err
	}
	return &AudioPacket{
		SequenceHeader: audio.AACPacketType == flvtag.AACPacketTypeSequenceHeader,
		Data:           data,
	}, nil
}
