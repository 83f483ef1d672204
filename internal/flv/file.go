package flv

import (
	"errors"
	"fmt"
	"io"

	goflv "github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
)

// NewFileWriter writes the FLV file header for an audio and video file to w
// and returns the encoder for its tags
func NewFileWriter(w io.Writer) (*goflv.Encoder, error) {
	return goflv.NewEncoder(w, goflv.FlagsAudio|goflv.FlagsVideo)
}

// Tag is one tag read back from an FLV file. Video or Audio is set for media
// tags.
type Tag struct {
	Type      flvtag.TagType
	Timestamp uint32
	Video     *VideoPacket
	Audio     *AudioPacket
}

// ReadTags parses a complete FLV file
func ReadTags(r io.Reader) ([]Tag, error) {
	dec, err := goflv.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("not an FLV file: %w", err)
	}

	var tags []Tag
	for {
		var ft flvtag.FlvTag
		if err := dec.Decode(&ft); err != nil {
			if errors.Is(err, io.EOF) {
				return tags, nil
			}
			return nil, fmt.Errorf("tag %d: %w", len(tags), err)
		}

		tag := Tag{Type: ft.TagType, Timestamp: ft.Timestamp}
		switch d := ft.Data.(type) {
		case *flvtag.VideoData:
			tag.Video, err = videoPacket(d)
		case *flvtag.AudioData:
			tag.Audio, err = audioPacket(d)
		}
		if err != nil {
			return nil, fmt.Errorf("tag %d: %w", len(tags), err)
		}
		tags = append(tags, tag)
	}
}
