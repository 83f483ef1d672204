package recorder

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"

	"livecast/internal/flv"
	"livecast/pkg/models"
)

// Frame timestamps are milliseconds, so both tracks use a millisecond timescale
const fmp4Timescale = 1000

// fmp4Part is a self-contained fragmented MP4 file: an init segment followed by
// a single fragment holding every sample of the part
type fmp4Part struct {
	init   *mp4.InitSegment
	tracks []*fmp4Track
}

type fmp4Track struct {
	id         uint32
	kind       models.Track
	defaultDur uint32
	samples    []mp4.FullSample
}

func openFMP4Part(videoCfg, audioCfg *models.Frame) (part, error) {
	if videoCfg == nil {
		return nil, errors.New("fmp4: no video configuration yet")
	}
	rec, err := flv.DecoderConfigFromAnnexB(videoCfg.Payload)
	if err != nil {
		return nil, fmt.Errorf("fmp4: %w", err)
	}

	p := &fmp4Part{init: mp4.CreateEmptyInit()}
	p.init.AddEmptyTrack(fmp4Timescale, "video", "und")
	if err := p.init.Moov.Traks[0].SetAVCDescriptor("avc1", rec.SPS, rec.PPS, true); err != nil {
		return nil, fmt.Errorf("fmp4: avc1 sample entry: %w", err)
	}
	p.tracks = append(p.tracks, &fmp4Track{id: 1, kind: models.TrackVideo, defaultDur: 33})

	if audioCfg != nil {
		rate, _, err := flv.ParseAudioSpecificConfig(audioCfg.Payload)
		if err != nil {
			return nil, fmt.Errorf("fmp4: %w", err)
		}
		p.init.AddEmptyTrack(fmp4Timescale, "audio", "und")
		if err := p.init.Moov.Traks[1].SetAACDescriptor(aac.AAClc, rate); err != nil {
			return nil, fmt.Errorf("fmp4: mp4a sample entry: %w", err)
		}
		// 1024 samples per AAC frame
		dur := uint32(1024 * fmp4Timescale / rate)
		p.tracks = append(p.tracks, &fmp4Track{id: 2, kind: models.TrackAudio, defaultDur: dur})
	}
	return p, nil
}

func (p *fmp4Part) track(kind models.Track) *fmp4Track {
	for _, t := range p.tracks {
		if t.kind == kind {
			return t
		}
	}
	return nil
}

func (p *fmp4Part) write(f *models.Frame, ts uint32) error {
	t := p.track(f.Track)
	if t == nil {
		return fmt.Errorf("fmp4: no %s track in this part", f.Track)
	}

	data := f.Payload
	var flags uint32 = mp4.SyncSampleFlags
	if f.Track == models.TrackVideo {
		avcc, err := flv.AnnexBToAVCC(f.Payload)
		if err != nil {
			return err
		}
		data = avcc
		if !f.Keyframe {
			flags = mp4.NonSyncSampleFlags
		}
	}
	if len(data) == 0 {
		return errors.New("fmp4: empty sample")
	}

	// decode times never go backwards within a track
	decodeTime := uint64(ts)
	if n := len(t.samples); n > 0 && decodeTime < t.samples[n-1].DecodeTime {
		decodeTime = t.samples[n-1].DecodeTime
	}
	t.samples = append(t.samples, mp4.FullSample{
		Sample:     mp4.Sample{Flags: flags, Size: uint32(len(data))},
		DecodeTime: decodeTime,
		Data:       data,
	})
	return nil
}

// bytes sets each sample's duration from the next decode time and encodes the part
func (p *fmp4Part) bytes() ([]byte, error) {
	var ids []uint32
	for _, t := range p.tracks {
		if len(t.samples) == 0 {
			continue
		}
		t.fillDurations()
		ids = append(ids, t.id)
	}
	if len(ids) == 0 {
		return nil, errors.New("fmp4: part has no samples")
	}

	frag, err := mp4.CreateMultiTrackFragment(1, ids)
	if err != nil {
		return nil, err
	}
	for _, t := range p.tracks {
		for _, s := range t.samples {
			if err := frag.AddFullSampleToTrack(s, t.id); err != nil {
				return nil, fmt.Errorf("fmp4: track %d: %w", t.id, err)
			}
		}
	}

	var buf bytes.Buffer
	if err := p.init.Encode(&buf); err != nil {
		return nil, err
	}
	if err := frag.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *fmp4Track) fillDurations() {
	dur := t.defaultDur
	for i := range t.samples {
		if i+1 < len(t.samples) {
			dur = uint32(t.samples[i+1].DecodeTime - t.samples[i].DecodeTime)
		}
		t.samples[i].Dur = dur
	}
}
