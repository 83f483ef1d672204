package models

// Track identifies the media kind carried by a frame
type Track uint8

const (
	TrackVideo Track = iota + 1
	TrackAudio
)

func (t Track) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	}
	return "unknown"
}

// Drop reasons. Every discarded frame is counted under one of these.
const (
	DropQueueFull       = "queue_full"       // transport send buffer at capacity, oldest evicted
	DropCaptureOverflow = "capture_overflow" // raw frame arrived while the encoder was behind
	DropLinkError       = "link_error"       // frame in flight when the link failed
	DropTeardown        = "teardown"         // left in the queue after the drain deadline
	DropRecorder        = "recorder_full"    // recording tap could not keep up
	DropRecorderClosed  = "recorder_closed"  // tapped after the recording finished
	DropMalformed       = "malformed"        // link could not package the frame
)

// Frame is one encoded access unit. It has a single owner at any time:
// the encoder until it is written to the transport, the transport afterwards.
type Frame struct {
	Track     Track   // Video or audio
	Seq       uint64  // Per-session sequence number, assigned by the encoder
	Timestamp uint32  // Presentation time in milliseconds on the session clock
	Payload   []byte  // Annex-B NAL units (H.264) or raw AAC; codec configuration when Config is set
	Codec     string  // "h264", "aac"
	Keyframe  bool    // IDR frame (video only)
	Config    bool    // Payload is codec configuration (SPS/PPS or AudioSpecificConfig)
	Zoom      float64 // Zoom ratio applied to the picture (video only)
}

// Size returns the payload length in bytes
func (f *Frame) Size() int { return len(f.Payload) }

// RawFrame is an uncompressed picture (I420) or PCM block (s16le interleaved) from a capture source
type RawFrame struct {
	Track    Track
	Data     []byte
	Width    int   // Picture width (video only)
	Height   int   // Picture height (video only)
	Samples  int   // Samples per channel (audio only)
	Captured int64 // Capture time, nanoseconds on the session clock
}
