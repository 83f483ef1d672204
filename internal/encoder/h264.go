package encoder

import (
	"errors"
	"fmt"
	"math/bits"

	"livecast/internal/flv"
	"livecast/pkg/models"
)

// VideoEncoder turns raw I420 pictures into H.264 access units (Annex-B)
type VideoEncoder interface {
	// Header returns the codec configuration: SPS and PPS in Annex-B form
	Header() []byte
	// Encode compresses pic toward bitrate. forceKey requests an IDR; the
	// encoder may also place one on its own and reports it in keyframe.
	Encode(pic *models.RawFrame, bitrate int, forceKey bool) (payload []byte, keyframe bool, err error)
	Close() error
}

// AudioEncoder turns PCM blocks into raw AAC frames
type AudioEncoder interface {
	// Header returns the AudioSpecificConfig
	Header() []byte
	Encode(pcm *models.RawFrame) ([]byte, error)
	Close() error
}

var errEncoderClosed = errors.New("encoder closed")

// SyntheticH264 emits a conformant Baseline SPS/PPS and correctly framed slices
// whose sizes follow the target bitrate. The slice data carries no decodable
// macroblocks; it exists to exercise endpoints and the transport at real rates.
type SyntheticH264 struct {
	width, height int
	frameRate     int
	gop           int

	sps, pps []byte
	frame    int
	idrID    uint
	closed   bool
}

// NewSyntheticH264 sets up an encoder for the configured resolution
func NewSyntheticH264(cfg models.StreamConfig) (*SyntheticH264, error) {
	if cfg.Width < 16 || cfg.Height < 16 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("unsupported resolution %s", cfg.Resolution())
	}
	if cfg.Width > 8192 || cfg.Height > 8192 {
		return nil, fmt.Errorf("resolution %s exceeds encoder limits", cfg.Resolution())
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %d", cfg.FrameRate)
	}

	e := &SyntheticH264{
		width:     cfg.Width,
		height:    cfg.Height,
		frameRate: cfg.FrameRate,
		gop:       cfg.FrameRate * 2,
	}
	e.sps = nal(0x67, e.buildSPS())
	e.pps = nal(0x68, buildPPS())
	return e, nil
}

func (e *SyntheticH264) Header() []byte {
	out := make([]byte, 0, len(e.sps)+len(e.pps)+8)
	out = append(out, flv.StartCode4...)
	out = append(out, e.sps...)
	out = append(out, flv.StartCode4...)
	out = append(out, e.pps...)
	return out
}

func (e *SyntheticH264) Encode(pic *models.RawFrame, bitrate int, forceKey bool) ([]byte, bool, error) {
	if e.closed {
		return nil, false, errEncoderClosed
	}
	if pic.Width != e.width || pic.Height != e.height {
		return nil, false, fmt.Errorf("picture is %dx%d, encoder expects %dx%d", pic.Width, pic.Height, e.width, e.height)
	}

	key := forceKey || e.frame%e.gop == 0
	if key {
		e.frame = 0
	}
	frameNum := uint64(e.frame % 16)
	e.frame++

	perFrame := bitrate / 8 / e.frameRate
	size := perFrame * (e.gop - 3) / (e.gop - 1)
	if e.gop <= 3 {
		size = perFrame
	}
	if key {
		size = perFrame * 3
	}
	if size < 32 {
		size = 32
	}

	var w bitWriter
	w.ue(0) // first_mb_in_slice
	if key {
		w.ue(7) // I, all slices
	} else {
		w.ue(5) // P, all slices
	}
	w.ue(0) // pps id
	w.bits(frameNum, 4)
	if key {
		w.ue(e.idrID % 65536)
		e.idrID++
		w.bit(0) // no_output_of_prior_pics
		w.bit(0) // long_term_reference
	} else {
		w.bit(0) // num_ref_idx_active_override
		w.bit(0) // ref_pic_list_modification_l0
		w.bit(0) // adaptive_ref_pic_marking_mode
	}
	w.se(0) // slice_qp_delta
	w.ue(0) // disable_deblocking_filter_idc
	w.se(0) // alpha
	w.se(0) // beta
	w.align()

	slice := w.bytes()
	slice = append(slice, texture(pic, size, e.idrID)...)

	var out []byte
	if key {
		out = append(out, e.Header()...)
	}
	out = append(out, flv.StartCode4...)
	if key {
		out = append(out, nal(0x65, slice)...)
	} else {
		out = append(out, nal(0x41, slice)...)
	}
	return out, key, nil
}

func (e *SyntheticH264) Close() error {
	e.closed = true
	return nil
}

func (e *SyntheticH264) buildSPS() []byte {
	mbW := (e.width + 15) / 16
	mbH := (e.height + 15) / 16

	var w bitWriter
	w.bits(66, 8)   // Baseline
	w.bits(0xC0, 8) // constraint_set0 and set1
	w.bits(uint64(level(mbW*mbH*e.frameRate)), 8)
	w.ue(0) // sps id
	w.ue(0) // log2_max_frame_num_minus4
	w.ue(2) // pic_order_cnt_type
	w.ue(1) // max_num_ref_frames
	w.bit(0)
	w.ue(uint(mbW - 1))
	w.ue(uint(mbH - 1))
	w.bit(1) // frame_mbs_only
	w.bit(1) // direct_8x8_inference
	cropR := (mbW*16 - e.width) / 2
	cropB := (mbH*16 - e.height) / 2
	if cropR > 0 || cropB > 0 {
		w.bit(1)
		w.ue(0)
		w.ue(uint(cropR))
		w.ue(0)
		w.ue(uint(cropB))
	} else {
		w.bit(0)
	}
	w.bit(0) // no VUI
	w.trailing()
	return w.bytes()
}

func buildPPS() []byte {
	var w bitWriter
	w.ue(0)      // pps id
	w.ue(0)      // sps id
	w.bit(0)     // CAVLC
	w.bit(0)     // bottom_field_pic_order_in_frame_present
	w.ue(0)      // num_slice_groups_minus1
	w.ue(0)      // num_ref_idx_l0_default_active_minus1
	w.ue(0)      // num_ref_idx_l1_default_active_minus1
	w.bit(0)     // weighted_pred
	w.bits(0, 2) // weighted_bipred_idc
	w.se(0)      // pic_init_qp_minus26
	w.se(0)      // pic_init_qs_minus26
	w.se(0)      // chroma_qp_index_offset
	w.bit(1)     // deblocking_filter_control_present
	w.bit(0)     // constrained_intra_pred
	w.bit(0)     // redundant_pic_cnt_present
	w.trailing()
	return w.bytes()
}

// level picks the lowest H.264 level whose macroblock rate covers mbps
func level(mbps int) int {
	switch {
	case mbps <= 40500:
		return 30
	case mbps <= 108000:
		return 31
	case mbps <= 216000:
		return 32
	case mbps <= 245760:
		return 40
	case mbps <= 522240:
		return 42
	case mbps <= 589824:
		return 50
	default:
		return 51
	}
}

// texture derives size non-zero bytes from the picture so that zoom and motion
// show up in the payload
func texture(pic *models.RawFrame, size int, salt uint) []byte {
	out := make([]byte, size)
	luma := pic.Data
	if n := pic.Width * pic.Height; n > 0 && n <= len(luma) {
		luma = luma[:n]
	}
	if len(luma) == 0 {
		luma = []byte{0x5A}
	}
	stride := len(luma)/size + 1
	for i := range out {
		out[i] = (luma[(i*stride)%len(luma)] ^ byte(i) ^ byte(salt)) | 0x01
	}
	return out
}

// nal prefixes the header byte and applies emulation prevention
func nal(header byte, rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+len(rbsp)/64+1)
	out = append(out, header)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// bitWriter writes the MSB-first fields of H.264 parameter sets and slice headers
type bitWriter struct {
	buf []byte
	cur byte
	n   uint8
}

func (w *bitWriter) bit(b uint) {
	w.cur = w.cur<<1 | byte(b&1)
	w.n++
	if w.n == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.n = 0, 0
	}
}

func (w *bitWriter) bits(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit(uint(v>>uint(i)) & 1)
	}
}

// ue writes an unsigned Exp-Golomb code
func (w *bitWriter) ue(v uint) {
	x := uint64(v) + 1
	n := bits.Len64(x)
	w.bits(0, n-1)
	w.bits(x, n)
}

// se writes a signed Exp-Golomb code
func (w *bitWriter) se(v int) {
	if v > 0 {
		w.ue(uint(2*v - 1))
	} else {
		w.ue(uint(-2 * v))
	}
}

func (w *bitWriter) trailing() {
	w.bit(1)
	w.align()
}

func (w *bitWriter) align() {
	for w.n != 0 {
		w.bit(0)
	}
}

func (w *bitWriter) bytes() []byte {
	return w.buf
}
