// Package flv packages H.264 and AAC elementary streams into FLV tag bodies,
// the payload format carried by RTMP audio/video messages and .flv files.
package flv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// H.264 NAL unit types
const (
	NALUnitTypeSlice = 1
	NALUnitTypeIDR   = 5
	NALUnitTypeSEI   = 6
	NALUnitTypeSPS   = 7
	NALUnitTypePPS   = 8
	NALUnitTypeAUD   = 9
)

// AnnexB start codes
var (
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	StartCode3 = []byte{0x00, 0x00, 0x01}
)

// NALType returns the type of a NAL unit (lower 5 bits of the header byte)
func NALType(nal []byte) uint8 {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

// SplitAnnexB returns the NAL units of an Annex-B byte stream without their start codes.
// Trailing zero bytes belonging to a following 4-byte start code are trimmed.
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	start := -1
	i := 0
	for i+3 <= len(data) {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if start >= 0 {
				nalus = appendNAL(nalus, data[start:i])
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 && start < len(data) {
		nalus = appendNAL(nalus, data[start:])
	}
	return nalus
}

func appendNAL(nalus [][]byte, nal []byte) [][]byte {
	for len(nal) > 0 && nal[len(nal)-1] == 0 {
		nal = nal[:len(nal)-1]
	}
	if len(nal) == 0 {
		return nalus
	}
	return append(nalus, nal)
}

// AnnexBToAVCC converts start-code-prefixed NAL units into 4-byte length-prefixed ones
// (the layout used by FLV/MP4). Parameter sets and access unit delimiters are skipped
// since FLV carries them in the sequence header.
func AnnexBToAVCC(data []byte) ([]byte, error) {
	nalus := SplitAnnexB(data)
	if len(nalus) == 0 {
		return nil, errors.New("no NAL units found in Annex-B data")
	}

	var out bytes.Buffer
	var size [4]byte
	for _, nal := range nalus {
		switch NALType(nal) {
		case NALUnitTypeSPS, NALUnitTypePPS, NALUnitTypeAUD:
			continue
		}
		binary.BigEndian.PutUint32(size[:], uint32(len(nal)))
		out.Write(size[:])
		out.Write(nal)
	}
	if out.Len() == 0 {
		return nil, errors.New("no picture NAL units in Annex-B data")
	}
	return out.Bytes(), nil
}

// AVCCToAnnexB converts length-prefixed NAL units (lengthSize bytes each) to Annex-B.
func AVCCToAnnexB(data []byte, lengthSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty AVCC data")
	}
	if lengthSize < 1 || lengthSize > 4 {
		return nil, fmt.Errorf("invalid NAL length size %d", lengthSize)
	}

	var annexB bytes.Buffer
	offset := 0
	for offset+lengthSize <= len(data) {
		var nalSize int
		for i := 0; i < lengthSize; i++ {
			nalSize = nalSize<<8 | int(data[offset+i])
		}
		offset += lengthSize

		if nalSize == 0 {
			continue
		}
		if offset+nalSize > len(data) {
			return nil, fmt.Errorf("invalid NAL size %d at offset %d (exceeds buffer)", nalSize, offset-lengthSize)
		}

		annexB.Write(StartCode4)
		annexB.Write(data[offset : offset+nalSize])
		offset += nalSize
	}

	if annexB.Len() == 0 {
		return nil, errors.New("no NAL units found in AVCC data")
	}
	return annexB.Bytes(), nil
}

// DecoderConfig is the AVCDecoderConfigurationRecord carried by the AVC sequence header
type DecoderConfig struct {
	ConfigurationVersion uint8
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	NALUnitLength        uint8
	SPS                  [][]byte // Sequence Parameter Sets
	PPS                  [][]byte // Picture Parameter Sets
}

// NewDecoderConfig builds a record from parameter sets; profile and level come from the first SPS
func NewDecoderConfig(sps, pps [][]byte) (*DecoderConfig, error) {
	if len(sps) == 0 || len(pps) == 0 {
		return nil, errors.New("decoder config needs at least one SPS and one PPS")
	}
	if len(sps[0]) < 4 {
		return nil, fmt.Errorf("SPS too short: %d bytes", len(sps[0]))
	}
	return &DecoderConfig{
		ConfigurationVersion: 1,
		AVCProfileIndication: sps[0][1],
		ProfileCompatibility: sps[0][2],
		AVCLevelIndication:   sps[0][3],
		NALUnitLength:        4,
		SPS:                  sps,
		PPS:                  pps,
	}, nil
}

// DecoderConfigFromAnnexB extracts SPS/PPS from an Annex-B buffer and builds the record
func DecoderConfigFromAnnexB(data []byte) (*DecoderConfig, error) {
	var sps, pps [][]byte
	for _, nal := range SplitAnnexB(data) {
		switch NALType(nal) {
		case NALUnitTypeSPS:
			sps = append(sps, nal)
		case NALUnitTypePPS:
			pps = append(pps, nal)
		}
	}
	return NewDecoderConfig(sps, pps)
}

// Marshal encodes the record
func (r *DecoderConfig) Marshal() []byte {
	var buf bytes.Buffer
	buf.WriteByte(r.ConfigurationVersion)
	buf.WriteByte(r.AVCProfileIndication)
	buf.WriteByte(r.ProfileCompatibility)
	buf.WriteByte(r.AVCLevelIndication)
	buf.WriteByte(0xFC | ((r.NALUnitLength - 1) & 0x03))
	buf.WriteByte(0xE0 | uint8(len(r.SPS)&0x1F))
	for _, s := range r.SPS {
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(s)))
		buf.Write(s)
	}
	buf.WriteByte(uint8(len(r.PPS)))
	for _, p := range r.PPS {
		_ = binary.Write(&buf, binary.BigEndian, uint16(len(p)))
		buf.Write(p)
	}
	return buf.Bytes()
}

// AnnexB renders the parameter sets as an Annex-B buffer
func (r *DecoderConfig) AnnexB() []byte {
	var buf bytes.Buffer
	for _, s := range r.SPS {
		buf.Write(StartCode4)
		buf.Write(s)
	}
	for _, p := range r.PPS {
		buf.Write(StartCode4)
		buf.Write(p)
	}
	return buf.Bytes()
}

// ParseDecoderConfig parses an AVCDecoderConfigurationRecord
func ParseDecoderConfig(data []byte) (*DecoderConfig, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("data too short for AVCDecoderConfigurationRecord: %d bytes", len(data))
	}

	record := &DecoderConfig{
		ConfigurationVersion: data[0],
		AVCProfileIndication: data[1],
		ProfileCompatibility: data[2],
		AVCLevelIndication:   data[3],
		NALUnitLength:        (data[4] & 0x03) + 1,
	}

	r := bytes.NewReader(data[5:])
	readSets := func(count int, what string) ([][]byte, error) {
		sets := make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			var length uint16
			if err := binary.Read(r, binary.BigEndian, &length); err != nil {
				return nil, fmt.Errorf("failed to read %s length: %w", what, err)
			}
			set := make([]byte, length)
			if n, err := r.Read(set); err != nil || n != int(length) {
				return nil, fmt.Errorf("failed to read %s data: short read", what)
			}
			sets = append(sets, set)
		}
		return sets, nil
	}

	numSPS, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if record.SPS, err = readSets(int(numSPS&0x1F), "SPS"); err != nil {
		return nil, err
	}

	numPPS, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if record.PPS, err = readSets(int(numPPS), "PPS"); err != nil {
		return nil, err
	}

	return record, nil
}
