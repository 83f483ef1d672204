package flv

import "fmt"

// AAC object types
const (
	AACObjectLC = 2
)

var aacSampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

// AudioSpecificConfig builds the 2-byte AAC-LC configuration for sampleRate and channels
func AudioSpecificConfig(sampleRate, channels int) ([]byte, error) {
	index := -1
	for i, rate := range aacSampleRates {
		if rate == sampleRate {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("unsupported AAC sample rate %d", sampleRate)
	}
	if channels < 1 || channels > 7 {
		return nil, fmt.Errorf("unsupported AAC channel count %d", channels)
	}

	// objectType(5) | frequencyIndex(4) | channelConfig(4) | 3 flag bits
	v := uint16(AACObjectLC)<<11 | uint16(index)<<7 | uint16(channels)<<3
	return []byte{byte(v >> 8), byte(v)}, nil
}

// ParseAudioSpecificConfig returns the sample rate and channel count of a 2-byte AAC config
func ParseAudioSpecificConfig(asc []byte) (sampleRate, channels int, err error) {
	if len(asc) < 2 {
		return 0, 0, fmt.Errorf("AudioSpecificConfig too short: %d bytes", len(asc))
	}
	v := uint16(asc[0])<<8 | uint16(asc[1])
	index := int(v>>7) & 0x0F
	if index >= len(aacSampleRates) {
		return 0, 0, fmt.Errorf("invalid AAC frequency index %d", index)
	}
	return aacSampleRates[index], int(v>>3) & 0x0F, nil
}
