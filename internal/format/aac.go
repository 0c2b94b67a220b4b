package format

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/q191201771/naza/pkg/nazabits"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSHeader holds the fixed and variable fields of one ADTS header.
type ADTSHeader struct {
	ObjectType      mpeg4audio.ObjectType
	SampleRateIndex uint8
	SampleRate      int
	ChannelConfig   uint8
	FrameLength     int
	HeaderLength    int
}

// AudioConfig is the decode configuration of an AAC elementary stream.
type AudioConfig struct {
	ObjectType   mpeg4audio.ObjectType
	SampleRate   int
	ChannelCount int
	// AudioSpecificConfig is the two-byte ASC equivalent of the ADTS header.
	AudioSpecificConfig []byte
}

// AACFrame represents a single AAC audio frame parsed from ADTS.
type AACFrame struct {
	Header ADTSHeader
	Data   []byte // complete ADTS frame (header + payload)
}

// ParseADTSHeader decodes the 7-byte ADTS header at the start of b.
//
//	syncword                 [12b] 0xFFF
//	ID, layer                [3b]
//	protection_absent        [1b]
//	profile                  [2b] object type - 1
//	sampling_frequency_index [4b]
//	private_bit              [1b]
//	channel_configuration    [3b]
//	original, home, copyright id bit, copyright id start [4b]
//	aac_frame_length         [13b]
func ParseADTSHeader(b []byte) (ADTSHeader, error) {
	if len(b) < 7 {
		return ADTSHeader{}, fmt.Errorf("%w: %d bytes", ErrInvalidADTS, len(b))
	}

	br := nazabits.NewBitReader(b)
	sync, _ := br.ReadBits16(12)
	if sync != 0xFFF {
		return ADTSHeader{}, fmt.Errorf("%w: sync 0x%03X", ErrInvalidADTS, sync)
	}
	_ = br.SkipBits(3)
	protectionAbsent, _ := br.ReadBits8(1)
	profile, _ := br.ReadBits8(2)
	sampleRateIdx, _ := br.ReadBits8(4)
	_ = br.SkipBits(1)
	channelCfg, _ := br.ReadBits8(3)
	_ = br.SkipBits(4)
	frameLen, _ := br.ReadBits16(13)

	if int(sampleRateIdx) >= len(aacSampleRates) {
		return ADTSHeader{}, fmt.Errorf("%w: sampling frequency index %d", ErrInvalidADTS, sampleRateIdx)
	}

	h := ADTSHeader{
		ObjectType:      mpeg4audio.ObjectType(profile + 1),
		SampleRateIndex: sampleRateIdx,
		SampleRate:      aacSampleRates[sampleRateIdx],
		ChannelConfig:   channelCfg,
		FrameLength:     int(frameLen),
		HeaderLength:    7,
	}
	if protectionAbsent == 0 {
		h.HeaderLength = 9
	}
	return h, nil
}

// ChannelCount maps the channel configuration to a channel count. Zero means
// the layout is carried in-band and cannot be derived from the header.
func (h ADTSHeader) ChannelCount() int {
	if h.ChannelConfig == 7 {
		return 8
	}
	return int(h.ChannelConfig)
}

// AudioSpecificConfig packs the header's object type, sample rate index and
// channel configuration into a two-byte AudioSpecificConfig.
func (h ADTSHeader) AudioSpecificConfig() []byte {
	asc := make([]byte, 2)
	bw := nazabits.NewBitWriter(asc)
	bw.WriteBits8(5, uint8(h.ObjectType))
	bw.WriteBits8(4, h.SampleRateIndex)
	bw.WriteBits8(4, h.ChannelConfig)
	return asc
}

// ParseADTS parses an ADTS byte stream into individual AAC frames.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < 7 {
			break // not enough for ADTS header
		}

		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		h, err := ParseADTSHeader(data[offset:])
		if err != nil {
			return frames, err
		}

		if h.FrameLength < h.HeaderLength || offset+h.FrameLength > len(data) {
			break // truncated
		}

		frames = append(frames, AACFrame{
			Header: h,
			Data:   data[offset : offset+h.FrameLength],
		})

		offset += h.FrameLength
	}

	return frames, nil
}

// deriveAAC builds an audio configuration from the first ADTS header found in au.
func deriveAAC(au []byte) (*Description, error) {
	offset := 0
	for offset+1 < len(au) && (au[offset] != 0xFF || au[offset+1]&0xF0 != 0xF0) {
		offset++
	}

	h, err := ParseADTSHeader(au[offset:])
	if err != nil {
		return nil, err
	}
	if h.ChannelCount() == 0 {
		return nil, fmt.Errorf("%w: channel configuration 0", ErrInvalidADTS)
	}

	return &Description{
		Codec: CodecAAC,
		Audio: &AudioConfig{
			ObjectType:          h.ObjectType,
			SampleRate:          h.SampleRate,
			ChannelCount:        h.ChannelCount(),
			AudioSpecificConfig: h.AudioSpecificConfig(),
		},
	}, nil
}
