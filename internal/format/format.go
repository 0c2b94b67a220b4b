package format

import (
	"errors"
	"fmt"
)

// Stream types with a derivation path (ISO/IEC 13818-1 Table 2-34).
const (
	StreamTypeAAC  = 0x0F // ISO/IEC 13818-7 audio with ADTS transport syntax
	StreamTypeH264 = 0x1B // AVC video, Annex B byte stream
	StreamTypeH265 = 0x24 // HEVC video, Annex B byte stream
)

var (
	// ErrUnsupportedStreamType is returned by Derive for stream types that
	// have no derivation path.
	ErrUnsupportedStreamType = errors.New("unsupported stream type")
	// ErrNoParameterSets is returned when a video access unit lacks the
	// parameter sets needed to configure a decoder.
	ErrNoParameterSets = errors.New("parameter sets not found")
)

// Codec names the media codec of a Description.
type Codec string

// Supported codecs.
const (
	CodecAAC  Codec = "aac"
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
)

// Description is the decode configuration of one elementary stream. Exactly
// one of Audio and Video is set.
type Description struct {
	Codec Codec
	Audio *AudioConfig
	Video *VideoConfig
}

// CodecString returns the RFC 6381 codec parameter string, e.g. "mp4a.40.2".
func (d *Description) CodecString() string {
	switch {
	case d.Video != nil:
		return d.Video.CodecString()
	case d.Audio != nil:
		return fmt.Sprintf("mp4a.40.%d", int(d.Audio.ObjectType))
	}
	return string(d.Codec)
}

// Supported reports whether Derive has a path for streamType.
func Supported(streamType uint8) bool {
	switch streamType {
	case StreamTypeAAC, StreamTypeH264, StreamTypeH265:
		return true
	}
	return false
}

// Derive parses the header bytes of an access unit into a decode
// configuration, selecting the codec by the PMT stream type.
func Derive(streamType uint8, au []byte) (*Description, error) {
	switch streamType {
	case StreamTypeAAC:
		return deriveAAC(au)
	case StreamTypeH264:
		return deriveH264(au)
	case StreamTypeH265:
		return deriveH265(au)
	}
	return nil, fmt.Errorf("%w 0x%02X", ErrUnsupportedStreamType, streamType)
}

// IsKeyframe reports whether au is a random access point for codec. Every
// AAC frame decodes independently.
func IsKeyframe(codec Codec, au []byte) bool {
	switch codec {
	case CodecH264:
		return IsH264Keyframe(au)
	case CodecH265:
		return IsH265Keyframe(au)
	case CodecAAC:
		return true
	}
	return false
}
