package format

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// VideoConfig is the decode configuration of an H.264 or H.265 stream.
type VideoConfig struct {
	Width       int
	Height      int
	ProfileIDC  uint8
	LevelIDC    uint8
	codecString string

	// Parameter sets without start codes. VPS is only set for H.265.
	VPS []byte
	SPS []byte
	PPS []byte
}

// CodecString returns the RFC 6381 codec parameter string
// (e.g. "avc1.64001F" or "hvc1.1.6.L120.B0").
func (v *VideoConfig) CodecString() string {
	return v.codecString
}

// IsH264Keyframe reports whether an Annex B access unit contains an IDR slice.
func IsH264Keyframe(au []byte) bool {
	for _, nalu := range ParseAnnexB(au) {
		if h264.NALUType(nalu.Type) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

func deriveH264(au []byte) (*Description, error) {
	var sps, pps []byte
	for _, nalu := range ParseAnnexB(au) {
		switch h264.NALUType(nalu.Type) {
		case h264.NALUTypeSPS:
			if sps == nil {
				sps = nalu.Data
			}
		case h264.NALUTypePPS:
			if pps == nil {
				pps = nalu.Data
			}
		}
	}
	if sps == nil || pps == nil {
		return nil, fmt.Errorf("h264: %w", ErrNoParameterSets)
	}
	if len(sps) < 4 {
		return nil, fmt.Errorf("h264: SPS too short (%d bytes)", len(sps))
	}

	var info h264.SPS
	if err := info.Unmarshal(sps); err != nil {
		return nil, fmt.Errorf("h264: SPS: %w", err)
	}

	return &Description{
		Codec: CodecH264,
		Video: &VideoConfig{
			Width:       info.Width(),
			Height:      info.Height(),
			ProfileIDC:  sps[1],
			LevelIDC:    sps[3],
			codecString: fmt.Sprintf("avc1.%02X%02X%02X", sps[1], sps[2], sps[3]),
			SPS:         clone(sps),
			PPS:         clone(pps),
		},
	}, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
