package format

import (
	"fmt"
	"strings"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// IsH265Keyframe reports whether an Annex B access unit contains an IRAP
// picture (IDR or CRA).
func IsH265Keyframe(au []byte) bool {
	for _, nalu := range ParseAnnexBHEVC(au) {
		switch h265.NALUType(nalu.Type) {
		case h265.NALUType_IDR_W_RADL, h265.NALUType_IDR_N_LP, h265.NALUType_CRA_NUT:
			return true
		}
	}
	return false
}

func deriveH265(au []byte) (*Description, error) {
	var vps, sps, pps []byte
	for _, nalu := range ParseAnnexBHEVC(au) {
		switch h265.NALUType(nalu.Type) {
		case h265.NALUType_VPS_NUT:
			if vps == nil {
				vps = nalu.Data
			}
		case h265.NALUType_SPS_NUT:
			if sps == nil {
				sps = nalu.Data
			}
		case h265.NALUType_PPS_NUT:
			if pps == nil {
				pps = nalu.Data
			}
		}
	}
	if vps == nil || sps == nil || pps == nil {
		return nil, fmt.Errorf("h265: %w", ErrNoParameterSets)
	}

	var info h265.SPS
	if err := info.Unmarshal(sps); err != nil {
		return nil, fmt.Errorf("h265: SPS: %w", err)
	}

	codec, profile, level, err := hevcCodecString(sps)
	if err != nil {
		return nil, err
	}

	return &Description{
		Codec: CodecH265,
		Video: &VideoConfig{
			Width:       info.Width(),
			Height:      info.Height(),
			ProfileIDC:  profile,
			LevelIDC:    level,
			codecString: codec,
			VPS:         clone(vps),
			SPS:         clone(sps),
			PPS:         clone(pps),
		},
	}, nil
}

// hevcCodecString builds the RFC 6381 codec string from the
// profile_tier_level structure at the start of the SPS RBSP.
//
//	[0-1]  NAL header
//	[2]    sps_video_parameter_set_id(4) + max_sub_layers_minus1(3) + temporal_id_nesting(1)
//	[3]    general_profile_space(2) + general_tier_flag(1) + general_profile_idc(5)
//	[4-7]  general_profile_compatibility_flags
//	[8-13] general constraint indicator flags
//	[14]   general_level_idc
func hevcCodecString(sps []byte) (string, uint8, uint8, error) {
	rbsp := h264.EmulationPreventionRemove(sps)
	if len(rbsp) < 15 {
		return "", 0, 0, fmt.Errorf("h265: SPS too short (%d bytes)", len(rbsp))
	}

	profileSpace := rbsp[3] >> 6
	tierFlag := rbsp[3] >> 5 & 0x01
	profileIDC := rbsp[3] & 0x1F
	compat := uint32(rbsp[4])<<24 | uint32(rbsp[5])<<16 | uint32(rbsp[6])<<8 | uint32(rbsp[7])
	levelIDC := rbsp[14]

	// Compatibility flags are written bit-reversed.
	var reversed uint32
	for i := 0; i < 32; i++ {
		if compat&(1<<uint(i)) != 0 {
			reversed |= 1 << uint(31-i)
		}
	}

	var b strings.Builder
	b.WriteString("hvc1.")
	if profileSpace > 0 {
		b.WriteByte("ABC"[profileSpace-1])
	}
	fmt.Fprintf(&b, "%d.%X.", profileIDC, reversed)
	if tierFlag == 1 {
		b.WriteByte('H')
	} else {
		b.WriteByte('L')
	}
	fmt.Fprintf(&b, "%d", levelIDC)

	// Trailing zero constraint bytes are omitted.
	constraints := rbsp[8:14]
	last := len(constraints)
	for last > 0 && constraints[last-1] == 0 {
		last--
	}
	for _, c := range constraints[:last] {
		fmt.Fprintf(&b, ".%X", c)
	}

	return b.String(), profileIDC, levelIDC, nil
}
