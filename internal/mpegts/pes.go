package mpegts

import (
	"errors"
	"fmt"
)

var (
	errPESNeedMore   = errors.New("PES header incomplete")
	errPESStartCode  = errors.New("invalid PES start code")
	errPESHeaderSize = errors.New("PES header overruns declared packet length")
)

// hasOptionalHeader reports whether a stream_id carries the optional PES
// header. padding_stream (0xBE), private_stream_2 (0xBF), ECM (0xF0),
// EMM (0xF1), DSMCC (0xF2), H.222.1 type E (0xF8) and the program stream
// directory (0xFF) do not.
func hasOptionalHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// parsePESHeader parses the framing header at the start of an access unit.
// It returns the header and the offset of the elementary stream data, or
// errPESNeedMore if b does not yet hold the whole header.
func parsePESHeader(b []byte) (*PESHeader, int, error) {
	for i, want := range [3]byte{0x00, 0x00, 0x01} {
		if i < len(b) && b[i] != want {
			return nil, 0, errPESStartCode
		}
	}
	if len(b) < 6 {
		return nil, 0, errPESNeedMore
	}

	h := &PESHeader{
		StreamID:     b[3],
		PacketLength: int(b[4])<<8 | int(b[5]),
	}

	if !hasOptionalHeader(h.StreamID) {
		return h, 6, nil
	}

	// b[6]: marker(2) + scrambling(2) + priority(1) + alignment(1) + copyright(1) + original(1)
	// b[7]: PTS_DTS_indicator(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// b[8]: PES_header_data_length
	if len(b) < 9 {
		return nil, 0, errPESNeedMore
	}
	oh := &PESOptionalHeader{
		DataAlignmentIndicator: b[6]&0x04 != 0,
		HeaderDataLength:       int(b[8]),
	}
	dataStart := 9 + oh.HeaderDataLength
	if h.PacketLength > 0 && dataStart > 6+h.PacketLength {
		return nil, 0, fmt.Errorf("mpegts: stream 0x%02X: %w", h.StreamID, errPESHeaderSize)
	}
	if len(b) < dataStart {
		return nil, 0, errPESNeedMore
	}

	fields := b[9:dataStart]
	switch b[7] >> 6 & 0x03 {
	case 2: // PTS only
		oh.PTS = parsePTSOrDTS(fields)
	case 3: // PTS + DTS
		oh.PTS = parsePTSOrDTS(fields)
		if len(fields) >= 10 {
			oh.DTS = parsePTSOrDTS(fields[5:])
		}
	}

	h.OptionalHeader = oh
	return h, dataStart, nil
}

// parsePTSOrDTS extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parsePTSOrDTS(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}
