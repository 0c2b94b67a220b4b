package mpegts

import (
	"encoding/binary"
)

type patEntry struct{ num, pid uint16 }

type pmtEntry struct {
	streamType  uint8
	pid         uint16
	descriptors []byte
}

// buildPAT constructs a valid PAT section with CRC32.
func buildPAT(tsID uint16, version uint8, programs ...patEntry) []byte {
	sectionLength := 5 + len(programs)*4 + 4

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(tsID >> 8)
	data[4] = byte(tsID)
	data[5] = 0xC1 | (version&0x1F)<<1 // reserved(2) + version(5) + current_next(1)

	offset := 8
	for _, p := range programs {
		data[offset] = byte(p.num >> 8)
		data[offset+1] = byte(p.num)
		data[offset+2] = 0xE0 | byte(p.pid>>8)&0x1F
		data[offset+3] = byte(p.pid)
		offset += 4
	}

	binary.BigEndian.PutUint32(data[offset:], computeCRC32(data[:offset]))
	return data
}

// buildPMT constructs a valid PMT section with CRC32.
func buildPMT(programNum, pcrPID uint16, streams ...pmtEntry) []byte {
	esLen := 0
	for _, s := range streams {
		esLen += 5 + len(s.descriptors)
	}
	sectionLength := 9 + esLen + 4

	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	data[3] = byte(programNum >> 8)
	data[4] = byte(programNum)
	data[5] = 0xC1
	data[8] = 0xE0 | byte(pcrPID>>8)&0x1F
	data[9] = byte(pcrPID)
	data[10] = 0xF0 // program_info_length = 0

	offset := 12
	for _, s := range streams {
		data[offset] = s.streamType
		data[offset+1] = 0xE0 | byte(s.pid>>8)&0x1F
		data[offset+2] = byte(s.pid)
		data[offset+3] = 0xF0 | byte(len(s.descriptors)>>8)&0x0F
		data[offset+4] = byte(len(s.descriptors))
		offset += 5
		offset += copy(data[offset:], s.descriptors)
	}

	binary.BigEndian.PutUint32(data[offset:], computeCRC32(data[:offset]))
	return data
}

// tsPacket builds one 188-byte packet carrying payload. Payloads shorter
// than 184 bytes are padded with adaptation field stuffing.
func tsPacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	if len(payload) > 184 {
		panic("payload exceeds packet")
	}
	buf := make([]byte, PacketSize)
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)

	offset := 4
	if len(payload) < 184 {
		buf[3] = 0x30 | cc&0x0F
		afLen := 183 - len(payload)
		buf[4] = byte(afLen)
		if afLen > 0 {
			buf[5] = 0x00 // no flags
			for i := 6; i < 5+afLen; i++ {
				buf[i] = 0xFF
			}
		}
		offset = 5 + afLen
	} else {
		buf[3] = 0x10 | cc&0x0F
	}
	copy(buf[offset:], payload)
	return buf
}

// psiPackets splits a section into packets, the first carrying a zero
// pointer field.
func psiPackets(pid uint16, section []byte) []byte {
	payload := append([]byte{0x00}, section...)
	var out []byte
	var cc uint8
	for first := true; len(payload) > 0; first = false {
		n := min(184, len(payload))
		chunk := payload[:n]
		if n < 184 {
			// Remaining bytes of a PSI packet are 0xFF stuffing.
			chunk = make([]byte, 184)
			copy(chunk, payload[:n])
			for i := n; i < 184; i++ {
				chunk[i] = 0xFF
			}
		}
		out = append(out, tsPacket(pid, cc, first, chunk)...)
		payload = payload[n:]
		cc++
	}
	return out
}

// encodePTS encodes a 33-bit timestamp into the 5-byte PES layout.
func encodePTS(marker byte, value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = marker<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

// buildPES constructs a PES packet. A negative pts omits timestamps. When
// bounded is false PES_packet_length is written as zero.
func buildPES(streamID byte, pts int64, bounded bool, data []byte) []byte {
	var fields []byte
	flags := byte(0x00)
	if pts >= 0 {
		flags = 0x80
		fields = encodePTS(0x02, pts)
	}

	pes := []byte{0x00, 0x00, 0x01, streamID, 0x00, 0x00, 0x84, flags, byte(len(fields))}
	pes = append(pes, fields...)
	pes = append(pes, data...)

	if bounded {
		binary.BigEndian.PutUint16(pes[4:], uint16(len(pes)-6))
	}
	return pes
}

// esPackets splits a PES packet across transport packets using the given
// per-packet payload sizes; the last size absorbs any remainder.
func esPackets(pid uint16, cc *uint8, pes []byte, sizes ...int) []byte {
	var out []byte
	for i := 0; len(pes) > 0; i++ {
		n := 184
		if i < len(sizes) {
			n = sizes[i]
		}
		n = min(n, len(pes))
		out = append(out, tsPacket(pid, *cc, i == 0, pes[:n])...)
		pes = pes[n:]
		*cc = (*cc + 1) & 0x0F
	}
	return out
}

// adtsFrame returns an ADTS frame of the given total length for AAC-LC.
// sampleRateIdx 3 is 48 kHz, 4 is 44.1 kHz.
func adtsFrame(sampleRateIdx, channelCfg uint8, total int) []byte {
	b := make([]byte, total)
	b[0] = 0xFF
	b[1] = 0xF1 // MPEG-4, layer 0, protection absent
	b[2] = 1<<6 | sampleRateIdx<<2 | channelCfg>>2
	b[3] = (channelCfg&0x03)<<6 | byte(total>>11)&0x03
	b[4] = byte(total >> 3)
	b[5] = byte(total&0x07)<<5 | 0x1F
	b[6] = 0xFC
	for i := 7; i < total; i++ {
		b[i] = byte(i)
	}
	return b
}

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// h264AU returns an Annex B access unit. Keyframes carry SPS and PPS.
func h264AU(keyframe bool, size int) []byte {
	var au []byte
	au = append(au, 0x00, 0x00, 0x00, 0x01, 0x09, 0xF0) // AUD
	if keyframe {
		au = append(au, 0x00, 0x00, 0x00, 0x01)
		au = append(au, testSPS...)
		au = append(au, 0x00, 0x00, 0x00, 0x01)
		au = append(au, testPPS...)
		au = append(au, 0x00, 0x00, 0x01, 0x65)
	} else {
		au = append(au, 0x00, 0x00, 0x01, 0x41)
	}
	for len(au) < size {
		au = append(au, 0xAA)
	}
	return au
}

// collector records every delivered sample.
type collector struct {
	samples []*Sample
}

func (c *collector) ConsumeSample(pid uint16, s *Sample) {
	if pid != s.PID {
		panic("pid mismatch")
	}
	c.samples = append(c.samples, s)
}
