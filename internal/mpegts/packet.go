package mpegts

import (
	"errors"
	"fmt"
)

const (
	// PacketSize is the size of a plain transport packet.
	PacketSize = 188
	// PacketSizeM2TS is a transport packet preceded by a 4-byte arrival timestamp.
	PacketSizeM2TS = 192
	// PacketSizeRS is a transport packet followed by 16 bytes of Reed-Solomon parity.
	PacketSizeRS = 204

	syncByte = 0x47
)

var (
	errBadSync             = errors.New("invalid sync byte")
	errTruncatedAdaptation = errors.New("adaptation field exceeds packet")
	errTransportError      = errors.New("transport error indicator set")
)

// validPacketSize reports whether size is one of the supported framings.
func validPacketSize(size int) bool {
	return size == PacketSize || size == PacketSizeM2TS || size == PacketSizeRS
}

// tsOffset returns where the 188-byte transport packet starts inside a frame
// of the given size.
func tsOffset(size int) int {
	if size == PacketSizeM2TS {
		return 4
	}
	return 0
}

// ParsePackets frames buf into packets of packetSize bytes. Frames that fail
// structural validation are skipped and parsing resumes at the next frame
// boundary. It returns the parsed packets and the number of bytes consumed,
// always a multiple of packetSize. Trailing bytes shorter than one frame are
// not consumed.
func ParsePackets(buf []byte, packetSize int) ([]*Packet, int) {
	packets := make([]*Packet, 0, len(buf)/PacketSize)
	consumed := forEachPacket(buf, packetSize, func(p *Packet, err error) {
		if err == nil {
			packets = append(packets, p)
		}
	})
	return packets, consumed
}

// forEachPacket calls fn for every frame of buf in order, passing either the
// parsed packet or the reason it was rejected. It returns the bytes consumed.
func forEachPacket(buf []byte, packetSize int, fn func(*Packet, error)) int {
	if !validPacketSize(packetSize) {
		packetSize = PacketSize
	}
	consumed := len(buf) / packetSize * packetSize
	off := tsOffset(packetSize)

	for i := 0; i < consumed; i += packetSize {
		fn(parsePacket(buf[i+off : i+off+PacketSize]))
	}
	return consumed
}

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: 0x%02X: %w", buf[0], errBadSync)
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if offset+1+afLen > PacketSize {
			return nil, fmt.Errorf("mpegts: PID 0x%X: %w", p.Header.PID, errTruncatedAdaptation)
		}
		if afLen > 0 {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
			p.Header.RandomAccessIndicator = buf[offset+1]&0x40 != 0
		}
		offset += 1 + afLen
	}

	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = buf[offset:]
	}

	return p, nil
}
