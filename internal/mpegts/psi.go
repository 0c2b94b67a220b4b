package mpegts

import (
	"errors"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	pidPAT = 0x0000
)

var (
	errSectionShort   = errors.New("section too short")
	errSectionSyntax  = errors.New("section_syntax_indicator not set")
	errTableID        = errors.New("unexpected table_id")
	errNotCurrent     = errors.New("current_next_indicator is 0")
	errDescriptorLoop = errors.New("descriptor loop overruns section")
	errPMTProgram     = errors.New("program not assigned to this PID by the PAT")
)

// sectionAssembler buffers the payload of one PSI PID until the sections it
// carries are complete. Sections may span packets.
type sectionAssembler struct {
	buf    []byte
	active bool
}

// push adds a packet's payload and returns every section completed by it.
func (sa *sectionAssembler) push(p *Packet) [][]byte {
	payload := p.Payload
	if len(payload) == 0 {
		return nil
	}

	var sections [][]byte

	if p.Header.PayloadUnitStartIndicator {
		pointer := int(payload[0])
		if 1+pointer > len(payload) {
			sa.reset()
			return nil
		}
		if sa.active && pointer > 0 {
			sa.buf = append(sa.buf, payload[1:1+pointer]...)
			sections = sa.drain()
		}
		sa.buf = append(sa.buf[:0], payload[1+pointer:]...)
		sa.active = true
	} else {
		if !sa.active {
			return nil
		}
		sa.buf = append(sa.buf, payload...)
	}

	return append(sections, sa.drain()...)
}

// drain extracts complete sections from the front of the buffer.
func (sa *sectionAssembler) drain() [][]byte {
	var sections [][]byte
	for sa.active {
		if len(sa.buf) == 0 || sa.buf[0] == 0xFF {
			sa.reset()
			break
		}
		if len(sa.buf) < 3 {
			break
		}
		need := 3 + (int(sa.buf[1]&0x0F)<<8 | int(sa.buf[2]))
		if len(sa.buf) < need {
			break
		}
		section := make([]byte, need)
		copy(section, sa.buf)
		sections = append(sections, section)
		sa.buf = sa.buf[need:]
	}
	return sections
}

func (sa *sectionAssembler) reset() {
	sa.buf = sa.buf[:0]
	sa.active = false
}

// checkSection validates the long-form header shared by PAT and PMT and
// returns the section body between the 8-byte header and the CRC.
func checkSection(data []byte, tableID uint8) ([]byte, error) {
	if len(data) < 12 {
		return nil, errSectionShort
	}
	if data[0] != tableID {
		return nil, fmt.Errorf("%w 0x%02X", errTableID, data[0])
	}
	if data[1]&0x80 == 0 {
		return nil, errSectionSyntax
	}
	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	if 3+sectionLength != len(data) {
		return nil, errSectionShort
	}
	if err := verifyCRC32(data); err != nil {
		return nil, err
	}
	if data[5]&0x01 == 0 {
		return nil, errNotCurrent
	}
	return data[8 : len(data)-4], nil
}

func parsePATSection(data []byte) (*PATData, error) {
	// [3-4]  transport_stream_id
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8..N-4] program entries (4 bytes each)
	body, err := checkSection(data, tableIDPAT)
	if err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}

	pat := &PATData{
		TransportStreamID: uint16(data[3])<<8 | uint16(data[4]),
		Version:           data[5] >> 1 & 0x1F,
	}
	for i := 0; i+4 <= len(body); i += 4 {
		programNumber := uint16(body[i])<<8 | uint16(body[i+1])
		pmtPID := uint16(body[i+2]&0x1F)<<8 | uint16(body[i+3])

		if programNumber == 0 {
			continue // network PID
		}
		if pmtPID == pidPAT {
			continue
		}

		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}

	return pat, nil
}

func parsePMTSection(data []byte) (*PMTData, error) {
	// [3-4]  program_number
	// [8-9]  reserved(3) + PCR_PID(13)
	// [10-11] reserved(4) + program_info_length(12)
	// [...] program descriptors
	// [...] elementary stream entries
	body, err := checkSection(data, tableIDPMT)
	if err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("mpegts: PMT: %w", errSectionShort)
	}

	pmt := &PMTData{
		ProgramNumber: uint16(data[3])<<8 | uint16(data[4]),
		Version:       data[5] >> 1 & 0x1F,
		PCRPID:        uint16(body[0]&0x1F)<<8 | uint16(body[1]),
	}

	programInfoLength := int(body[2]&0x0F)<<8 | int(body[3])
	offset := 4 + programInfoLength
	if offset > len(body) {
		return nil, fmt.Errorf("mpegts: PMT: %w", errDescriptorLoop)
	}
	if pmt.Descriptors, err = parseDescriptors(body[4:offset]); err != nil {
		return nil, fmt.Errorf("mpegts: PMT program info: %w", err)
	}

	for offset < len(body) {
		if offset+5 > len(body) {
			return nil, fmt.Errorf("mpegts: PMT: %w", errSectionShort)
		}
		streamType := body[offset]
		elementaryPID := uint16(body[offset+1]&0x1F)<<8 | uint16(body[offset+2])
		esInfoLength := int(body[offset+3]&0x0F)<<8 | int(body[offset+4])
		end := offset + 5 + esInfoLength
		if end > len(body) {
			return nil, fmt.Errorf("mpegts: PMT ES 0x%X: %w", elementaryPID, errDescriptorLoop)
		}

		raw := make([]byte, esInfoLength)
		copy(raw, body[offset+5:end])
		descs, err := parseDescriptors(raw)
		if err != nil {
			return nil, fmt.Errorf("mpegts: PMT ES 0x%X: %w", elementaryPID, err)
		}

		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			ElementaryPID:   elementaryPID,
			StreamType:      streamType,
			DescriptorBytes: raw,
			Descriptors:     descs,
		})

		offset = end
	}

	return pmt, nil
}

func parseDescriptors(b []byte) ([]Descriptor, error) {
	var ds []Descriptor
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, errDescriptorLoop
		}
		n := int(b[1])
		if 2+n > len(b) {
			return nil, errDescriptorLoop
		}
		ds = append(ds, Descriptor{Tag: b[0], Data: b[2 : 2+n]})
		b = b[2+n:]
	}
	return ds, nil
}
