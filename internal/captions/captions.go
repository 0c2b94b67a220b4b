// Package captions extracts CEA-608 and CEA-708 closed captions carried in
// A/53 SEI messages of H.264 and H.265 access units.
package captions

import (
	"github.com/zsiec/ccx"

	"github.com/zsiec/tsdemux/internal/format"
)

const (
	nalTypeSEI       = 6  // H.264
	hevcNALSEIPrefix = 39 // H.265
)

// Extractor decodes caption text from successive video access units of one
// elementary stream. It keeps decoder state between calls and is not safe
// for concurrent use.
type Extractor struct {
	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	// decode608 turns one byte pair into a caption frame, or nil when the
	// pair produced no displayable text.
	decode608 func(channel int, cc1, cc2 byte, pts int64) *ccx.CaptionFrame

	frames          int64
	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
}

// NewExtractor returns an Extractor with decoders for CEA-608 channels 1-4
// and CEA-708 services 1-6.
func NewExtractor() *Extractor {
	e := &Extractor{
		cea608Decs: make(map[int]*ccx.CEA608Decoder, 4),
		cea708Svcs: make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		e.cea608Decs[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		e.cea708Svcs[svc] = ccx.NewCEA708Service()
	}
	e.decode608 = e.decodeCEA608
	return e
}

// Extract scans one access unit for caption SEI messages and returns the
// caption frames they complete. Audio codecs never carry captions.
func (e *Extractor) Extract(codec format.Codec, au []byte, pts int64) []*ccx.CaptionFrame {
	var seis [][]byte
	switch codec {
	case format.CodecH264:
		for _, nalu := range format.ParseAnnexB(au) {
			if nalu.Type == nalTypeSEI {
				seis = append(seis, nalu.Data)
			}
		}
	case format.CodecH265:
		for _, nalu := range format.ParseAnnexBHEVC(au) {
			if nalu.Type == hevcNALSEIPrefix {
				seis = append(seis, nalu.Data)
			}
		}
	default:
		return nil
	}

	e.frames++

	var out []*ccx.CaptionFrame
	for _, sei := range seis {
		out = e.handleSEI(out, sei, pts)
	}
	return out
}

func (e *Extractor) handleSEI(out []*ccx.CaptionFrame, sei []byte, pts int64) []*ccx.CaptionFrame {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return out
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field

		// Control codes are transmitted twice for redundancy; only the
		// first of a repeated pair within two frames is decoded.
		if c := cc1 & 0x7F; c >= 0x10 && c <= 0x1F {
			cp := [2]byte{cc1, cc2}
			gap := e.frames - e.lastCCCtrlFrame[f]
			if e.lastCCWasCtrl[f] && e.lastCCCtrl[f] == cp && gap <= 2 {
				e.lastCCWasCtrl[f] = false
				continue
			}
			e.lastCCCtrl[f] = cp
			e.lastCCWasCtrl[f] = true
			e.lastCCCtrlFrame[f] = e.frames
		} else {
			e.lastCCWasCtrl[f] = false
		}

		if frame := e.decode608(pair.Channel, cc1, cc2, pts); frame != nil {
			out = append(out, frame)
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = e.drainDTVCC(out, pts)
			e.dtvccBuf = e.dtvccBuf[:0]
		}
		e.dtvccBuf = append(e.dtvccBuf, t.Data[0], t.Data[1])
	}
	return out
}

func (e *Extractor) decodeCEA608(channel int, cc1, cc2 byte, pts int64) *ccx.CaptionFrame {
	dec := e.cea608Decs[channel]
	if dec == nil {
		return nil
	}
	text := dec.Decode(cc1, cc2)
	if text == "" {
		return nil
	}
	frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: channel}
	frame.Regions = dec.StyledRegions()
	return frame
}

// drainDTVCC decodes the buffered DTVCC packet once it is complete. CEA-708
// services are reported as channels 7-12.
func (e *Extractor) drainDTVCC(out []*ccx.CaptionFrame, pts int64) []*ccx.CaptionFrame {
	if len(e.dtvccBuf) < 1 {
		return out
	}
	packetSize := ccx.DTVCCPacketSize(e.dtvccBuf[0])
	if len(e.dtvccBuf) < packetSize {
		return out
	}

	for _, block := range ccx.ParseDTVCCPacket(e.dtvccBuf[:packetSize]) {
		svc := e.cea708Svcs[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			channel := block.ServiceNum + 6
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: channel}
			frame.Regions = svc.StyledRegions()
			out = append(out, frame)
		}
	}
	e.dtvccBuf = e.dtvccBuf[packetSize:]
	return out
}
