// Package mpegts implements a push-style MPEG-TS demultiplexer. It frames raw
// bytes into transport packets, tracks the PAT and PMT tables, reassembles
// per-PID PES access units and hands every complete, decodable access unit to
// a single registered SampleConsumer together with its cached decode
// configuration.
package mpegts

import "github.com/zsiec/tsdemux/internal/format"

// Packet is a parsed MPEG-TS transport stream packet. Payload aliases the
// buffer handed to ParsePackets.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	TransportStreamID uint16
	Version           uint8
	Programs          []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table of one program.
type PMTData struct {
	ProgramNumber     uint16
	Version           uint8
	PCRPID            uint16
	Descriptors       []Descriptor
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
	// DescriptorBytes is the raw ES_info loop.
	DescriptorBytes []byte
	Descriptors     []Descriptor
}

// Descriptor is a single tag-length-value entry of a PSI descriptor loop.
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// ElementaryStreamInfo is an entry of the flattened elementary PID index.
type ElementaryStreamInfo struct {
	PID             uint16
	ProgramNumber   uint16
	StreamType      uint8
	DescriptorBytes []byte
}

// PESHeader contains the parsed PES framing header of an access unit.
type PESHeader struct {
	StreamID uint8
	// PacketLength is the PES_packet_length field; zero means unbounded.
	PacketLength   int
	OptionalHeader *PESOptionalHeader
}

// PESOptionalHeader carries optional PES fields including timestamps.
type PESOptionalHeader struct {
	DataAlignmentIndicator bool
	HeaderDataLength       int
	PTS                    *ClockReference
	DTS                    *ClockReference
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock).
type ClockReference struct {
	Base int64
}

// Sample is a complete access unit ready for decoding. Ownership passes to
// the consumer; the demuxer keeps no reference after delivery.
type Sample struct {
	PID        uint16
	StreamType uint8
	StreamID   uint8
	Data       []byte
	Format     *format.Description
	PTS        *ClockReference
	DTS        *ClockReference
	// Keyframe is set when Data is a random access point: an IDR or CRA
	// picture for video, every unit for AAC.
	Keyframe bool
}

// SampleConsumer receives every successfully assembled sample. It is called
// synchronously from Ingest, so a slow consumer stalls demuxing.
type SampleConsumer interface {
	ConsumeSample(pid uint16, s *Sample)
}

// SampleConsumerFunc adapts a plain function to SampleConsumer.
type SampleConsumerFunc func(pid uint16, s *Sample)

// ConsumeSample calls f(pid, s).
func (f SampleConsumerFunc) ConsumeSample(pid uint16, s *Sample) {
	f(pid, s)
}

// Stats is a snapshot of demuxer counters.
type Stats struct {
	Packets           int64
	MalformedPackets  int64
	DuplicatePackets  int64
	TablesApplied     int64
	TablesRejected    int64
	DroppedFragments  int64
	Discontinuities   int64
	SamplesEmitted    int64
	SamplesDropped    int64
	UnsupportedPIDs   int
	OpenAccumulators  int
	CachedFormats     int
	KnownPrograms     int
	ElementaryStreams int
}
