package mpegts

import (
	"log/slog"

	"github.com/zsiec/tsdemux/internal/format"
)

// pidNull is the stuffing PID.
const pidNull = 0x1FFF

// Demuxer turns transport stream bytes into decodable samples. It is not
// safe for concurrent use; callers feeding it from several producers must
// serialize calls to Ingest and Reset.
type Demuxer struct {
	log      *slog.Logger
	consumer SampleConsumer
	pktSize  int
	checkCC  bool

	tables      *programTables
	sections    map[uint16]*sectionAssembler
	accs        *accumulatorPool
	formats     map[uint16]*format.Description
	lastCC      map[uint16]uint8

	stats Stats
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithLogger sets the logger used for diagnostic traces. Per-packet traces
// are emitted at debug level.
func WithLogger(log *slog.Logger) Option {
	return func(d *Demuxer) {
		if log != nil {
			d.log = log.With("component", "mpegts")
		}
	}
}

// WithPacketSize sets the frame size: PacketSize (default), PacketSizeM2TS
// or PacketSizeRS. Other values fall back to PacketSize.
func WithPacketSize(size int) Option {
	return func(d *Demuxer) {
		if validPacketSize(size) {
			d.pktSize = size
		}
	}
}

// WithContinuityCheck enables continuity_counter tracking. Duplicate packets
// are discarded and a counter gap abandons the access unit open on that PID.
func WithContinuityCheck() Option {
	return func(d *Demuxer) {
		d.checkCC = true
	}
}

// New creates a Demuxer that delivers samples to consumer.
func New(consumer SampleConsumer, opts ...Option) *Demuxer {
	d := &Demuxer{
		log:      slog.Default().With("component", "mpegts"),
		consumer: consumer,
		pktSize:  PacketSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.reset()
	return d
}

// Ingest parses every whole packet in buf, delivering completed samples to
// the consumer before it returns. It returns the number of bytes consumed,
// always a multiple of the packet size; trailing bytes are left to the
// caller.
func (d *Demuxer) Ingest(buf []byte) int {
	return forEachPacket(buf, d.pktSize, func(p *Packet, err error) {
		d.stats.Packets++
		if err != nil {
			d.stats.MalformedPackets++
			d.log.Debug("skipping malformed packet", "error", err)
			return
		}
		d.handlePacket(p)
	})
}

// Reset discards all tables, routes, open access units, cached formats and
// counters. The demuxer behaves as if freshly constructed afterwards.
func (d *Demuxer) Reset() {
	d.reset()
	d.log.Debug("reset")
}

func (d *Demuxer) reset() {
	d.tables = newProgramTables()
	d.sections = make(map[uint16]*sectionAssembler)
	d.accs = newAccumulatorPool()
	d.formats = make(map[uint16]*format.Description)
	d.lastCC = make(map[uint16]uint8)
	d.stats = Stats{}
}

// Stats returns a snapshot of the demuxer counters.
func (d *Demuxer) Stats() Stats {
	s := d.stats
	for _, es := range d.tables.streams {
		if !format.Supported(es.StreamType) {
			s.UnsupportedPIDs++
		}
	}
	s.OpenAccumulators = d.accs.len()
	s.CachedFormats = len(d.formats)
	s.KnownPrograms = len(d.tables.pmts)
	s.ElementaryStreams = len(d.tables.streams)
	return s
}

// Programs returns the most recent PAT, or nil if none has been applied.
func (d *Demuxer) Programs() *PATData {
	return d.tables.pat
}

// Streams returns a copy of the flattened elementary PID index.
func (d *Demuxer) Streams() map[uint16]ElementaryStreamInfo {
	out := make(map[uint16]ElementaryStreamInfo, len(d.tables.streams))
	for pid, es := range d.tables.streams {
		out[pid] = es
	}
	return out
}

// Format returns the cached decode configuration for pid, if any.
func (d *Demuxer) Format(pid uint16) (*format.Description, bool) {
	desc, ok := d.formats[pid]
	return desc, ok
}

func (d *Demuxer) handlePacket(p *Packet) {
	pid := p.Header.PID
	if p.Header.TransportErrorIndicator {
		d.stats.MalformedPackets++
		d.log.Debug("skipping malformed packet", "pid", pid, "error", errTransportError)
		return
	}
	if pid == pidNull {
		return
	}
	if d.checkCC && !d.continuous(p) {
		return
	}

	switch {
	case pid == pidPAT:
		d.handlePSI(p)
	case d.tables.isPMTPID(pid):
		d.handlePSI(p)
	default:
		d.handleES(p)
	}
}

// continuous tracks the continuity counter of pid and reports whether the
// packet should be processed.
func (d *Demuxer) continuous(p *Packet) bool {
	if !p.Header.HasPayload {
		return true
	}
	pid := p.Header.PID
	cc := p.Header.ContinuityCounter
	last, seen := d.lastCC[pid]
	d.lastCC[pid] = cc
	if !seen || p.Header.DiscontinuityIndicator {
		return true
	}
	if cc == last {
		d.stats.DuplicatePackets++
		return false
	}
	if cc != (last+1)&0x0F {
		d.stats.Discontinuities++
		d.log.Debug("continuity gap", "pid", pid, "expected", (last+1)&0x0F, "got", cc)
		if d.accs.get(pid) != nil {
			d.accs.close(pid)
			d.stats.SamplesDropped++
		}
	}
	return true
}

func (d *Demuxer) handlePSI(p *Packet) {
	pid := p.Header.PID
	sa, ok := d.sections[pid]
	if !ok {
		sa = &sectionAssembler{}
		d.sections[pid] = sa
	}

	for _, section := range sa.push(p) {
		if pid == pidPAT {
			d.applyPAT(section)
		} else {
			d.applyPMT(pid, section)
		}
	}
}

func (d *Demuxer) applyPAT(section []byte) {
	pat, err := parsePATSection(section)
	if err != nil {
		d.stats.TablesRejected++
		d.log.Debug("dropping table", "pid", pidPAT, "error", err)
		return
	}

	d.tables.applyPAT(pat)
	d.stats.TablesApplied++

	// PMT routing takes priority over elementary stream data on the same PID.
	for _, prog := range pat.Programs {
		if d.accs.get(prog.ProgramMapID) != nil {
			d.accs.close(prog.ProgramMapID)
			d.stats.SamplesDropped++
		}
	}
	d.log.Debug("applied PAT", "version", pat.Version, "programs", len(pat.Programs))
}

func (d *Demuxer) applyPMT(pid uint16, section []byte) {
	pmt, err := parsePMTSection(section)
	if err != nil {
		d.stats.TablesRejected++
		d.log.Debug("dropping table", "pid", pid, "error", err)
		return
	}
	if !d.tables.carriesProgram(pid, pmt.ProgramNumber) {
		d.stats.TablesRejected++
		d.log.Debug("dropping table", "pid", pid, "program", pmt.ProgramNumber,
			"error", errPMTProgram)
		return
	}

	prev := d.tables.streams
	d.tables.applyPMT(pmt)
	d.stats.TablesApplied++
	d.pruneStreams(prev)
	d.log.Debug("applied PMT", "pid", pid, "program", pmt.ProgramNumber,
		"version", pmt.Version, "streams", len(pmt.ElementaryStreams))
}

// pruneStreams releases per-PID state for elementary PIDs that left the
// index or changed stream type with the last table update.
func (d *Demuxer) pruneStreams(prev map[uint16]ElementaryStreamInfo) {
	for pid, old := range prev {
		cur, ok := d.tables.stream(pid)
		if ok && cur.StreamType == old.StreamType {
			continue
		}
		if d.accs.get(pid) != nil {
			d.accs.close(pid)
			d.stats.SamplesDropped++
		}
		delete(d.formats, pid)
		d.log.Debug("stream removed or retyped", "pid", pid, "indexed", ok)
	}
}

func (d *Demuxer) handleES(p *Packet) {
	pid := p.Header.PID
	info, ok := d.tables.stream(pid)
	if !ok {
		return
	}

	var acc *accumulator
	if p.Header.PayloadUnitStartIndicator {
		if prev := d.accs.get(pid); prev != nil {
			d.finalize(prev, info)
		}
		acc = d.accs.open(pid, p.Payload)
		if err := acc.update(); err != nil {
			d.abandon(acc, err)
			return
		}
	} else {
		acc = d.accs.get(pid)
		if acc == nil {
			if len(p.Payload) > 0 {
				d.stats.DroppedFragments++
			}
			return
		}
		if err := acc.add(p.Payload); err != nil {
			d.abandon(acc, err)
			return
		}
	}

	if acc.complete {
		d.finalize(acc, info)
	}
}

func (d *Demuxer) abandon(acc *accumulator, err error) {
	d.accs.close(acc.pid)
	d.stats.SamplesDropped++
	d.log.Debug("dropping access unit", "pid", acc.pid, "error", err)
}

// finalize closes the accumulator and emits its access unit if it is
// non-empty and a decode configuration is available. A length-bounded unit
// cut short by the next start is emitted with the bytes it has.
func (d *Demuxer) finalize(acc *accumulator, info ElementaryStreamInfo) {
	d.accs.close(acc.pid)

	if acc.truncated() {
		d.log.Debug("short access unit", "pid", acc.pid,
			"have", len(acc.buf), "want", acc.totalLength())
	}

	au := acc.accessUnit()
	if len(au) == 0 {
		d.stats.SamplesDropped++
		return
	}

	desc := d.formatFor(acc.pid, info.StreamType, au)
	if desc == nil {
		d.stats.SamplesDropped++
		return
	}

	s := &Sample{
		PID:        acc.pid,
		StreamType: info.StreamType,
		StreamID:   acc.header.StreamID,
		Data:       au,
		Format:     desc,
		Keyframe:   format.IsKeyframe(desc.Codec, au),
	}
	if oh := acc.header.OptionalHeader; oh != nil {
		s.PTS = oh.PTS
		s.DTS = oh.DTS
	}

	d.stats.SamplesEmitted++
	d.consumer.ConsumeSample(acc.pid, s)
}

// formatFor returns the cached configuration for pid, deriving it from au on
// first use. A derived configuration is kept until the PID's stream type
// changes; a failed derivation is retried on the next access unit. Stream
// types without a derivation path are never derived.
func (d *Demuxer) formatFor(pid uint16, streamType uint8, au []byte) *format.Description {
	if desc, ok := d.formats[pid]; ok {
		return desc
	}
	if !format.Supported(streamType) {
		return nil
	}

	desc, err := format.Derive(streamType, au)
	if err != nil {
		d.log.Debug("format not derived", "pid", pid, "stream_type", streamType, "error", err)
		return nil
	}

	d.formats[pid] = desc
	d.log.Info("found stream", "pid", pid, "codec", desc.CodecString())
	return desc
}
