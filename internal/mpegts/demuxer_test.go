package mpegts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsdemux/internal/format"
)

const (
	testPMTPID   = 0x100
	testAudioPID = 0x101
	testVideoPID = 0x102
)

// programStream returns PAT + PMT packets declaring the given streams on
// program 1.
func programStream(streams ...pmtEntry) []byte {
	var out []byte
	out = append(out, psiPackets(pidPAT, buildPAT(1, 0, patEntry{1, testPMTPID}))...)
	out = append(out, psiPackets(testPMTPID, buildPMT(1, testVideoPID, streams...))...)
	return out
}

func audioProgram() []byte {
	return programStream(pmtEntry{streamType: format.StreamTypeAAC, pid: testAudioPID})
}

func TestDemuxerBoundedAudioSample(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	au := adtsFrame(3, 2, 7)
	pes := buildPES(0xC0, -1, true, au)
	require.Len(t, pes, 16)

	var cc uint8
	stream := audioProgram()
	stream = append(stream, esPackets(testAudioPID, &cc, pes, 9+4)...)

	require.Equal(t, len(stream), d.Ingest(stream))
	require.Len(t, c.samples, 1)

	s := c.samples[0]
	require.Equal(t, uint16(testAudioPID), s.PID)
	require.Equal(t, uint8(format.StreamTypeAAC), s.StreamType)
	require.Equal(t, uint8(0xC0), s.StreamID)
	require.Equal(t, au, s.Data)
	require.NotNil(t, s.Format.Audio)
	require.Equal(t, 48000, s.Format.Audio.SampleRate)
	require.Equal(t, 2, s.Format.Audio.ChannelCount)

	st := d.Stats()
	require.Equal(t, int64(1), st.SamplesEmitted)
	require.Zero(t, st.OpenAccumulators)
	require.Equal(t, 1, st.CachedFormats)
}

func TestDemuxerBoundedSplitIndependent(t *testing.T) {
	t.Parallel()

	au := append(adtsFrame(4, 1, 300), bytes.Repeat([]byte{0x11}, 50)...)
	pes := buildPES(0xC0, 1234, true, au)

	splits := [][]int{
		{184},
		{1, 1, 1},
		{10, 100, 100, 100},
		{60, 60, 60, 60, 60, 60},
		{183, 2},
	}
	for _, split := range splits {
		c := &collector{}
		d := New(c)

		var cc uint8
		stream := audioProgram()
		stream = append(stream, esPackets(testAudioPID, &cc, pes, split...)...)
		d.Ingest(stream)

		require.Len(t, c.samples, 1, "split %v", split)
		require.Equal(t, au, c.samples[0].Data)
		require.Equal(t, &ClockReference{Base: 1234}, c.samples[0].PTS)
		require.Equal(t, 44100, c.samples[0].Format.Audio.SampleRate)
		require.Equal(t, 1, c.samples[0].Format.Audio.ChannelCount)
	}
}

func TestDemuxerBoundedCompletesWithoutNextStart(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := audioProgram()
	pes := buildPES(0xC0, -1, true, adtsFrame(3, 2, 400))
	stream = append(stream, esPackets(testAudioPID, &cc, pes)...)

	// Feed one packet at a time; the sample appears on the packet that
	// completes it.
	for off := 0; off < len(stream); off += PacketSize {
		d.Ingest(stream[off : off+PacketSize])
	}
	require.Len(t, c.samples, 1)
	require.Len(t, c.samples[0].Data, 400)
}

func TestDemuxerUnboundedVideo(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := programStream(pmtEntry{streamType: format.StreamTypeH264, pid: testVideoPID})

	var aus [][]byte
	for i := range 4 {
		au := h264AU(i == 0, 500+i*10)
		aus = append(aus, au)
		stream = append(stream, esPackets(testVideoPID, &cc, buildPES(0xE0, int64(i*3000), false, au))...)
	}

	d.Ingest(stream)

	// The last access unit stays open until the next boundary.
	require.Len(t, c.samples, 3)
	for i, s := range c.samples {
		require.Equal(t, aus[i], s.Data)
		require.Equal(t, int64(i*3000), s.PTS.Base)
		require.Same(t, c.samples[0].Format, s.Format)
		require.Equal(t, i == 0, s.Keyframe)
	}
	require.Equal(t, 1920, c.samples[0].Format.Video.Width)
	require.Equal(t, 1080, c.samples[0].Format.Video.Height)
	require.Equal(t, testSPS, c.samples[0].Format.Video.SPS)
	require.Equal(t, testPPS, c.samples[0].Format.Video.PPS)
	require.Equal(t, 1, d.Stats().OpenAccumulators)

	// A boundary with an empty payload flushes it.
	d.Ingest(tsPacket(testVideoPID, cc, true, nil))
	require.Len(t, c.samples, 4)
	require.Equal(t, aus[3], c.samples[3].Data)
}

func TestDemuxerVideoRetriesFormatUntilParameterSets(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := programStream(pmtEntry{streamType: format.StreamTypeH264, pid: testVideoPID})
	stream = append(stream, esPackets(testVideoPID, &cc, buildPES(0xE0, 0, false, h264AU(false, 200)))...)
	stream = append(stream, esPackets(testVideoPID, &cc, buildPES(0xE0, 1, false, h264AU(true, 200)))...)
	stream = append(stream, esPackets(testVideoPID, &cc, buildPES(0xE0, 2, false, h264AU(false, 200)))...)
	d.Ingest(stream)

	// The first unit has no parameter sets and is dropped.
	require.Len(t, c.samples, 1)
	require.Equal(t, int64(1), c.samples[0].PTS.Base)
	require.Equal(t, int64(1), d.Stats().SamplesDropped)
}

func TestDemuxerUnsupportedStreamType(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	const pid = 0x103
	var cc uint8
	stream := programStream(pmtEntry{streamType: 0x06, pid: pid})
	for i := range 5 {
		stream = append(stream, esPackets(pid, &cc, buildPES(0xBD, int64(i), true, adtsFrame(3, 2, 64)))...)
		stream = append(stream, esPackets(pid, &cc, buildPES(0xBD, int64(i), false, h264AU(true, 300)))...)
	}
	d.Ingest(stream)

	require.Empty(t, c.samples)
	st := d.Stats()
	require.Equal(t, 1, st.UnsupportedPIDs)
	require.Zero(t, st.CachedFormats)
	require.Equal(t, int64(9), st.SamplesDropped)
	require.Equal(t, 1, st.OpenAccumulators)
}

func TestDemuxerDropsFragmentWithoutStart(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := audioProgram()
	pes := buildPES(0xC0, -1, true, adtsFrame(3, 2, 300))
	packets := esPackets(testAudioPID, &cc, pes)
	stream = append(stream, packets[PacketSize:]...) // start packet lost
	stream = append(stream, packets...)
	d.Ingest(stream)

	require.Len(t, c.samples, 1)
	require.Equal(t, int64(1), d.Stats().DroppedFragments)
}

func TestDemuxerShortBoundedUnitEmittedAtNextStart(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := audioProgram()
	short := adtsFrame(3, 2, 300)
	first := esPackets(testAudioPID, &cc, buildPES(0xC0, -1, true, short))
	stream = append(stream, first[:PacketSize]...) // second packet lost
	stream = append(stream, esPackets(testAudioPID, &cc, buildPES(0xC0, -1, true, adtsFrame(3, 2, 100)))...)
	d.Ingest(stream)

	require.Len(t, c.samples, 2)
	require.Equal(t, short[:184-9], c.samples[0].Data)
	require.Len(t, c.samples[1].Data, 100)
	require.Zero(t, d.Stats().SamplesDropped)
}

func TestDemuxerStreamTypeChangeFollowsPMT(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := programStream(pmtEntry{streamType: 0x06, pid: testAudioPID})
	stream = append(stream, esPackets(testAudioPID, &cc, buildPES(0xC0, -1, true, adtsFrame(3, 2, 64)))...)
	d.Ingest(stream)
	require.Empty(t, c.samples)
	require.Equal(t, 1, d.Stats().UnsupportedPIDs)

	stream = psiPackets(testPMTPID, buildPMT(1, testVideoPID, pmtEntry{streamType: format.StreamTypeAAC, pid: testAudioPID}))
	stream = append(stream, esPackets(testAudioPID, &cc, buildPES(0xC0, -1, true, adtsFrame(3, 2, 64)))...)
	d.Ingest(stream)

	require.Len(t, c.samples, 1)
	require.Equal(t, uint8(format.StreamTypeAAC), c.samples[0].StreamType)
	require.Zero(t, d.Stats().UnsupportedPIDs)

	// Retyping the PID discards the configuration derived for the old type.
	d.Ingest(psiPackets(testPMTPID, buildPMT(1, testVideoPID, pmtEntry{streamType: format.StreamTypeH264, pid: testAudioPID})))
	_, ok := d.Format(testAudioPID)
	require.False(t, ok)
}

func TestDemuxerStreamRemovedFromPMT(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := programStream(
		pmtEntry{streamType: format.StreamTypeAAC, pid: testAudioPID},
		pmtEntry{streamType: format.StreamTypeH264, pid: testVideoPID},
	)
	stream = append(stream, esPackets(testVideoPID, &cc, buildPES(0xE0, 0, false, h264AU(true, 300)))...)
	d.Ingest(stream)
	require.Equal(t, 1, d.Stats().OpenAccumulators)

	d.Ingest(audioProgram())

	st := d.Stats()
	require.Zero(t, st.OpenAccumulators)
	require.Equal(t, int64(1), st.SamplesDropped)
	require.Equal(t, 1, st.ElementaryStreams)
	require.Empty(t, c.samples)
}

func TestDemuxerPMTProgramMustMatchPAT(t *testing.T) {
	t.Parallel()

	d := New(&collector{})
	d.Ingest(audioProgram())
	before := d.Streams()

	d.Ingest(psiPackets(testPMTPID, buildPMT(5, 0x1FFF, pmtEntry{streamType: format.StreamTypeH264, pid: 0x300})))
	require.Equal(t, before, d.Streams())
	require.Equal(t, int64(1), d.Stats().TablesRejected)
	require.Equal(t, 1, d.Stats().KnownPrograms)
}

func TestDemuxerProgramsSharePMTPID(t *testing.T) {
	t.Parallel()

	d := New(&collector{})
	d.Ingest(psiPackets(pidPAT, buildPAT(1, 0, patEntry{1, testPMTPID}, patEntry{2, testPMTPID})))
	d.Ingest(psiPackets(testPMTPID, buildPMT(1, 0x1FFF, pmtEntry{streamType: format.StreamTypeAAC, pid: 0x101})))
	d.Ingest(psiPackets(testPMTPID, buildPMT(2, 0x1FFF, pmtEntry{streamType: format.StreamTypeH264, pid: 0x201})))

	streams := d.Streams()
	require.Len(t, streams, 2)
	require.Equal(t, uint16(1), streams[0x101].ProgramNumber)
	require.Equal(t, uint16(2), streams[0x201].ProgramNumber)
	require.Zero(t, d.Stats().TablesRejected)
}

func TestDemuxerIgnoresUnknownPIDs(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := audioProgram()
	stream = append(stream, esPackets(0x555, &cc, buildPES(0xC0, -1, true, adtsFrame(3, 2, 64)))...)
	stream = append(stream, tsPacket(pidNull, 0, false, bytes.Repeat([]byte{0xFF}, 184))...)
	d.Ingest(stream)

	require.Empty(t, c.samples)
	require.Zero(t, d.Stats().OpenAccumulators)
}

func TestDemuxerMalformedPacketsSkipped(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := audioProgram()
	bad := tsPacket(testAudioPID, 0, false, nil)
	bad[0] = 0x00
	stream = append(stream, bad...)
	tei := tsPacket(testAudioPID, 0, false, nil)
	tei[1] |= 0x80
	stream = append(stream, tei...)
	stream = append(stream, esPackets(testAudioPID, &cc, buildPES(0xC0, -1, true, adtsFrame(3, 2, 64)))...)
	d.Ingest(stream)

	require.Len(t, c.samples, 1)
	require.Equal(t, int64(2), d.Stats().MalformedPackets)
}

func TestDemuxerMalformedTableKeepsState(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)
	d.Ingest(audioProgram())
	before := d.Streams()

	bad := buildPMT(1, 0x1FFF, pmtEntry{streamType: format.StreamTypeH264, pid: 0x200})
	bad[len(bad)-1] ^= 0xFF
	d.Ingest(psiPackets(testPMTPID, bad))

	require.Equal(t, before, d.Streams())
	require.Equal(t, int64(1), d.Stats().TablesRejected)
	require.Equal(t, int64(2), d.Stats().TablesApplied)
}

func TestDemuxerTablesIdempotent(t *testing.T) {
	t.Parallel()

	d := New(&collector{})
	d.Ingest(audioProgram())
	once := d.Streams()
	d.Ingest(audioProgram())
	require.Equal(t, once, d.Streams())
	require.Len(t, once, 1)
	require.Equal(t, uint8(format.StreamTypeAAC), once[testAudioPID].StreamType)
}

func TestDemuxerPMTPIDTakesPriority(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	// 0x200 is first declared as video, then becomes program 2's PMT PID.
	var cc uint8
	stream := programStream(pmtEntry{streamType: format.StreamTypeH264, pid: 0x200})
	stream = append(stream, esPackets(0x200, &cc, buildPES(0xE0, 0, false, h264AU(true, 300)))...)
	d.Ingest(stream)
	require.Equal(t, 1, d.Stats().OpenAccumulators)

	d.Ingest(psiPackets(pidPAT, buildPAT(1, 1, patEntry{1, testPMTPID}, patEntry{2, 0x200})))
	require.Zero(t, d.Stats().OpenAccumulators)

	d.Ingest(psiPackets(0x200, buildPMT(2, 0x1FFF, pmtEntry{streamType: format.StreamTypeAAC, pid: 0x201})))
	require.Empty(t, c.samples)
	require.Equal(t, uint16(2), d.Streams()[0x201].ProgramNumber)
}

func TestDemuxerFormatCachedNotRecomputed(t *testing.T) {
	t.Parallel()

	c := &collector{}
	d := New(c)

	var cc uint8
	stream := audioProgram()
	stream = append(stream, esPackets(testAudioPID, &cc, buildPES(0xC0, -1, true, adtsFrame(3, 2, 64)))...)
	stream = append(stream, esPackets(testAudioPID, &cc, buildPES(0xC0, -1, true, adtsFrame(4, 1, 64)))...)
	d.Ingest(stream)

	require.Len(t, c.samples, 2)
	require.Same(t, c.samples[0].Format, c.samples[1].Format)
	require.Equal(t, 48000, c.samples[1].Format.Audio.SampleRate)

	desc, ok := d.Format(testAudioPID)
	require.True(t, ok)
	require.Same(t, c.samples[0].Format, desc)
}

func TestDemuxerReset(t *testing.T) {
	t.Parallel()

	var cc uint8
	warmup := programStream(pmtEntry{streamType: format.StreamTypeH264, pid: testVideoPID})
	warmup = append(warmup, esPackets(testVideoPID, &cc, buildPES(0xE0, 0, false, h264AU(true, 300)))...)

	// After reset the audio packets are unknown until new tables arrive.
	var acc uint8
	session := esPackets(testAudioPID, &acc, buildPES(0xC0, -1, true, adtsFrame(3, 2, 64)))
	session = append(session, audioProgram()...)
	session = append(session, esPackets(testAudioPID, &acc, buildPES(0xC0, -1, true, adtsFrame(4, 1, 64)))...)

	fresh := &collector{}
	New(fresh).Ingest(session)

	reused := &collector{}
	d := New(reused)
	d.Ingest(warmup)
	require.Equal(t, 1, d.Stats().OpenAccumulators)
	d.Reset()
	require.Equal(t, Stats{}, d.Stats())
	require.Nil(t, d.Programs())
	require.Empty(t, d.Streams())

	d.Ingest(session)
	require.Len(t, fresh.samples, 1)
	require.Equal(t, fresh.samples, reused.samples)
	require.Equal(t, 44100, reused.samples[0].Format.Audio.SampleRate)
}

func TestDemuxerIngestConsumesWholePackets(t *testing.T) {
	t.Parallel()

	d := New(&collector{})
	stream := audioProgram()
	require.Equal(t, len(stream), d.Ingest(append(stream, 0x47, 0x00)))
	require.Zero(t, d.Ingest(stream[:PacketSize-1]))
}

func TestDemuxerM2TSFraming(t *testing.T) {
	t.Parallel()

	var cc uint8
	ts := audioProgram()
	ts = append(ts, esPackets(testAudioPID, &cc, buildPES(0xC0, -1, true, adtsFrame(3, 2, 64)))...)

	var m2ts []byte
	for off := 0; off < len(ts); off += PacketSize {
		m2ts = append(m2ts, 0x00, 0x00, 0x00, byte(off))
		m2ts = append(m2ts, ts[off:off+PacketSize]...)
	}

	c := &collector{}
	d := New(c, WithPacketSize(PacketSizeM2TS))
	require.Equal(t, len(m2ts), d.Ingest(m2ts))
	require.Len(t, c.samples, 1)
}

func TestDemuxerContinuityCheck(t *testing.T) {
	t.Parallel()

	pes := buildPES(0xC0, -1, true, adtsFrame(3, 2, 300))

	t.Run("duplicate discarded", func(t *testing.T) {
		t.Parallel()
		c := &collector{}
		d := New(c, WithContinuityCheck())

		var cc uint8
		packets := esPackets(testAudioPID, &cc, pes)
		stream := audioProgram()
		stream = append(stream, packets[:PacketSize]...)
		stream = append(stream, packets[:PacketSize]...)
		stream = append(stream, packets[PacketSize:]...)
		d.Ingest(stream)

		require.Len(t, c.samples, 1)
		require.Equal(t, int64(1), d.Stats().DuplicatePackets)
	})

	t.Run("gap abandons unit", func(t *testing.T) {
		t.Parallel()
		c := &collector{}
		d := New(c, WithContinuityCheck())

		var cc uint8
		packets := esPackets(testAudioPID, &cc, pes)
		stream := audioProgram()
		stream = append(stream, packets[:PacketSize]...)
		cc = 5
		stream = append(stream, tsPacket(testAudioPID, cc, false, packets[PacketSize+4:2*PacketSize])...)
		d.Ingest(stream)

		require.Empty(t, c.samples)
		st := d.Stats()
		require.Equal(t, int64(1), st.Discontinuities)
		require.Equal(t, int64(1), st.SamplesDropped)
		require.Equal(t, int64(1), st.DroppedFragments)
	})
}

func TestSampleConsumerFunc(t *testing.T) {
	t.Parallel()

	var got []uint16
	d := New(SampleConsumerFunc(func(pid uint16, _ *Sample) { got = append(got, pid) }))

	var cc uint8
	stream := audioProgram()
	stream = append(stream, esPackets(testAudioPID, &cc, buildPES(0xC0, -1, true, adtsFrame(3, 2, 64)))...)
	d.Ingest(stream)
	require.Equal(t, []uint16{testAudioPID}, got)
}
