// Package pipeline runs a single stream's transport stream through the
// demuxer, forwarding samples and decoded captions to a Sink while
// collecting telemetry.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/tsdemux/internal/captions"
	"github.com/zsiec/tsdemux/internal/format"
	"github.com/zsiec/tsdemux/internal/ingest"
	"github.com/zsiec/tsdemux/internal/mpegts"
)

// Sink receives the pipeline's output. Calls are made synchronously from
// the goroutine feeding the pipeline.
type Sink interface {
	// TrackFound is called once per elementary PID, when its decode
	// configuration is first known.
	TrackFound(streamKey string, track Track)
	WriteSample(streamKey string, s *mpegts.Sample)
	WriteCaptions(streamKey string, frame *ccx.CaptionFrame)
}

// Track describes one elementary stream with a known decode configuration.
type Track struct {
	PID           uint16 `json:"pid"`
	ProgramNumber uint16 `json:"programNumber"`
	StreamType    uint8  `json:"streamType"`
	Codec         string `json:"codec"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	SampleRate    int    `json:"sampleRate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
}

// Stats is a point-in-time snapshot of pipeline and demuxer counters.
type Stats struct {
	UptimeMs       int64        `json:"uptimeMs"`
	VideoForwarded int64        `json:"videoForwarded"`
	Keyframes      int64        `json:"keyframes"`
	AudioForwarded int64        `json:"audioForwarded"`
	AudioFrames    int64        `json:"audioFrames"`
	CaptionFwd     int64        `json:"captionsForwarded"`
	LastVideoPTS   int64        `json:"lastVideoPts"`
	LastAudioPTS   int64        `json:"lastAudioPts"`
	Tracks         []Track      `json:"tracks"`
	Demux          mpegts.Stats `json:"demux"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCaptions enables CEA-608/708 caption extraction on video tracks.
func WithCaptions() Option {
	return func(p *Pipeline) {
		p.captions = make(map[uint16]*captions.Extractor)
	}
}

// WithDemuxOptions passes options through to the underlying demuxer.
func WithDemuxOptions(opts ...mpegts.Option) Option {
	return func(p *Pipeline) {
		p.demuxOpts = append(p.demuxOpts, opts...)
	}
}

// Pipeline bridges a single stream's demuxer and sink.
type Pipeline struct {
	log       *slog.Logger
	streamKey string
	sink      Sink
	startTime time.Time
	demuxOpts []mpegts.Option

	// mu serializes demuxer access between Ingest and the snapshot methods.
	mu       sync.Mutex
	demuxer  *mpegts.Demuxer
	tracks   map[uint16]Track
	captions map[uint16]*captions.Extractor

	videoForwarded atomic.Int64
	keyframes      atomic.Int64
	audioForwarded atomic.Int64
	audioFrames    atomic.Int64
	captionFwd     atomic.Int64
	lastVideoPTS   atomic.Int64
	lastAudioPTS   atomic.Int64
}

// New creates a Pipeline for streamKey delivering to sink.
func New(streamKey string, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		log:       slog.With("stream", streamKey),
		streamKey: streamKey,
		sink:      sink,
		startTime: time.Now(),
		tracks:    make(map[uint16]Track),
	}
	for _, opt := range opts {
		opt(p)
	}

	demuxOpts := append([]mpegts.Option{
		mpegts.WithLogger(slog.With("stream", streamKey)),
	}, p.demuxOpts...)
	p.demuxer = mpegts.New(p, demuxOpts...)
	return p
}

// Run feeds input through the demuxer until it is exhausted or ctx is
// cancelled.
func (p *Pipeline) Run(ctx context.Context, input io.Reader) error {
	err := ingest.Feed(ctx, input, p)
	s := p.Stats()
	p.log.Info("pipeline finished",
		"packets", s.Demux.Packets,
		"samples", s.Demux.SamplesEmitted,
		"dropped", s.Demux.SamplesDropped,
		"malformed", s.Demux.MalformedPackets,
		"error", err)
	return err
}

// Ingest demuxes buf and returns the number of bytes consumed.
func (p *Pipeline) Ingest(buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.demuxer.Ingest(buf)
}

// Reset discards all demuxer state, as after a source discontinuity.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.demuxer.Reset()
	p.tracks = make(map[uint16]Track)
	if p.captions != nil {
		p.captions = make(map[uint16]*captions.Extractor)
	}
}

// ConsumeSample implements mpegts.SampleConsumer. It runs inside Ingest
// with p.mu held.
func (p *Pipeline) ConsumeSample(pid uint16, s *mpegts.Sample) {
	if _, ok := p.tracks[pid]; !ok {
		p.announce(pid, s)
	}

	var pts int64
	if s.PTS != nil {
		pts = s.PTS.Base
	}

	switch {
	case s.Format.Video != nil:
		p.videoForwarded.Add(1)
		if s.Keyframe {
			p.keyframes.Add(1)
		}
		p.lastVideoPTS.Store(pts)
		p.extractCaptions(pid, s, pts)
	case s.Format.Audio != nil:
		p.audioForwarded.Add(1)
		p.lastAudioPTS.Store(pts)
		if s.Format.Codec == format.CodecAAC {
			// A PES packet may carry several ADTS frames.
			frames, err := format.ParseADTS(s.Data)
			if err != nil {
				p.log.Debug("ADTS parse error", "pid", pid, "error", err)
			}
			p.audioFrames.Add(int64(len(frames)))
		}
	}

	p.sink.WriteSample(p.streamKey, s)
}

func (p *Pipeline) announce(pid uint16, s *mpegts.Sample) {
	t := Track{
		PID:        pid,
		StreamType: s.StreamType,
		Codec:      s.Format.CodecString(),
	}
	if es, ok := p.demuxer.Streams()[pid]; ok {
		t.ProgramNumber = es.ProgramNumber
	}
	if v := s.Format.Video; v != nil {
		t.Width, t.Height = v.Width, v.Height
	}
	if a := s.Format.Audio; a != nil {
		t.SampleRate, t.Channels = a.SampleRate, a.ChannelCount
	}
	p.tracks[pid] = t
	p.log.Info("track found", "pid", pid, "codec", t.Codec,
		"width", t.Width, "height", t.Height,
		"sample_rate", t.SampleRate, "channels", t.Channels)
	p.sink.TrackFound(p.streamKey, t)
}

func (p *Pipeline) extractCaptions(pid uint16, s *mpegts.Sample, pts int64) {
	if p.captions == nil {
		return
	}
	if s.Format.Codec != format.CodecH264 && s.Format.Codec != format.CodecH265 {
		return
	}
	ex := p.captions[pid]
	if ex == nil {
		ex = captions.NewExtractor()
		p.captions[pid] = ex
	}
	for _, frame := range ex.Extract(s.Format.Codec, s.Data, pts) {
		p.sink.WriteCaptions(p.streamKey, frame)
		p.captionFwd.Add(1)
	}
}

// Stats returns a snapshot of the pipeline's counters and known tracks.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	demux := p.demuxer.Stats()
	tracks := make([]Track, 0, len(p.tracks))
	for _, t := range p.tracks {
		tracks = append(tracks, t)
	}
	p.mu.Unlock()

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].PID < tracks[j].PID })

	return Stats{
		UptimeMs:       time.Since(p.startTime).Milliseconds(),
		VideoForwarded: p.videoForwarded.Load(),
		Keyframes:      p.keyframes.Load(),
		AudioForwarded: p.audioForwarded.Load(),
		AudioFrames:    p.audioFrames.Load(),
		CaptionFwd:     p.captionFwd.Load(),
		LastVideoPTS:   p.lastVideoPTS.Load(),
		LastAudioPTS:   p.lastAudioPTS.Load(),
		Tracks:         tracks,
		Demux:          demux,
	}
}

// Programs returns the program association table currently in force.
func (p *Pipeline) Programs() *mpegts.PATData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.demuxer.Programs()
}
