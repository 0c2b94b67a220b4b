package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/zsiec/ccx"

	"github.com/zsiec/tsdemux/internal/mpegts"
	"github.com/zsiec/tsdemux/internal/pipeline"
)

// logSink prints one line per track, sample and caption.
type logSink struct {
	mu sync.Mutex
	w  io.Writer
}

func newLogSink(w io.Writer) *logSink {
	return &logSink{w: w}
}

func (s *logSink) TrackFound(key string, t pipeline.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case t.Width > 0:
		fmt.Fprintf(s.w, "%s track pid=%d program=%d codec=%s %dx%d\n",
			key, t.PID, t.ProgramNumber, t.Codec, t.Width, t.Height)
	case t.SampleRate > 0:
		fmt.Fprintf(s.w, "%s track pid=%d program=%d codec=%s %dHz %dch\n",
			key, t.PID, t.ProgramNumber, t.Codec, t.SampleRate, t.Channels)
	default:
		fmt.Fprintf(s.w, "%s track pid=%d program=%d codec=%s\n",
			key, t.PID, t.ProgramNumber, t.Codec)
	}
}

func (s *logSink) WriteSample(key string, smp *mpegts.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s sample pid=%d pts=%s dts=%s size=%d key=%t\n",
		key, smp.PID, clock(smp.PTS), clock(smp.DTS), len(smp.Data), smp.Keyframe)
}

func (s *logSink) WriteCaptions(key string, f *ccx.CaptionFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s caption ch=%d pts=%d %q\n", key, f.Channel, f.PTS, f.Text)
}

func clock(c *mpegts.ClockReference) string {
	if c == nil {
		return "-"
	}
	return fmt.Sprint(c.Base)
}
