// srt-push streams an MPEG-TS file to an SRT listener in real time,
// looping forever. Pacing is derived from the file's presentation
// timestamps.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/tsdemux/internal/mpegts"
)

const defaultDuration = 60.0

func main() {
	fileFlag := flag.String("file", "", "TS file to push")
	keyFlag := flag.String("key", "", "Stream key (default: filename without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	durationFlag := flag.Float64("duration", 0, "Known duration in seconds (skips PTS detection)")
	flag.Parse()

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  srt-push --file stream.ts --key mykey [--addr host:port]\n")
		os.Exit(1)
	}

	key := *keyFlag
	if key == "" {
		base := filepath.Base(filePath)
		key = base[:len(base)-len(filepath.Ext(base))]
	}

	pushSingle(filePath, "live/"+key, *addrFlag, *durationFlag)
}

// selectDuration picks the pacing duration: an explicit override, then the
// PTS-derived duration, then a 60s default.
func selectDuration(override, measured float64) float64 {
	if override > 0 {
		return override
	}
	if measured > 0 {
		return measured
	}
	return defaultDuration
}

// ptsDuration demuxes data and returns the presentation span, in seconds,
// of the elementary stream with the widest span.
func ptsDuration(data []byte) float64 {
	type span struct{ first, last int64 }
	spans := make(map[uint16]*span)

	d := mpegts.New(mpegts.SampleConsumerFunc(func(pid uint16, s *mpegts.Sample) {
		if s.PTS == nil {
			return
		}
		sp := spans[pid]
		if sp == nil {
			spans[pid] = &span{s.PTS.Base, s.PTS.Base}
			return
		}
		sp.last = s.PTS.Base
	}))
	d.Ingest(data)

	var widest int64
	for _, sp := range spans {
		if w := sp.last - sp.first; w > widest {
			widest = w
		}
	}
	return float64(widest) / 90000
}

func pushSingle(filePath, streamID, addr string, durationOverride float64) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		return
	}

	totalPackets := len(data) / mpegts.PacketSize
	if len(data)%mpegts.PacketSize != 0 {
		fmt.Fprintf(os.Stderr, "Warning: file size not a multiple of %d\n", mpegts.PacketSize)
	}

	var measured float64
	if durationOverride <= 0 {
		measured = ptsDuration(data)
	}
	duration := selectDuration(durationOverride, measured)
	bytesPerSec := float64(len(data)) / duration
	chunkSize := mpegts.PacketSize * 7

	fmt.Printf("File: %s (%d packets, %.1fs, %.0f bytes/sec)\n", filePath, totalPackets, duration, bytesPerSec)

	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID

		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected, streaming continuously\n", streamID)
		writeErr := streamLoop(conn, data, bytesPerSec, chunkSize, streamID)
		conn.Close()

		if writeErr != nil {
			fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", streamID, writeErr)
			time.Sleep(time.Second)
		}
	}
}

func streamLoop(conn *srt.Conn, data []byte, bytesPerSec float64, chunkSize int, streamID string) error {
	start := time.Now()
	var sent int64
	lastLog := time.Now()
	const logInterval = 10 * time.Second

	for loop := 1; ; loop++ {
		for i := 0; i < len(data); i += chunkSize {
			end := min(i+chunkSize, len(data))

			if _, err := conn.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			// Pace against the global clock so there is no burst at the
			// loop seam.
			expected := float64(sent) / bytesPerSec
			if elapsed := time.Since(start).Seconds(); expected > elapsed {
				time.Sleep(time.Duration((expected - elapsed) * float64(time.Second)))
			}

			if time.Since(lastLog) >= logInterval {
				rate := float64(sent) / time.Since(start).Seconds()
				fmt.Printf("[%s] loop=%d offset=%.1f%% rate=%.0f B/s (target=%.0f) total=%.1f MB\n",
					streamID, loop, float64(i)/float64(len(data))*100, rate, bytesPerSec,
					float64(sent)/(1024*1024))
				lastLog = time.Now()
			}
		}
	}
}
