package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/zsiec/tsdemux/internal/ingest"
)

// readBufferSize holds ten 1316-byte SRT payloads (7 TS packets each).
const readBufferSize = 1316 * 10

// pump copies r into the source pipe w, recording every read on src. It
// returns when r ends, the pipeline side of the pipe is closed or ctx is
// cancelled. The returned error is nil on a clean end of stream.
func pump(ctx context.Context, log *slog.Logger, r io.Reader, src *ingest.Source, w io.Writer) error {
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			src.RecordRead(n)
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug("source closed", "stream_key", src.Key, "error", werr)
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			log.Debug("read error", "stream_key", src.Key, "error", err)
			return err
		}
	}
}
