package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ReadBufferSize is the read size used by Feed: ten SRT payloads of seven
// 188-byte packets each.
const ReadBufferSize = 1316 * 10

// Ingester consumes whole transport packets from the front of a buffer and
// reports how many bytes it took. *mpegts.Demuxer implements it.
type Ingester interface {
	Ingest(buf []byte) int
}

// Feed reads r until EOF or until ctx is cancelled, handing the bytes to
// dst. Bytes dst leaves unconsumed (a partial packet at the end of a read)
// are carried into the next call. A trailing partial packet at EOF is
// discarded. Feed returns nil on EOF.
func Feed(ctx context.Context, r io.Reader, dst Ingester) error {
	buf := make([]byte, 0, ReadBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if cap(buf)-len(buf) < ReadBufferSize/2 {
			buf = append(make([]byte, 0, len(buf)+ReadBufferSize), buf...)
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]

		if n > 0 {
			consumed := dst.Ingest(buf)
			rest := copy(buf, buf[consumed:])
			buf = buf[:rest]
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("ingest: read: %w", err)
		}
	}
}
