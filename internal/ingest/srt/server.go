package srt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsdemux/internal/ingest"
)

// latencyNs is the SRT receiver latency, 120ms.
const latencyNs = 120_000_000

// Server accepts SRT publish connections and registers each one as an
// ingest source.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server. If log is nil, slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server", "addr", addr),
		addr:     addr,
		registry: registry,
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	opts := srtgo.DefaultConfig()
	opts.Latency = latencyNs

	l, err := srtgo.Listen(s.addr, opts)
	if err != nil {
		return fmt.Errorf("srt: listen %s: %w", s.addr, err)
	}
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if _, ok := publishKey(req.StreamID); !ok {
			s.log.Debug("rejecting connection", "stream_id", req.StreamID)
			return srtgo.RejPeer
		}
		return 0
	})
	s.log.Info("listening")

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		key, _ := publishKey(conn.StreamID())
		go s.serve(ctx, conn, key)
	}
}

func (s *Server) serve(ctx context.Context, conn *srtgo.Conn, key string) {
	defer conn.Close()

	src, w := s.registry.Register(key)
	defer s.registry.Remove(src)
	src.SetRemoteAddr(conn.RemoteAddr().String())
	s.log.Info("publish started", "stream_key", src.Key, "remote", conn.RemoteAddr())

	_ = pump(ctx, s.log, conn, src, w)

	st := src.Stats()
	s.log.Info("publish ended", "stream_key", src.Key,
		"bytes", st.BytesReceived, "reads", st.ReadCount, "uptime_ms", st.UptimeMs)
}

// publishKey derives the registry key from an SRT stream ID. Plain IDs
// ("cam1", "/live/cam1") and the access-control syntax
// ("#!::r=live/cam1,m=publish") are accepted; a leading "live/" is
// dropped. Empty IDs and non-publish modes are refused.
func publishKey(streamID string) (string, bool) {
	resource := streamID
	if rest, ok := strings.CutPrefix(streamID, "#!::"); ok {
		resource = ""
		for _, kv := range strings.Split(rest, ",") {
			k, v, _ := strings.Cut(kv, "=")
			switch k {
			case "r":
				resource = v
			case "m":
				if v != "publish" {
					return "", false
				}
			}
		}
	}

	resource = strings.TrimPrefix(resource, "/")
	resource = strings.TrimPrefix(resource, "live/")
	if resource == "" {
		return "", false
	}
	return resource, true
}
