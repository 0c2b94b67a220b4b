package srt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tsdemux/internal/ingest"
)

const dialTimeout = 10 * time.Second

// PullRequest describes a remote SRT source to pull from.
type PullRequest struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

func (req PullRequest) validate() error {
	if req.Address == "" {
		return fmt.Errorf("address is required")
	}
	if req.StreamKey == "" {
		return fmt.Errorf("streamKey is required")
	}
	return nil
}

// streamID returns the SRT stream ID sent to the remote listener.
func (req PullRequest) streamID() string {
	if req.StreamID != "" {
		return req.StreamID
	}
	return "live/" + req.StreamKey
}

// Caller dials remote SRT listeners and streams their transport stream
// into the ingest registry.
type Caller struct {
	log      *slog.Logger
	registry *ingest.Registry

	mu    sync.Mutex
	pulls map[string]context.CancelFunc
}

// NewCaller creates a Caller that registers pulled streams with registry.
// If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		pulls:    make(map[string]context.CancelFunc),
	}
}

// Pull dials the remote listener synchronously, returning an error if the
// connection fails. On success data is pumped in a background goroutine
// until the remote closes, Stop is called or ctx is cancelled.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	pullCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, exists := c.pulls[req.StreamKey]; exists {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("pull already active for stream key %q", req.StreamKey)
	}
	c.pulls[req.StreamKey] = cancel
	c.mu.Unlock()

	c.log.Info("dialing", "address", req.Address, "stream_key", req.StreamKey)

	conn, err := c.dial(pullCtx, req)
	if err != nil {
		c.release(req.StreamKey)
		return err
	}

	src, w := c.registry.Register(req.StreamKey)
	src.SetRemoteAddr(req.Address)

	go func() {
		<-pullCtx.Done()
		conn.Close()
	}()

	go func() {
		defer func() {
			conn.Close()
			c.registry.Remove(src)
			c.release(req.StreamKey)
			stats := src.Stats()
			c.log.Info("pull ended", "stream_key", req.StreamKey,
				"bytes", stats.BytesReceived, "reads", stats.ReadCount,
				"uptime_ms", stats.UptimeMs)
		}()
		_ = pump(pullCtx, c.log, conn, src, w)
	}()

	return nil
}

func (c *Caller) dial(ctx context.Context, req PullRequest) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = req.streamID()

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(req.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	// On timeout or cancellation the dial result is drained in the
	// background and any late connection closed.
	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

func (c *Caller) release(key string) {
	c.mu.Lock()
	cancel, ok := c.pulls[key]
	delete(c.pulls, key)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels the active pull for streamKey.
func (c *Caller) Stop(streamKey string) error {
	c.mu.Lock()
	cancel, ok := c.pulls[streamKey]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active pull for stream key %q", streamKey)
	}
	cancel()
	return nil
}

// ActivePulls returns the stream keys of all active pulls.
func (c *Caller) ActivePulls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.pulls))
	for key := range c.pulls {
		out = append(out, key)
	}
	return out
}
