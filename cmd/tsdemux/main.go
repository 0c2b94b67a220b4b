package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsdemux/internal/ingest"
	srtingest "github.com/zsiec/tsdemux/internal/ingest/srt"
	"github.com/zsiec/tsdemux/internal/mpegts"
	"github.com/zsiec/tsdemux/internal/pipeline"
	"github.com/zsiec/tsdemux/internal/stream"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	if cfg.input != "" {
		if err := runFile(ctx, cfg); err != nil {
			slog.Error("demux failed", "input", cfg.input, "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runServer(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type config struct {
	input      string
	srtAddr    string
	srtPull    string
	apiAddr    string
	packetSize int
	captions   bool
	checkCC    bool
}

func loadConfig(args []string) (config, error) {
	cfg := config{
		input:    envOr("INPUT", ""),
		srtAddr:  envOr("SRT_ADDR", ":6000"),
		srtPull:  envOr("SRT_PULL", ""),
		apiAddr:  envOr("API_ADDR", ":4444"),
		captions: os.Getenv("CAPTIONS") != "",
		checkCC:  os.Getenv("CHECK_CC") != "",
	}
	if len(args) > 0 {
		cfg.input = args[0]
	}

	size, err := strconv.Atoi(envOr("PACKET_SIZE", strconv.Itoa(mpegts.PacketSize)))
	if err != nil {
		return cfg, fmt.Errorf("PACKET_SIZE: %w", err)
	}
	switch size {
	case mpegts.PacketSize, mpegts.PacketSizeM2TS, mpegts.PacketSizeRS:
	default:
		return cfg, fmt.Errorf("PACKET_SIZE: unsupported size %d", size)
	}
	cfg.packetSize = size
	return cfg, nil
}

func (c config) pipelineOptions() []pipeline.Option {
	demuxOpts := []mpegts.Option{mpegts.WithPacketSize(c.packetSize)}
	if c.checkCC {
		demuxOpts = append(demuxOpts, mpegts.WithContinuityCheck())
	}
	opts := []pipeline.Option{pipeline.WithDemuxOptions(demuxOpts...)}
	if c.captions {
		opts = append(opts, pipeline.WithCaptions())
	}
	return opts
}

// runFile demuxes a single file, or stdin when the input is "-".
func runFile(ctx context.Context, cfg config) error {
	var r io.Reader = os.Stdin
	if cfg.input != "-" {
		f, err := os.Open(cfg.input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	p := pipeline.New(cfg.input, newLogSink(os.Stdout), cfg.pipelineOptions()...)
	return p.Run(ctx, r)
}

func runServer(ctx context.Context, cfg config) error {
	a := &app{
		cfg:  cfg,
		mgr:  stream.NewManager(nil),
		sink: newLogSink(os.Stdout),
	}

	slog.Info("tsdemux starting",
		"version", version,
		"srt", cfg.srtAddr,
		"api", cfg.apiAddr,
		"packet_size", cfg.packetSize,
		"captions", cfg.captions,
	)

	g, ctx := errgroup.WithContext(ctx)

	// Create registry and SRT caller after errgroup so closures capture the
	// errgroup-derived context, ensuring streams shut down when any component fails.
	a.registry = ingest.NewRegistry(func(src *ingest.Source, input io.Reader) {
		a.handleNewStream(ctx, src, input)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)

	if cfg.srtPull != "" {
		req, err := parsePull(cfg.srtPull)
		if err != nil {
			return err
		}
		if err := a.srtCaller.Pull(ctx, req); err != nil {
			return fmt.Errorf("SRT pull %s: %w", cfg.srtPull, err)
		}
	}

	srtSrv := srtingest.NewServer(cfg.srtAddr, a.registry, nil)

	apiSrv := &http.Server{
		Addr:              cfg.apiAddr,
		Handler:           a.apiHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		slog.Info("HTTP API server listening", "addr", cfg.apiAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type app struct {
	cfg       config
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
	sink      pipeline.Sink
}

func (a *app) handleNewStream(ctx context.Context, src *ingest.Source, input io.Reader) {
	key := src.Key
	slog.Info("new stream from ingest", "key", key)

	// A reconnect under the same key replaces the previous source; wait
	// for its pipeline to wind down before taking over the key.
	s, created := a.mgr.Create(key)
	for !created {
		if old, ok := a.mgr.Get(key); ok {
			select {
			case <-old.Done():
			case <-ctx.Done():
				return
			}
		}
		s, created = a.mgr.Create(key)
	}
	defer a.mgr.Remove(key)

	p := pipeline.New(key, a.sink, a.cfg.pipelineOptions()...)
	s.SetPipeline(p)

	if err := p.Run(ctx, input); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline error", "stream", key, "error", err)
	}
	slog.Info("stream ended", "key", key)
}

// parsePull parses SRT_PULL as "host:port" or "host:port/streamKey".
func parsePull(v string) (srtingest.PullRequest, error) {
	addr, key, _ := strings.Cut(v, "/")
	if key == "" {
		key = "pull"
	}
	req := srtingest.PullRequest{Address: addr, StreamKey: key}
	if addr == "" {
		return req, fmt.Errorf("SRT_PULL: missing address in %q", v)
	}
	return req, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
