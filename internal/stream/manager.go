// Package stream tracks the lifecycle of active streams and the pipelines
// demuxing them, providing create/remove/list operations used by the
// ingest layer and the status API.
package stream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/tsdemux/internal/pipeline"
)

// Stream represents a live stream.
type Stream struct {
	Key       string
	StartedAt time.Time
	done      chan struct{}

	mu       sync.RWMutex
	pipeline *pipeline.Pipeline
}

// Done is closed when the stream is removed from its manager.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// SetPipeline attaches the pipeline demuxing this stream.
func (s *Stream) SetPipeline(p *pipeline.Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipeline = p
}

// Pipeline returns the attached pipeline, or nil.
func (s *Stream) Pipeline() *pipeline.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline
}

// Info is a JSON-friendly summary of one stream.
type Info struct {
	Key       string          `json:"key"`
	StartedAt time.Time       `json:"startedAt"`
	Stats     *pipeline.Stats `json:"stats,omitempty"`
}

// Info returns a snapshot of the stream and its pipeline statistics.
func (s *Stream) Info() Info {
	info := Info{Key: s.Key, StartedAt: s.StartedAt}
	if p := s.Pipeline(); p != nil {
		st := p.Stats()
		info.Stats = &st
	}
	return info
}

// Manager manages the lifecycle of active streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream. Returns the stream and true if created,
// or nil and false if a stream with this key already exists.
func (m *Manager) Create(key string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.streams[key] = s
	m.log.Info("stream created", "key", key)
	return s, true
}

// Get returns the stream registered under key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove removes a stream from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		m.log.Info("stream removed", "key", key)
	}
}

// List returns all active streams, ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}
