// Package ingest manages active transport stream sources, coupling their
// byte readers with metadata and lifecycle signaling, and feeds them into
// demuxers.
package ingest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Stats captures connection-level metrics for an ingest source.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Source represents an active transport stream source. Bytes written to the
// internal pipe by a receiver are read by the source's demux pipeline.
type Source struct {
	Key       string
	StartedAt time.Time
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters, called by the receiver
// after each successful socket read.
func (s *Source) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the source for diagnostics.
func (s *Source) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the source is unregistered.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the source's connection metrics.
func (s *Source) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active sources by key and dispatches new sources to the
// onSource callback. It is the rendezvous point between receivers (SRT,
// files) and demux pipelines.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	onSource func(src *Source, input io.Reader)
}

// NewRegistry creates a Registry. The onSource callback is invoked
// asynchronously whenever a new source is registered.
func NewRegistry(onSource func(src *Source, input io.Reader)) *Registry {
	return &Registry{
		sources:  make(map[string]*Source),
		onSource: onSource,
	}
}

// Register creates a source and returns it with the writer its receiver
// should write into. An empty key is replaced by a random one. A source
// already registered under key is unregistered first.
func (r *Registry) Register(key string) (*Source, io.Writer) {
	if key == "" {
		key = uuid.NewString()
	}
	pr, pw := io.Pipe()

	src := &Source{
		Key:       key,
		StartedAt: time.Now(),
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.sources[key]
	r.sources[key] = src
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	if r.onSource != nil {
		go r.onSource(src, pr)
	}

	return src, pw
}

// Unregister removes a source by key, closing its pipe and signaling Done.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	src, ok := r.sources[key]
	if ok {
		delete(r.sources, key)
	}
	r.mu.Unlock()

	if ok {
		src.close()
	}
}

// Remove unregisters src only if it is still the source registered under
// its key.
func (r *Registry) Remove(src *Source) {
	r.mu.Lock()
	cur, ok := r.sources[src.Key]
	if ok && cur == src {
		delete(r.sources, src.Key)
	}
	r.mu.Unlock()

	if ok && cur == src {
		src.close()
	}
}

func (s *Source) close() {
	s.pw.Close()
	close(s.done)
}

// Get returns the source registered under key.
func (r *Registry) Get(key string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[key]
	return s, ok
}

// Keys returns the keys of all registered sources.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sources))
	for k := range r.sources {
		keys = append(keys, k)
	}
	return keys
}
