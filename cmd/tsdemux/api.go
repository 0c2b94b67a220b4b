package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"

	"github.com/zsiec/tsdemux/internal/ingest"
	"github.com/zsiec/tsdemux/internal/stream"
)

type streamResponse struct {
	stream.Info
	Ingest *ingest.Stats `json:"ingest,omitempty"`
}

func (a *app) apiHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", a.handleListStreams)
	mux.HandleFunc("GET /api/streams/{key}", a.handleGetStream)
	mux.HandleFunc("GET /api/srt/pulls", a.handleListPulls)
	mux.HandleFunc("DELETE /api/srt/pulls/{key}", a.handleStopPull)
	return mux
}

func (a *app) streamResponse(s *stream.Stream) streamResponse {
	resp := streamResponse{Info: s.Info()}
	if src, ok := a.registry.Get(s.Key); ok {
		st := src.Stats()
		resp.Ingest = &st
	}
	return resp
}

func (a *app) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	streams := a.mgr.List()
	out := make([]streamResponse, len(streams))
	for i, s := range streams {
		out[i] = a.streamResponse(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *app) handleGetStream(w http.ResponseWriter, r *http.Request) {
	s, ok := a.mgr.Get(r.PathValue("key"))
	if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.streamResponse(s))
}

func (a *app) handleListPulls(w http.ResponseWriter, _ *http.Request) {
	pulls := a.srtCaller.ActivePulls()
	sort.Strings(pulls)
	writeJSON(w, http.StatusOK, pulls)
}

func (a *app) handleStopPull(w http.ResponseWriter, r *http.Request) {
	if err := a.srtCaller.Stop(r.PathValue("key")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
