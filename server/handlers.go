package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pithecene-io/splice/metrics"
	"github.com/pithecene-io/splice/store"
	"github.com/pithecene-io/splice/types"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	InFlight      int               `json:"in_flight"`
	IdleTTL       time.Duration     `json:"idle_ttl"`
	Apps          int               `json:"apps"`
	Metrics       metrics.Snapshot  `json:"metrics"`
	Entries       []store.EntryInfo `json:"entries"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: types.Version})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	entries := s.store.Snapshot()
	writeJSON(w, http.StatusOK, StatsResponse{
		Version:       types.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		InFlight:      len(entries),
		IdleTTL:       s.cfg.IdleTTL,
		Apps:          s.store.Apps(),
		Metrics:       s.metrics.Snapshot(),
		Entries:       entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
