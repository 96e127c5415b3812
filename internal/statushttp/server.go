// Package statushttp exposes a small read-only HTTP surface over a running
// cosmos-server: liveness, and a snapshot of world/replication counters for
// operators. It never touches game state directly — callers hand it a
// StatusFunc closure so the core packages stay free of an HTTP dependency.
package statushttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Status is the JSON body served at /status.
type Status struct {
	TickRateHz   int    `json:"tick_rate_hz"`
	PeerCount    int    `json:"peer_count"`
	EntityCount  int    `json:"entity_count"`
	LoadFailures uint64 `json:"load_failures"`
}

// StatusFunc produces a fresh Status snapshot on demand.
type StatusFunc func() Status

// Server is a small chi router serving /healthz and /status.
type Server struct {
	router     chi.Router
	httpServer *http.Server
}

// NewServer constructs the router and HTTP server bound to addr. status is
// called once per request to /status; it must be safe for concurrent use.
func NewServer(addr string, status StatusFunc) *Server {
	r := chi.NewRouter()
	s := &Server{router: r}
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	})
	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start blocks serving HTTP until the listener errors or is closed.
func (s *Server) Start() error { return s.httpServer.ListenAndServe() }

// Close shuts the HTTP server down.
func (s *Server) Close() error { return s.httpServer.Close() }
