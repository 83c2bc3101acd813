package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c360/rtlstream/session"
	"github.com/c360/rtlstream/transport"
)

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws/{resource}", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	return r
}

// handleWebSocket upgrades /ws/{tags,zone,all,gateway} and runs the session
// on the request goroutine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	kind, err := session.ParseKind(chi.URLParam(r, "resource"))
	if err != nil {
		http.Error(w, "unknown resource", http.StatusNotFound)
		return
	}
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.Serve(kind, transport.NewWebSocket(conn, s.cfg.WriteTimeout, s.cfg.MaxFrameSize))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Health.Check(r.Context())
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Debug("health response write failed", "error", err)
	}
}
