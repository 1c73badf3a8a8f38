package debugsink

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/planartrack/engine/scheduler"
)

// StatsProvider is whatever can report the scheduler's rolling counters;
// satisfied by *scheduler.Scheduler.
type StatsProvider interface {
	Stats() scheduler.Stats
}

// Server exposes the debug websocket feed and a small JSON status API
// over HTTP.
type Server struct {
	Hub    *Hub
	stats  StatsProvider
	logger *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer builds a Server backed by hub and an optional stats
// provider (may be nil if no scheduler stats should be exposed).
func NewServer(hub *Hub, stats StatsProvider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Hub:    hub,
		stats:  stats,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Mux builds the HTTP handler: /ws for the live result feed, /api/stats
// for a point-in-time snapshot.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/stats", s.handleStats)
	return mux
}

// ListenAndServe starts the HTTP server and the hub's fan-out loop; it
// blocks until the server stops or errors.
func (s *Server) ListenAndServe(addr string) error {
	go s.Hub.Run()
	s.logger.Info("debugsink: listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, s.Mux()); err != nil {
		return fmt.Errorf("debugsink: http server: %w", err)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("debugsink: websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 32)}
	s.Hub.register <- c
	go c.writePump()
	go c.readPump(s.Hub)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.stats.Stats())
}
