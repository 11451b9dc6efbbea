// Package webserver is the optional loopback status server. It exposes the
// lobby snapshot and connection state as JSON and streams events over SSE.
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flowna/flowna-cli/internal/events"
	"github.com/flowna/flowna-cli/internal/room"
)

type Config struct {
	Enabled bool
	Port    int
	Host    string
	// Secret enables bearer authentication when non-empty.
	Secret string
}

// ConnectionStatus is the broker connection as reported by /api/connection.
type ConnectionStatus struct {
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	LastError string `json:"lastError,omitempty"`
}

// Sources supplies the data the endpoints serve. Room reports false when the
// user is in no room.
type Sources struct {
	Room       func() (room.Snapshot, bool)
	Connection func() ConnectionStatus
}

type Server struct {
	cfg     Config
	src     Sources
	logger  *slog.Logger
	mu      sync.Mutex
	clients map[chan events.Event]struct{}
	srv     *http.Server
	addr    string
}

func New(cfg Config, src Sources, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		src:     src,
		logger:  logger,
		clients: make(map[chan events.Event]struct{}),
	}
}

// Broadcast implements events.Broadcaster. Slow clients miss events rather
// than block the sender.
func (s *Server) Broadcast(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Server) addClient(ch chan events.Event) {
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(ch chan events.Event) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

// Clients returns the number of connected SSE clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/room", s.handleRoom)
	mux.HandleFunc("GET /api/connection", s.handleConnection)
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.Handle("GET /", http.FileServer(staticFiles()))
	if s.cfg.Secret == "" {
		return mux
	}
	return bearerMiddleware(s.cfg.Secret, []string{"/healthz"}, mux)
}

// Start listens in the background. It returns once the listener is bound so
// the caller learns about port conflicts.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", "err", err)
		}
	}()
	s.logger.Info("status server listening", "addr", s.addr)
	return nil
}

// Addr is the bound address after Start.
func (s *Server) Addr() string { return s.addr }

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	if s.src.Room == nil {
		http.Error(w, "not in a room", http.StatusNotFound)
		return
	}
	snap, ok := s.src.Room()
	if !ok {
		http.Error(w, "not in a room", http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	st := ConnectionStatus{State: "disconnected"}
	if s.src.Connection != nil {
		st = s.src.Connection()
	}
	writeJSON(w, st)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", 500)
		return
	}

	ch := make(chan events.Event, 16)
	s.addClient(ch)
	defer s.removeClient(ch)

	st := ConnectionStatus{State: "disconnected"}
	if s.src.Connection != nil {
		st = s.src.Connection()
	}
	writeSSE(w, flusher, events.Event{Type: events.TypeConnectionState, State: st.State})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSE(w, flusher, e)
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, f http.Flusher, e events.Event) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "data: %s\n\n", data)
	f.Flush()
}
