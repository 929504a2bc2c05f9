package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
)

const serverLogPrefix = "socket:server"

// NewServerParams holds parameters for NewServer.
type NewServerParams struct {
	Config Config
	// OnAccept receives each accepted connection and is responsible for
	// starting it. When nil the server starts it with no handler.
	OnAccept func(t *Transport)
	// OnClose is told when an accepted connection ends.
	OnClose func(t *Transport)
	// CheckOrigin overrides the same-origin check during the upgrade.
	CheckOrigin func(r *http.Request) bool
}

// Server upgrades HTTP requests to websocket connections, each becoming an
// accepted Transport.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	onAccept func(*Transport)
	onClose  func(*Transport)

	mu     sync.Mutex
	conns  map[*Transport]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(params NewServerParams) (*Server, error) {
	if err := params.Config.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg: params.Config,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: params.Config.HandshakeTimeout,
			CheckOrigin:      params.CheckOrigin,
		},
		onAccept: params.OnAccept,
		onClose:  params.OnClose,
		conns:    make(map[*Transport]struct{}),
	}, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - upgrade from %s failed: %v", serverLogPrefix, r.RemoteAddr, err))
		return
	}

	t := accepted(fmt.Sprintf("socket:%s", r.RemoteAddr), conn, s.cfg)
	t.onClose = s.untrack

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[t] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - accepted %s", serverLogPrefix, t.Name()))
	if s.onAccept != nil {
		s.onAccept(t)
		return
	}
	if err := t.Start(context.Background()); err != nil {
		slog.Warn(fmt.Sprintf("%s - start %s: %v", serverLogPrefix, t.Name(), err))
	}
}

func (s *Server) untrack(t *Transport) {
	s.mu.Lock()
	_, ok := s.conns[t]
	delete(s.conns, t)
	s.mu.Unlock()
	if !ok {
		return
	}
	slog.Info(fmt.Sprintf("%s - %s closed", serverLogPrefix, t.Name()))
	if s.onClose != nil {
		s.onClose(t)
	}
	s.wg.Done()
}

// Connections returns the accepted connections still open, ordered by name.
func (s *Server) Connections() []*Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Transport, 0, len(s.conns))
	for t := range s.conns {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close refuses new upgrades and disconnects every accepted connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	for _, t := range s.Connections() {
		t.Disconnect()
	}
	s.wg.Wait()
	return nil
}
