package ws

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// HandlerFunc processes a client message. It receives the connection and the
// raw message. Handlers must return immediately — long-running work should be
// spawned in a goroutine.
type HandlerFunc func(c *Conn, msg *ClientMessage)

// Server manages WebSocket connections and message dispatch.
type Server struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}

	handlers     map[string]HandlerFunc
	disconnectFn func(c *Conn) // called when a connection is removed
}

func NewServer() *Server {
	return &Server{
		conns:    make(map[*Conn]struct{}),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for a named event.
func (s *Server) Handle(event string, fn HandlerFunc) {
	s.handlers[event] = fn
}

// HandleConnect registers a handler that fires when a new WebSocket connection
// is established (before the read pump starts).
func (s *Server) HandleConnect(fn func(c *Conn)) {
	s.handlers["__connect"] = func(c *Conn, _ *ClientMessage) {
		fn(c)
	}
}

// ServeHTTP upgrades the HTTP request to a WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "err", err)
		return
	}

	c := newConn(conn, s)
	s.add(c)

	slog.Debug("ws connected", "remote", r.RemoteAddr)

	if h, ok := s.handlers["__connect"]; ok {
		h(c, nil)
	}

	// Block on the read pump — this goroutine is owned by net/http
	c.readPump(r.Context())
}

// Broadcast sends a push event to all connected clients.
func Broadcast[T any](s *Server, event string, data T) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.conns {
		SendEvent(c, event, data)
	}
}

// BroadcastAuthenticated sends a push event to all authenticated clients.
func BroadcastAuthenticated[T any](s *Server, event string, data T) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.conns {
		if c.UserID() != 0 {
			SendEvent(c, event, data)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// OnDisconnect registers a callback that fires when a connection is removed.
func (s *Server) OnDisconnect(fn func(c *Conn)) {
	s.disconnectFn = fn
}

// DisconnectOthers closes all connections except the given one.
func (s *Server) DisconnectOthers(keep *Conn) {
	s.mu.RLock()
	others := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if c != keep {
			others = append(others, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range others {
		c.Close()
	}
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()

	if s.disconnectFn != nil {
		s.disconnectFn(c)
	}

	slog.Debug("ws disconnected", "remaining", s.ConnectionCount())
}

func (s *Server) dispatch(c *Conn, msg *ClientMessage) {
	// Run each handler in its own goroutine so slow handlers don't block
	// the read pump and delay other messages.
	go func() {
		h, ok := s.handlers[msg.Event]
		if !ok {
			slog.Warn("ws unknown event", "event", msg.Event)
			if msg.ID != nil {
				SendAck(c, *msg.ID, ErrorResponse{OK: false, Msg: "unknown event: " + msg.Event})
			}
			return
		}
		h(c, msg)
	}()
}
