// Package wstest provides an in-process WebSocket server for transport tests.
package wstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Server is a WebSocket test server that records inbound text frames and
// lets tests push frames to, or drop, every open connection.
type Server struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	mu          sync.RWMutex
	connections []*websocket.Conn
	writeMu     sync.Mutex
	received    [][]byte
	accepted    atomic.Int64
	pings       atomic.Int64
	reject      atomic.Bool
	onMessage   func(conn *websocket.Conn, data []byte)
}

// NewServer starts a server. onMessage, when non-nil, is called for every
// inbound text frame after it is recorded.
func NewServer(onMessage func(conn *websocket.Conn, data []byte)) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		onMessage: onMessage,
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if s.reject.Load() {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetPingHandler(func(appData string) error {
		s.pings.Add(1)
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	s.mu.Lock()
	s.connections = append(s.connections, conn)
	s.mu.Unlock()
	s.accepted.Add(1)

	defer conn.Close()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, data)
		s.mu.Unlock()

		if s.onMessage != nil {
			s.onMessage(conn, data)
		}
	}
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Reject makes subsequent handshakes fail with 403.
func (s *Server) Reject(reject bool) {
	s.reject.Store(reject)
}

// Broadcast writes a text frame to every open connection.
func (s *Server) Broadcast(data []byte) {
	s.mu.RLock()
	conns := append([]*websocket.Conn(nil), s.connections...)
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// Write sends a text frame on one connection, serialized with Broadcast.
func (s *Server) Write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// DropAll closes every open connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.connections
	s.connections = nil
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.UnderlyingConn().Close()
	}
}

// Received returns a copy of every inbound text frame so far.
func (s *Server) Received() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// ResetReceived clears the recorded frames.
func (s *Server) ResetReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = nil
}

// Accepted returns how many connections have been upgraded.
func (s *Server) Accepted() int64 {
	return s.accepted.Load()
}

// Pings returns how many control pings were received.
func (s *Server) Pings() int64 {
	return s.pings.Load()
}

// Close shuts the server down.
func (s *Server) Close() {
	s.DropAll()
	s.server.Close()
}
