package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// WSServer is an httptest server that upgrades every request and hands the
// socket to a per-test handler.
type WSServer struct {
	*httptest.Server

	mu       sync.Mutex
	accepted int
	headers  []http.Header
}

func NewWSServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) *WSServer {
	t.Helper()
	s := &WSServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(s.Close)
	return s
}

// WSURL returns the ws:// form of the server URL joined with path.
func (s *WSServer) WSURL(path string) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + path
}

func (s *WSServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *WSServer) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// ReadUntilClosed drains conn until the peer goes away.
func ReadUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
