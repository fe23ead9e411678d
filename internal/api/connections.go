package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnectionManager tracks the live websocket of each session. A new
// connection for a session replaces the previous one.
type ConnectionManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{active: make(map[string]*websocket.Conn)}
}

// Get returns the active connection of a session.
func (m *ConnectionManager) Get(sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Register adds a connection for a session.
func (m *ConnectionManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[sessionID] = conn
	slog.Info("Websocket session registered", "session_id", sessionID)
}

// Unregister removes conn if it is still the session's active connection.
func (m *ConnectionManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[sessionID]; exists && current == conn {
		delete(m.active, sessionID)
		slog.Info("Websocket session unregistered", "session_id", sessionID)
	}
}

// CloseSession terminates the connection of an expired or reset session.
func (m *ConnectionManager) CloseSession(sessionID string) {
	m.mu.Lock()
	conn, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Websocket session closed", "session_id", sessionID)
	}
}

// CloseAll terminates every connection.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := m.active
	m.active = make(map[string]*websocket.Conn)
	m.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Len returns the number of live connections.
func (m *ConnectionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
