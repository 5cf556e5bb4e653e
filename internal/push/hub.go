// Package push fans streaming updates out to a user's connected browser tabs
// over WebSocket.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Frame is one push message sent to connected tabs.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Conn is the subset of *websocket.Conn the hub needs.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Hub tracks active WebSocket connections per user and tab session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]Conn),
	}
}

// GetActive returns the active connection for a user and session.
func (h *Hub) GetActive(userID, sessionID string) Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sessions, ok := h.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a new WebSocket connection for a user/session.
func (h *Hub) Register(userID, sessionID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]Conn)
	}

	if existing, exists := h.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	h.active[userID][sessionID] = conn
	slog.Info("Push session registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes a WebSocket connection for a user/session.
func (h *Hub) Unregister(userID, sessionID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessions, ok := h.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(h.active, userID)
			}
			slog.Info("Push session unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// Broadcast sends a frame to every connected tab of a user. A connection that
// fails to accept the write is dropped from the hub.
func (h *Hub) Broadcast(ctx context.Context, userID string, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to encode push frame", "error", err, "type", frame.Type)
		return
	}

	h.mu.RLock()
	conns := make(map[string]Conn, len(h.active[userID]))
	for sid, conn := range h.active[userID] {
		conns[sid] = conn
	}
	h.mu.RUnlock()

	for sid, conn := range conns {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("Push write failed, dropping connection", "user_id", userID, "session_id", sid, "error", err)
			h.Unregister(userID, sid, conn)
		}
	}
}

// CloseUser forcefully terminates all active connections for a user.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.active[userID]
	if !ok {
		return
	}

	for sid, conn := range sessions {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		slog.Info("Push session closed", "user_id", userID, "session_id", sid)
	}
	delete(h.active, userID)
}
