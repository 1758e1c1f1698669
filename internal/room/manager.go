// Package room implements the room channel manager: membership edits, chat
// fan-out, and the ephemeral typing indicator.
package room

import (
	"encoding/json"
	"log/slog"

	"github.com/choyoungbong/eum-app-sub001/internal/protocol"
	"github.com/choyoungbong/eum-app-sub001/pkg/state"
	"github.com/google/uuid"
)

type Manager struct {
	logger *slog.Logger
	state  state.Manager
}

func NewManager(logger *slog.Logger, st state.Manager) *Manager {
	return &Manager{
		logger: logger.With(slog.String("component", "room_manager")),
		state:  st,
	}
}

// Join adds a connection to a room. Idempotent.
func (m *Manager) Join(connID uuid.UUID, roomID string) error {
	return m.state.JoinRoom(connID, roomID)
}

// Leave removes a connection from a room. Idempotent. If the leaving user was
// composing and has no other connection in the room, the indicator is
// corrected for the remaining members.
func (m *Manager) Leave(connID uuid.UUID, roomID string, userID string) error {
	typingCleared, err := m.state.LeaveRoom(connID, roomID)
	if err != nil {
		return err
	}
	if typingCleared {
		m.broadcastTyping(roomID, userID, false)
	}
	return nil
}

// Broadcast fans event/payload out to every member connection of roomID
// except excludeConn (typically the sender, to avoid echo). Delivery is
// best-effort per recipient; an unknown room is a silent no-op.
func (m *Manager) Broadcast(roomID, event string, payload json.RawMessage, excludeConn uuid.UUID) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		m.logger.Error("Failed to encode broadcast frame", slog.String("event", event), slog.Any("error", err))
		return
	}

	conns := m.state.RoomConnections(roomID)
	sent := 0
	for _, conn := range conns {
		if conn.ID() == excludeConn {
			continue
		}
		conn.Send(frame)
		sent++
	}
	m.logger.Debug("Broadcast delivered",
		slog.String("roomID", roomID),
		slog.String("event", event),
		slog.Int("recipients", sent),
	)
}

// TypingStart marks userID as composing in roomID and tells the other
// members. Duplicate starts are suppressed.
func (m *Manager) TypingStart(roomID, userID string) {
	if m.state.SetTyping(roomID, userID, true) {
		m.broadcastTyping(roomID, userID, true)
	}
}

// TypingStop clears the composing flag and tells the other members.
func (m *Manager) TypingStop(roomID, userID string) {
	if m.state.SetTyping(roomID, userID, false) {
		m.broadcastTyping(roomID, userID, false)
	}
}

// ClearTyping corrects the indicator after a disconnect cleared typing state
// in the given rooms (the "stuck typing" case).
func (m *Manager) ClearTyping(roomIDs []string, userID string) {
	for _, roomID := range roomIDs {
		m.broadcastTyping(roomID, userID, false)
	}
}

func (m *Manager) broadcastTyping(roomID, userID string, isTyping bool) {
	frame, err := protocol.Encode(protocol.EventTypingUpdate, protocol.TypingUpdate{
		UserID:   userID,
		IsTyping: isTyping,
	})
	if err != nil {
		m.logger.Error("Failed to encode typing update", slog.Any("error", err))
		return
	}

	// Exclude every connection of the actor, not just the originating one;
	// a user's own devices never see their typing indicator.
	for _, conn := range m.state.RoomConnections(roomID) {
		if connBelongsTo(m.state, conn.ID(), userID) {
			continue
		}
		conn.Send(frame)
	}
}

func connBelongsTo(st state.Manager, connID uuid.UUID, userID string) bool {
	conn, ok := st.GetConnection(connID)
	if !ok || conn.User == nil {
		return false
	}
	return conn.User.ID == userID
}
