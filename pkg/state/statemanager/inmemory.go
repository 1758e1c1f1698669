package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/choyoungbong/eum-app-sub001/pkg/state"
	"github.com/google/uuid"
)

// InMemoryManager is the authoritative presence store for a single relay
// process. It does not survive restarts and does not replicate; scaling past
// one instance needs an external broker in front of it.
type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	users map[string]*state.User
	rooms map[string]*state.Room

	// Lock order when nesting: connMu, then userMu, then roomMu.
	connMu sync.RWMutex
	userMu sync.RWMutex
	roomMu sync.RWMutex

	presenceMu sync.RWMutex
	presenceFn state.PresenceFunc

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]*state.User),
		rooms:  make(map[string]*state.Room),
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) SetPresenceFunc(fn state.PresenceFunc) {
	m.presenceMu.Lock()
	defer m.presenceMu.Unlock()
	m.presenceFn = fn
}

// notifyPresence fires the transition hook without holding any table lock.
func (m *InMemoryManager) notifyPresence(userID string, online bool) {
	m.presenceMu.RLock()
	fn := m.presenceFn
	m.presenceMu.RUnlock()
	if fn != nil {
		go fn(userID, online)
	}
}

func (m *InMemoryManager) RegisterConnection(t state.Transport, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := t.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: t,
		Rooms:     make(map[string]struct{}),
		CreatedAt: time.Now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) (state.Departure, error) {
	var dep state.Departure

	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// connection is already deregistered
		m.connMu.Unlock()
		return dep, nil
	}
	delete(m.conns, connID)
	m.connMu.Unlock()

	// detach conn from user
	if conn.User != nil {
		user := conn.User
		dep.UserID = user.ID

		m.userMu.Lock()
		delete(user.Connections, connID)
		if len(user.Connections) == 0 {
			delete(m.users, user.ID)
			dep.WentOffline = true
		}
		m.userMu.Unlock()
		m.logger.Debug("Detached connection from user", slog.String("connID", connID.String()), slog.String("userID", user.ID))
	}

	// cascade membership and typing cleanup
	m.roomMu.Lock()
	for roomID := range conn.Rooms {
		room, ok := m.rooms[roomID]
		if !ok {
			continue
		}
		delete(room.Members, connID)

		if dep.UserID != "" && !roomHasUserLocked(room, dep.UserID) {
			if _, typing := room.Typing[dep.UserID]; typing {
				delete(room.Typing, dep.UserID)
				dep.TypingCleared = append(dep.TypingCleared, roomID)
			}
		}
		if len(room.Members) == 0 {
			delete(m.rooms, roomID)
			m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
		}
	}
	m.roomMu.Unlock()

	if dep.WentOffline {
		m.notifyPresence(dep.UserID, false)
	}

	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return dep, nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) AllConnections() []state.Transport {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	all := make([]state.Transport, 0, len(m.conns))
	for _, c := range m.conns {
		all = append(all, c.Transport)
	}
	return all
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, false
	}

	var oldestConn *state.Connection
	var oldestTime time.Time

	for _, conn := range user.Connections {
		if oldestConn == nil || conn.CreatedAt.Before(oldestTime) {
			oldestConn = conn
			oldestTime = conn.CreatedAt
		}
	}

	if oldestConn == nil {
		return nil, false // User has no connections.
	}

	return oldestConn, true
}

// --- User Management ---

func (m *InMemoryManager) AssociateUser(connID uuid.UUID, userID string) (*state.User, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.userMu.Lock()

	conn, ok := m.conns[connID]
	if !ok {
		m.userMu.Unlock()
		return nil, errors.New("cannot associate user with unknown connection")
	}

	// Find or create the user session.
	user, exists := m.users[userID]
	cameOnline := false
	if !exists {
		user = &state.User{
			ID:          userID,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.users[userID] = user
		cameOnline = true
		m.logger.Debug("Created new user session", slog.String("userID", userID))
	}

	conn.User = user
	user.Connections[connID] = conn
	m.userMu.Unlock()

	if cameOnline {
		m.notifyPresence(userID, true)
	}

	m.logger.Debug("Associated connection with user", slog.String("connID", connID.String()), slog.String("userID", userID))
	return user, nil
}

func (m *InMemoryManager) FindUser(userID string) (*state.User, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	user, ok := m.users[userID]
	return user, ok
}

func (m *InMemoryManager) GetUserConnections(userID string) []state.Transport {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil
	}

	conns := make([]state.Transport, 0, len(user.Connections))
	for _, c := range user.Connections {
		conns = append(conns, c.Transport)
	}
	return conns
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, nil // User doesn't exist yet, so they have 0 connections.
	}
	return len(user.Connections), nil
}

// --- Room & Membership Management ---

func (m *InMemoryManager) JoinRoom(connID uuid.UUID, roomID string) error {
	// Hold connMu for the whole operation so a concurrent deregister cannot
	// slip between the lookup and the membership write.
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot join room: connection not registered")
	}

	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	// Re-joining is a no-op.
	if _, member := conn.Rooms[roomID]; member {
		return nil
	}

	room, exists := m.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[uuid.UUID]*state.Connection),
			Typing:  make(map[string]struct{}),
		}
		m.rooms[roomID] = room
	}

	room.Members[connID] = conn
	conn.Rooms[roomID] = struct{}{}

	m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return nil
}

func (m *InMemoryManager) LeaveRoom(connID uuid.UUID, roomID string) (bool, error) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false, nil // Connection already gone; nothing to leave.
	}

	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return false, nil // Room doesn't exist.
	}
	if _, member := room.Members[connID]; !member {
		return false, nil // Second leave is a no-op.
	}

	delete(room.Members, connID)
	delete(conn.Rooms, roomID)

	typingCleared := false
	if conn.User != nil && !roomHasUserLocked(room, conn.User.ID) {
		if _, typing := room.Typing[conn.User.ID]; typing {
			delete(room.Typing, conn.User.ID)
			typingCleared = true
		}
	}

	// For memory hygiene, remove the room if it's now empty.
	if len(room.Members) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}

	m.logger.Debug("Connection left room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return typingCleared, nil
}

func (m *InMemoryManager) RoomConnections(roomID string) []state.Transport {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}

	conns := make([]state.Transport, 0, len(room.Members))
	for _, c := range room.Members {
		conns = append(conns, c.Transport)
	}
	return conns
}

func (m *InMemoryManager) RoomMemberUserIDs(roomID string) []string {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}

	seen := make(map[string]struct{}, len(room.Members))
	ids := make([]string, 0, len(room.Members))
	for _, c := range room.Members {
		if c.User == nil {
			continue
		}
		if _, dup := seen[c.User.ID]; dup {
			continue
		}
		seen[c.User.ID] = struct{}{}
		ids = append(ids, c.User.ID)
	}
	return ids
}

func (m *InMemoryManager) FindRoom(roomID string) (*state.Room, bool) {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	room, ok := m.rooms[roomID]
	return room, ok
}

// --- Typing state ---

func (m *InMemoryManager) SetTyping(roomID, userID string, typing bool) bool {
	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}

	if typing {
		if _, already := room.Typing[userID]; already {
			return false
		}
		room.Typing[userID] = struct{}{}
		return true
	}

	if _, composing := room.Typing[userID]; !composing {
		return false
	}
	delete(room.Typing, userID)
	return true
}

func (m *InMemoryManager) TypingUserIDs(roomID string) []string {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(room.Typing))
	for id := range room.Typing {
		ids = append(ids, id)
	}
	return ids
}

// roomHasUserLocked reports whether any remaining member connection belongs
// to userID. Caller must hold roomMu.
func roomHasUserLocked(room *state.Room, userID string) bool {
	for _, c := range room.Members {
		if c.User != nil && c.User.ID == userID {
			return true
		}
	}
	return false
}
