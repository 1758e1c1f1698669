package state

import (
	"github.com/google/uuid"
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(t Transport, ipAddr string) (*Connection, error)
	// DeregisterConnection is idempotent and reports the cleanup the removal
	// requires; a zero Departure means the connection was already gone.
	DeregisterConnection(connID uuid.UUID) (Departure, error)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	FindOldestUserConnection(userID string) (*Connection, bool)
	AllConnections() []Transport

	// --- User Management ---
	// links a connection to a user, creating the user if they don't exist.
	AssociateUser(connID uuid.UUID, userID string) (*User, error)
	FindUser(userID string) (*User, bool)
	// GetUserConnections resolves presence: an empty slice means offline.
	GetUserConnections(userID string) []Transport
	GetUserConnectionCount(userID string) (int, error)

	// --- Room & Membership Management ---
	// adds a connection to a room, creating the room if it doesn't exist.
	JoinRoom(connID uuid.UUID, roomID string) error
	// LeaveRoom is idempotent. typingCleared reports that the leaving user's
	// composing flag was dropped because no other connection of theirs
	// remains in the room.
	LeaveRoom(connID uuid.UUID, roomID string) (typingCleared bool, err error)
	RoomConnections(roomID string) []Transport
	RoomMemberUserIDs(roomID string) []string
	FindRoom(roomID string) (*Room, bool)

	// --- Typing state ---
	// SetTyping flips the ephemeral composing flag; it reports whether the
	// flag actually changed so callers can suppress duplicate broadcasts.
	SetTyping(roomID, userID string, typing bool) bool
	TypingUserIDs(roomID string) []string

	// --- Presence observation ---
	SetPresenceFunc(fn PresenceFunc)
}
