package state

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the live link used to reach a client. *transport.Connection
// satisfies it; tests substitute an in-memory recorder.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport
	User      *User // Pointer to the owning user (nil until associated)
	Rooms     map[string]struct{}
	CreatedAt time.Time
}

// canonical representation of a user, aggregating all their connections.
// A user is "online" while this map is non-empty.
type User struct {
	ID          string
	Connections map[uuid.UUID]*Connection // All active connections for this user
}

// canonical representation of a broadcast group. Membership is per
// connection: two devices of the same user count as two members.
type Room struct {
	ID      string
	Members map[uuid.UUID]*Connection
	Typing  map[string]struct{} // userIDs currently composing, ephemeral
}

// Departure describes the cleanup a connection removal requires. The caller
// cascades exactly once based on it.
type Departure struct {
	UserID string
	// WentOffline is true when this was the user's last connection.
	WentOffline bool
	// TypingCleared lists rooms in which the user's typing entry was removed,
	// so the caller can broadcast the corrected indicator.
	TypingCleared []string
}

// PresenceFunc observes online/offline transitions. Invoked asynchronously,
// never under a registry lock.
type PresenceFunc func(userID string, online bool)
