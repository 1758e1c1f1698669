package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes voice-only from video calls. It only affects what the
// clients negotiate; the relay treats both identically.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindVoice, KindVideo:
		return Kind(s), true
	default:
		return "", false
	}
}

// State is the call-session state machine position.
//
//	ringing → accepted → connected
//	ringing → rejected
//	ringing → timed_out
//	any non-terminal → ended
type State int

const (
	StateRinging State = iota
	StateAccepted
	StateConnected
	StateRejected
	StateEnded
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateAccepted:
		return "accepted"
	case StateConnected:
		return "connected"
	case StateRejected:
		return "rejected"
	case StateEnded:
		return "ended"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateEnded, StateTimedOut:
		return true
	default:
		return false
	}
}

// Session is one active call. Owned by the Coordinator; all fields are
// guarded by the Coordinator's mutex.
type Session struct {
	ID          uuid.UUID
	InitiatorID string
	ReceiverID  string
	Kind        Kind
	RoomID      string
	State       State
	StartedAt   time.Time

	ringTimer *time.Timer
}

func (s *Session) participant(userID string) bool {
	return userID == s.InitiatorID || userID == s.ReceiverID
}

func (s *Session) peerOf(userID string) string {
	if userID == s.InitiatorID {
		return s.ReceiverID
	}
	return s.InitiatorID
}

// Record is the terminal-state snapshot handed to the persistence
// collaborator. Consistency with the live state machine is best-effort.
type Record struct {
	CallID      uuid.UUID
	InitiatorID string
	ReceiverID  string
	Kind        Kind
	Outcome     string // terminal state name
	StartedAt   time.Time
	EndedAt     time.Time
}

// Recorder persists terminal call records. The canonical implementation lives
// in the CRUD service's store; the relay only hands records over.
type Recorder interface {
	RecordCall(ctx context.Context, rec Record) error
}

// LogRecorder is a stand-in Recorder for standalone operation.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With(slog.String("component", "call_log_recorder"))}
}

func (r *LogRecorder) RecordCall(ctx context.Context, rec Record) error {
	r.logger.Info("Call record",
		slog.String("callID", rec.CallID.String()),
		slog.String("initiator", rec.InitiatorID),
		slog.String("receiver", rec.ReceiverID),
		slog.String("kind", string(rec.Kind)),
		slog.String("outcome", rec.Outcome),
		slog.Duration("duration", rec.EndedAt.Sub(rec.StartedAt)),
	)
	return nil
}
