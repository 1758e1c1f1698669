// Package notify delivers one-to-one asynchronous events to a user's private
// channel. Pure best-effort: no persistence, no retries — a disconnected user
// reads the notification later through the CRUD service's REST path.
package notify

import (
	"encoding/json"
	"log/slog"

	"github.com/choyoungbong/eum-app-sub001/internal/protocol"
	"github.com/choyoungbong/eum-app-sub001/pkg/state"
)

type Fanout struct {
	logger *slog.Logger
	state  state.Manager
}

func NewFanout(logger *slog.Logger, st state.Manager) *Fanout {
	return &Fanout{
		logger: logger.With(slog.String("component", "notify_fanout")),
		state:  st,
	}
}

// NotifyUser relays event/payload to every live connection of userID and
// returns how many connections were reached. Zero means the user is offline;
// that is not an error.
func (f *Fanout) NotifyUser(userID, event string, payload json.RawMessage) int {
	if event == "" {
		event = protocol.EventNotification
	}

	frame, err := protocol.Encode(event, payload)
	if err != nil {
		f.logger.Error("Failed to encode notification", slog.String("event", event), slog.Any("error", err))
		return 0
	}

	conns := f.state.GetUserConnections(userID)
	for _, conn := range conns {
		conn.Send(frame)
	}

	f.logger.Debug("Notification fanned out",
		slog.String("userID", userID),
		slog.String("event", event),
		slog.Int("connections", len(conns)),
	)
	return len(conns)
}
