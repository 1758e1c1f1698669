// Package router dispatches inbound client frames to the room, call, and
// typing components. It is the single place where untrusted input is parsed.
package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/choyoungbong/eum-app-sub001/internal/call"
	"github.com/choyoungbong/eum-app-sub001/internal/protocol"
	"github.com/choyoungbong/eum-app-sub001/internal/room"
	"github.com/choyoungbong/eum-app-sub001/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type EventRouter struct {
	logger *slog.Logger
	state  state.Manager
	rooms  *room.Manager
	calls  *call.Coordinator
}

func NewEventRouter(logger *slog.Logger, st state.Manager, rooms *room.Manager, calls *call.Coordinator) *EventRouter {
	return &EventRouter{
		logger: logger.With(slog.String("component", "event_router")),
		state:  st,
		rooms:  rooms,
		calls:  calls,
	}
}

// HandleMessage parses one inbound frame and executes it. Protocol errors are
// reported back to the originating connection as a structured error event;
// nothing a client sends can fault the relay.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.state.GetConnection(connID)
	if !ok || conn.User == nil {
		// The connection raced its own teardown; nothing to report to.
		r.logger.Debug("Frame from unknown connection dropped", slog.String("connID", connID.String()))
		return
	}

	event := gjson.GetBytes(msg, "event")
	if !event.Exists() || event.String() == "" {
		r.sendError(conn, "", "frame is missing the event field")
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		r.sendError(conn, event.String(), "frame is not valid JSON")
		return
	}

	r.logger.Debug("Dispatching event",
		slog.String("event", env.Event),
		slog.String("connID", connID.String()),
		slog.String("userID", conn.User.ID),
	)

	switch env.Event {
	case protocol.EventRoomJoin:
		r.handleRoomJoin(conn, env.Payload)
	case protocol.EventRoomLeave:
		r.handleRoomLeave(conn, env.Payload)
	case protocol.EventMessageSend:
		r.handleMessageSend(conn, env.Payload)
	case protocol.EventTypingStart:
		r.handleTyping(conn, env.Payload, true)
	case protocol.EventTypingStop:
		r.handleTyping(conn, env.Payload, false)
	case protocol.EventCallStart:
		r.handleCallStart(conn, env.Payload)
	case protocol.EventCallAccept:
		r.handleCallAccept(conn, env.Payload)
	case protocol.EventCallReject:
		r.handleCallReject(conn, env.Payload)
	case protocol.EventCallEnd:
		r.handleCallEnd(conn, env.Payload)
	case protocol.EventICECandidate:
		r.handleICECandidate(conn, env.Payload)
	default:
		r.logger.Warn("Received unknown event", slog.String("event", env.Event), slog.String("connID", connID.String()))
		r.sendError(conn, env.Event, "unknown event")
	}
}

func (r *EventRouter) handleRoomJoin(conn *state.Connection, raw json.RawMessage) {
	var p roomPayload
	if !r.decode(conn, protocol.EventRoomJoin, raw, &p) {
		return
	}
	if err := p.validate(); err != nil {
		r.sendError(conn, protocol.EventRoomJoin, err.Error())
		return
	}
	if err := r.rooms.Join(conn.ID, p.RoomID); err != nil {
		r.sendError(conn, protocol.EventRoomJoin, err.Error())
	}
}

func (r *EventRouter) handleRoomLeave(conn *state.Connection, raw json.RawMessage) {
	var p roomPayload
	if !r.decode(conn, protocol.EventRoomLeave, raw, &p) {
		return
	}
	if err := p.validate(); err != nil {
		r.sendError(conn, protocol.EventRoomLeave, err.Error())
		return
	}
	if err := r.rooms.Leave(conn.ID, p.RoomID, conn.User.ID); err != nil {
		r.sendError(conn, protocol.EventRoomLeave, err.Error())
	}
}

func (r *EventRouter) handleMessageSend(conn *state.Connection, raw json.RawMessage) {
	var p messageSendPayload
	if !r.decode(conn, protocol.EventMessageSend, raw, &p) {
		return
	}
	if err := p.validate(); err != nil {
		r.sendError(conn, protocol.EventMessageSend, err.Error())
		return
	}
	// Fan out the already-committed payload; the sender never echoes.
	r.rooms.Broadcast(p.RoomID, protocol.EventMessageReceive, p.Payload, conn.ID)
}

func (r *EventRouter) handleTyping(conn *state.Connection, raw json.RawMessage, start bool) {
	event := protocol.EventTypingStop
	if start {
		event = protocol.EventTypingStart
	}

	var p roomPayload
	if !r.decode(conn, event, raw, &p) {
		return
	}
	if err := p.validate(); err != nil {
		r.sendError(conn, event, err.Error())
		return
	}
	if start {
		r.rooms.TypingStart(p.RoomID, conn.User.ID)
	} else {
		r.rooms.TypingStop(p.RoomID, conn.User.ID)
	}
}

func (r *EventRouter) handleCallStart(conn *state.Connection, raw json.RawMessage) {
	var p callStartPayload
	if !r.decode(conn, protocol.EventCallStart, raw, &p) {
		return
	}
	kind, err := p.validate()
	if err != nil {
		r.sendError(conn, protocol.EventCallStart, err.Error())
		return
	}

	session, err := r.calls.Start(conn.User.ID, p.ReceiverID, kind, p.RoomID, p.Offer)
	if err != nil {
		r.sendError(conn, protocol.EventCallStart, err.Error())
		return
	}

	// Acknowledge with the server-assigned call id; the initiator quotes it
	// on accept/reject/end/ice frames.
	r.sendTo(conn, protocol.EventCallStarted, protocol.CallStarted{
		CallID:     session.ID.String(),
		ReceiverID: session.ReceiverID,
	})
}

func (r *EventRouter) handleCallAccept(conn *state.Connection, raw json.RawMessage) {
	var p callAcceptPayload
	if !r.decode(conn, protocol.EventCallAccept, raw, &p) {
		return
	}
	callID, err := p.validate()
	if err != nil {
		r.sendError(conn, protocol.EventCallAccept, err.Error())
		return
	}
	if err := r.calls.Accept(callID, conn.User.ID, p.Answer); err != nil {
		r.sendError(conn, protocol.EventCallAccept, err.Error())
	}
}

func (r *EventRouter) handleCallReject(conn *state.Connection, raw json.RawMessage) {
	var p callRefPayload
	if !r.decode(conn, protocol.EventCallReject, raw, &p) {
		return
	}
	callID, err := p.validate()
	if err != nil {
		r.sendError(conn, protocol.EventCallReject, err.Error())
		return
	}
	if err := r.calls.Reject(callID, conn.User.ID); err != nil {
		r.sendError(conn, protocol.EventCallReject, err.Error())
	}
}

func (r *EventRouter) handleCallEnd(conn *state.Connection, raw json.RawMessage) {
	var p callRefPayload
	if !r.decode(conn, protocol.EventCallEnd, raw, &p) {
		return
	}
	callID, err := p.validate()
	if err != nil {
		r.sendError(conn, protocol.EventCallEnd, err.Error())
		return
	}
	if err := r.calls.End(callID, conn.User.ID); err != nil {
		r.sendError(conn, protocol.EventCallEnd, err.Error())
	}
}

func (r *EventRouter) handleICECandidate(conn *state.Connection, raw json.RawMessage) {
	var p iceCandidatePayload
	if !r.decode(conn, protocol.EventICECandidate, raw, &p) {
		return
	}
	callID, err := p.validate()
	if err != nil {
		r.sendError(conn, protocol.EventICECandidate, err.Error())
		return
	}
	if err := r.calls.ICECandidate(callID, conn.User.ID, p.Candidate); err != nil {
		r.sendError(conn, protocol.EventICECandidate, err.Error())
	}
}

// decode unmarshals the payload variant for an event; a failure is reported
// to the client and ends the dispatch.
func (r *EventRouter) decode(conn *state.Connection, event string, raw json.RawMessage, into any) bool {
	if len(raw) == 0 {
		r.sendError(conn, event, "payload is required")
		return false
	}
	if err := json.Unmarshal(raw, into); err != nil {
		r.sendError(conn, event, "malformed payload")
		return false
	}
	return true
}

func (r *EventRouter) sendTo(conn *state.Connection, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.logger.Error("Failed to encode outbound event", slog.String("event", event), slog.Any("error", err))
		return
	}
	conn.Transport.Send(frame)
}

func (r *EventRouter) sendError(conn *state.Connection, event, message string) {
	r.logger.Debug("Protocol error",
		slog.String("event", event),
		slog.String("connID", conn.ID.String()),
		slog.String("reason", message),
	)
	r.sendTo(conn, protocol.EventError, protocol.ErrorPayload{Event: event, Message: message})
}
