// Package protocol defines the wire format for all client-server
// communication over the relay WebSocket. Every frame is a single JSON
// Envelope.
package protocol

import "encoding/json"

// Client → Server events.
const (
	EventRoomJoin     = "room:join"
	EventRoomLeave    = "room:leave"
	EventMessageSend  = "message:send"
	EventTypingStart  = "typing:start"
	EventTypingStop   = "typing:stop"
	EventCallStart    = "call:start"
	EventCallAccept   = "call:accept"
	EventCallReject   = "call:reject"
	EventCallEnd      = "call:end"
	EventICECandidate = "call:ice-candidate"
)

// Server → Client events.
const (
	// EventMessageReceive is the single canonical chat fan-out event.
	EventMessageReceive  = "message:receive"
	EventCallStarted     = "call:started"
	EventTypingUpdate    = "typing:update"
	EventCallIncoming    = "call:incoming"
	EventCallAccepted    = "call:accepted"
	EventCallRejected    = "call:rejected"
	EventCallEnded       = "call:ended"
	EventCallUserOffline = "call:user-offline"
	EventNotification    = "notification:new"
	EventError           = "error"
)

// Envelope is the top-level wire format.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload and wraps it in an Envelope, returning the frame
// bytes ready for Transport.Send.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// ---------------------------------------------------------------------------
// Server → Client payloads
// ---------------------------------------------------------------------------

// TypingUpdate tells room members that userId started or stopped composing.
type TypingUpdate struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// CallStarted acknowledges call:start to the initiator, carrying the
// server-assigned call identifier they must quote on every later call event.
type CallStarted struct {
	CallID     string `json:"callId"`
	ReceiverID string `json:"receiverId"`
}

// CallIncoming rings the receiver's devices.
type CallIncoming struct {
	CallID      string          `json:"callId"`
	InitiatorID string          `json:"initiatorId"`
	Kind        string          `json:"kind"`
	Offer       json.RawMessage `json:"offer"`
}

// CallAccepted carries the receiver's SDP answer back to the initiator.
type CallAccepted struct {
	CallID string          `json:"callId"`
	Answer json.RawMessage `json:"answer"`
}

// CallEvent is the payload for call:rejected and call:ended.
type CallEvent struct {
	CallID string `json:"callId"`
}

// ICECandidate relays one trickled candidate to the other participant.
type ICECandidate struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}

// UserOffline tells the initiator the callee has no live connection and no
// registered device token.
type UserOffline struct {
	Message string `json:"message"`
}

// ErrorPayload is the structured protocol-error event returned to the
// originating connection. It is never fatal to the relay.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"` // the inbound event that failed
	Message string `json:"message"`
}
