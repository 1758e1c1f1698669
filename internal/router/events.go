package router

import (
	"encoding/json"
	"errors"

	"github.com/choyoungbong/eum-app-sub001/internal/call"
	"github.com/google/uuid"
)

// Inbound payloads are tagged variants, one type per event name, validated at
// the connection boundary before any component is touched. A malformed or
// unknown event is rejected deterministically with an error event.

type roomPayload struct {
	RoomID string `json:"roomId"`
}

func (p *roomPayload) validate() error {
	if p.RoomID == "" {
		return errors.New("roomId is required")
	}
	return nil
}

type messageSendPayload struct {
	RoomID string `json:"roomId"`
	// Payload is the already-committed message body; the CRUD layer assigned
	// its id and persisted it before the client asked for fan-out.
	Payload json.RawMessage `json:"payload"`
}

func (p *messageSendPayload) validate() error {
	if p.RoomID == "" {
		return errors.New("roomId is required")
	}
	if len(p.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

type callStartPayload struct {
	ReceiverID string          `json:"receiverId"`
	Kind       string          `json:"kind"`
	Offer      json.RawMessage `json:"offer"`
	RoomID     string          `json:"roomId"`
}

func (p *callStartPayload) validate() (call.Kind, error) {
	if p.ReceiverID == "" {
		return "", errors.New("receiverId is required")
	}
	kind, ok := call.ParseKind(p.Kind)
	if !ok {
		return "", errors.New("kind must be \"voice\" or \"video\"")
	}
	if len(p.Offer) == 0 {
		return "", errors.New("offer is required")
	}
	return kind, nil
}

type callAcceptPayload struct {
	CallID string          `json:"callId"`
	Answer json.RawMessage `json:"answer"`
}

func (p *callAcceptPayload) validate() (uuid.UUID, error) {
	id, err := parseCallID(p.CallID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(p.Answer) == 0 {
		return uuid.Nil, errors.New("answer is required")
	}
	return id, nil
}

type callRefPayload struct {
	CallID string `json:"callId"`
}

func (p *callRefPayload) validate() (uuid.UUID, error) {
	return parseCallID(p.CallID)
}

type iceCandidatePayload struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}

func (p *iceCandidatePayload) validate() (uuid.UUID, error) {
	id, err := parseCallID(p.CallID)
	if err != nil {
		return uuid.Nil, err
	}
	if len(p.Candidate) == 0 {
		return uuid.Nil, errors.New("candidate is required")
	}
	return id, nil
}

func parseCallID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, errors.New("callId is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errors.New("callId is not a valid id")
	}
	return id, nil
}
