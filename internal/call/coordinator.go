// Package call implements the call-signaling coordinator: the per-call state
// machine and the relay of offer/answer/ICE payloads between exactly two
// parties, with a push-notification fallback for offline callees.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/choyoungbong/eum-app-sub001/internal/protocol"
	"github.com/choyoungbong/eum-app-sub001/internal/push"
	"github.com/choyoungbong/eum-app-sub001/pkg/state"
	"github.com/google/uuid"
)

// Precondition violations reported back to the offending connection. They are
// never fatal to the coordinator.
var (
	ErrCallNotFound    = errors.New("call not found")
	ErrNotParticipant  = errors.New("caller is not a participant in this call")
	ErrNotReceiver     = errors.New("only the call receiver may respond")
	ErrNotRinging      = errors.New("call is not ringing")
	ErrAlreadyTerminal = errors.New("call already terminated")
	ErrCallInProgress  = errors.New("a call between these users is already in progress")
	ErrSelfCall        = errors.New("cannot start a call with yourself")
)

type Coordinator struct {
	logger   *slog.Logger
	state    state.Manager
	push     push.Sender
	tokens   push.TokenStore
	recorder Recorder

	// ringTimeout bounds how long a call may stay ringing; zero disables the
	// server-side timer.
	ringTimeout time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	// ended remembers recently terminated call IDs so a duplicate end or
	// reject — both clients racing to finish the same call — reports
	// "already terminal" instead of "not found".
	ended map[uuid.UUID]time.Time
}

const endedRetention = time.Minute

func NewCoordinator(logger *slog.Logger, st state.Manager, sender push.Sender, tokens push.TokenStore, recorder Recorder, ringTimeout time.Duration) *Coordinator {
	return &Coordinator{
		logger:      logger.With(slog.String("component", "call_coordinator")),
		state:       st,
		push:        sender,
		tokens:      tokens,
		recorder:    recorder,
		ringTimeout: ringTimeout,
		sessions:    make(map[uuid.UUID]*Session),
		ended:       make(map[uuid.UUID]time.Time),
	}
}

// Start creates a call in ringing state and rings the receiver. If the
// receiver has no live connection, one push attempt is made when a device
// token is registered; otherwise the initiator gets call:user-offline. The
// call stays ringing either way — offline is an expected condition, not a
// failure of the initiate.
func (c *Coordinator) Start(initiatorID, receiverID string, kind Kind, roomID string, offer json.RawMessage) (*Session, error) {
	if initiatorID == receiverID {
		return nil, ErrSelfCall
	}

	c.mu.Lock()
	// Active sessions are all non-terminal; finished calls leave the map.
	for _, s := range c.sessions {
		if s.participant(initiatorID) && s.participant(receiverID) {
			c.mu.Unlock()
			return nil, ErrCallInProgress
		}
	}

	session := &Session{
		ID:          uuid.New(),
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		Kind:        kind,
		RoomID:      roomID,
		State:       StateRinging,
		StartedAt:   time.Now(),
	}
	c.sessions[session.ID] = session
	if c.ringTimeout > 0 {
		id := session.ID
		session.ringTimer = time.AfterFunc(c.ringTimeout, func() { c.timeout(id) })
	}
	c.mu.Unlock()

	c.logger.Info("Call started",
		slog.String("callID", session.ID.String()),
		slog.String("initiator", initiatorID),
		slog.String("receiver", receiverID),
		slog.String("kind", string(kind)),
	)

	// All relaying happens outside the session lock.
	receiverConns := c.state.GetUserConnections(receiverID)
	if len(receiverConns) > 0 {
		c.relay(receiverID, protocol.EventCallIncoming, protocol.CallIncoming{
			CallID:      session.ID.String(),
			InitiatorID: initiatorID,
			Kind:        string(kind),
			Offer:       offer,
		})
		return session, nil
	}

	token, ok := c.tokens.DeviceToken(receiverID)
	if !ok {
		c.relay(initiatorID, protocol.EventCallUserOffline, protocol.UserOffline{
			Message: "user is offline",
		})
		return session, nil
	}

	// One attempt, detached so a slow push gateway never blocks the initiate.
	go c.pushRing(session, token)
	return session, nil
}

func (c *Coordinator) pushRing(s *Session, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n := push.Notification{
		Title: "Incoming call",
		Body:  s.InitiatorID + " is calling",
		Data: map[string]string{
			"type":        "call",
			"callId":      s.ID.String(),
			"initiatorId": s.InitiatorID,
			"kind":        string(s.Kind),
		},
	}
	if err := c.push.Send(ctx, token, n); err != nil {
		// Treated as "could not reach offline user"; the ring timer or the
		// client-side timeout resolves the call.
		c.logger.Warn("Push notification failed",
			slog.String("callID", s.ID.String()),
			slog.String("receiver", s.ReceiverID),
			slog.Any("error", err),
		)
	}
}

// Accept transitions ringing → accepted and relays the answer to the
// initiator. Only the receiver may accept.
func (c *Coordinator) Accept(callID uuid.UUID, byUserID string, answer json.RawMessage) error {
	c.mu.Lock()
	s, err := c.lookupLocked(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if byUserID != s.ReceiverID {
		c.mu.Unlock()
		return ErrNotReceiver
	}
	if s.State != StateRinging {
		c.mu.Unlock()
		return ErrNotRinging
	}
	s.State = StateAccepted
	c.stopRingTimerLocked(s)
	initiatorID := s.InitiatorID
	c.mu.Unlock()

	c.logger.Info("Call accepted", slog.String("callID", callID.String()))
	c.relay(initiatorID, protocol.EventCallAccepted, protocol.CallAccepted{
		CallID: callID.String(),
		Answer: answer,
	})
	return nil
}

// Reject transitions ringing → rejected (terminal) and tells the initiator.
func (c *Coordinator) Reject(callID uuid.UUID, byUserID string) error {
	c.mu.Lock()
	s, err := c.lookupLocked(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if byUserID != s.ReceiverID {
		c.mu.Unlock()
		return ErrNotReceiver
	}
	if s.State != StateRinging {
		c.mu.Unlock()
		return ErrNotRinging
	}
	rec := c.finishLocked(s, StateRejected)
	initiatorID := s.InitiatorID
	c.mu.Unlock()

	c.logger.Info("Call rejected", slog.String("callID", callID.String()))
	c.relay(initiatorID, protocol.EventCallRejected, protocol.CallEvent{CallID: callID.String()})
	go c.record(rec)
	return nil
}

// ICECandidate relays one trickled candidate to the other participant.
// An unreachable peer is a silent drop — ICE trickling tolerates loss.
func (c *Coordinator) ICECandidate(callID uuid.UUID, fromUserID string, candidate json.RawMessage) error {
	c.mu.Lock()
	s, err := c.lookupLocked(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !s.participant(fromUserID) {
		c.mu.Unlock()
		return ErrNotParticipant
	}
	// Candidates flowing after the answer mean both peers are negotiating
	// the media path; that is as "connected" as the relay can observe.
	if s.State == StateAccepted {
		s.State = StateConnected
	}
	peer := s.peerOf(fromUserID)
	c.mu.Unlock()

	c.relay(peer, protocol.EventICECandidate, protocol.ICECandidate{
		CallID:    callID.String(),
		Candidate: candidate,
	})
	return nil
}

// End transitions any non-terminal state → ended and tells the other
// participant if reachable. Duplicate ends report ErrAlreadyTerminal.
func (c *Coordinator) End(callID uuid.UUID, byUserID string) error {
	c.mu.Lock()
	s, err := c.lookupLocked(callID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !s.participant(byUserID) {
		c.mu.Unlock()
		return ErrNotParticipant
	}
	// Both clients may race to finish a call; the loser's duplicate end is
	// answered by lookupLocked with ErrAlreadyTerminal.
	rec := c.finishLocked(s, StateEnded)
	peer := s.peerOf(byUserID)
	c.mu.Unlock()

	c.logger.Info("Call ended", slog.String("callID", callID.String()), slog.String("by", byUserID))
	c.relay(peer, protocol.EventCallEnded, protocol.CallEvent{CallID: callID.String()})
	go c.record(rec)
	return nil
}

// HandleDisconnect force-ends every non-terminal call involving a user whose
// last connection dropped, relaying call:ended to the remaining participant.
func (c *Coordinator) HandleDisconnect(userID string) {
	type ended struct {
		callID uuid.UUID
		peer   string
		rec    Record
	}

	c.mu.Lock()
	var affected []ended
	for _, s := range c.sessions {
		if !s.participant(userID) {
			continue
		}
		rec := c.finishLocked(s, StateEnded)
		affected = append(affected, ended{callID: s.ID, peer: s.peerOf(userID), rec: rec})
	}
	c.mu.Unlock()

	for _, e := range affected {
		c.logger.Info("Call ended by participant disconnect",
			slog.String("callID", e.callID.String()),
			slog.String("userID", userID),
		)
		c.relay(e.peer, protocol.EventCallEnded, protocol.CallEvent{CallID: e.callID.String()})
		go c.record(e.rec)
	}
}

// ActiveCount reports the number of non-terminal sessions held in memory.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// timeout fires from the ring timer: ringing → timed_out.
func (c *Coordinator) timeout(callID uuid.UUID) {
	c.mu.Lock()
	s, ok := c.sessions[callID]
	if !ok || s.State != StateRinging {
		c.mu.Unlock()
		return
	}
	rec := c.finishLocked(s, StateTimedOut)
	initiatorID, receiverID := s.InitiatorID, s.ReceiverID
	c.mu.Unlock()

	c.logger.Info("Call timed out", slog.String("callID", callID.String()))
	c.relay(initiatorID, protocol.EventCallEnded, protocol.CallEvent{CallID: callID.String()})
	c.relay(receiverID, protocol.EventCallEnded, protocol.CallEvent{CallID: callID.String()})
	go c.record(rec)
}

// finishLocked applies a terminal transition, removes the session from
// active-call memory and returns the persistence snapshot. Caller holds mu.
func (c *Coordinator) finishLocked(s *Session, terminal State) Record {
	s.State = terminal
	c.stopRingTimerLocked(s)
	delete(c.sessions, s.ID)

	now := time.Now()
	c.ended[s.ID] = now
	for id, t := range c.ended {
		if now.Sub(t) > endedRetention {
			delete(c.ended, id)
		}
	}
	return Record{
		CallID:      s.ID,
		InitiatorID: s.InitiatorID,
		ReceiverID:  s.ReceiverID,
		Kind:        s.Kind,
		Outcome:     terminal.String(),
		StartedAt:   s.StartedAt,
		EndedAt:     time.Now(),
	}
}

// lookupLocked resolves a call ID against active sessions, distinguishing an
// unknown call from one that already reached a terminal state.
func (c *Coordinator) lookupLocked(callID uuid.UUID) (*Session, error) {
	if s, ok := c.sessions[callID]; ok {
		return s, nil
	}
	if _, was := c.ended[callID]; was {
		return nil, ErrAlreadyTerminal
	}
	return nil, ErrCallNotFound
}

func (c *Coordinator) stopRingTimerLocked(s *Session) {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// relay best-effort delivers event/payload to every connection of userID.
// Unreachable users are a normal condition and are simply skipped.
func (c *Coordinator) relay(userID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.logger.Error("Failed to encode call event", slog.String("event", event), slog.Any("error", err))
		return
	}
	for _, conn := range c.state.GetUserConnections(userID) {
		conn.Send(frame)
	}
}

// record hands a terminal snapshot to the persistence collaborator. Failures
// are logged and never roll back the in-memory transition.
func (c *Coordinator) record(rec Record) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.recorder.RecordCall(ctx, rec); err != nil {
		c.logger.Warn("Failed to persist call record",
			slog.String("callID", rec.CallID.String()),
			slog.Any("error", err),
		)
	}
}
