package call_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/choyoungbong/eum-app-sub001/internal/call"
	"github.com/choyoungbong/eum-app-sub001/internal/protocol"
	"github.com/choyoungbong/eum-app-sub001/internal/push"
	"github.com/choyoungbong/eum-app-sub001/pkg/state"
	"github.com/choyoungbong/eum-app-sub001/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeTransport struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames [][]byte
}

func newFakeTransport() *fakeTransport { return &fakeTransport{id: uuid.New()} }

func (f *fakeTransport) ID() uuid.UUID   { return f.id }
func (f *fakeTransport) Close(err error) {}

func (f *fakeTransport) Send(message []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, message)
}

func (f *fakeTransport) received(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	envs := make([]protocol.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		envs = append(envs, env)
	}
	return envs
}

func (f *fakeTransport) lastEvent(t *testing.T) protocol.Envelope {
	t.Helper()
	envs := f.received(t)
	require.NotEmpty(t, envs, "expected at least one frame")
	return envs[len(envs)-1]
}

// recordingSender counts push attempts and signals each one on a channel.
type recordingSender struct {
	mu    sync.Mutex
	sent  []string // device tokens
	calls chan struct{}
}

func newRecordingSender() *recordingSender {
	return &recordingSender{calls: make(chan struct{}, 8)}
}

func (s *recordingSender) Send(ctx context.Context, deviceToken string, n push.Notification) error {
	s.mu.Lock()
	s.sent = append(s.sent, deviceToken)
	s.mu.Unlock()
	s.calls <- struct{}{}
	return nil
}

func (s *recordingSender) sentTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// recordingRecorder signals every persisted record on a channel.
type recordingRecorder struct {
	records chan call.Record
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{records: make(chan call.Record, 8)}
}

func (r *recordingRecorder) RecordCall(ctx context.Context, rec call.Record) error {
	r.records <- rec
	return nil
}

func (r *recordingRecorder) wait(t *testing.T) call.Record {
	t.Helper()
	select {
	case rec := <-r.records:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call record")
		return call.Record{}
	}
}

type fixture struct {
	state    state.Manager
	tokens   *push.MemoryTokenStore
	sender   *recordingSender
	recorder *recordingRecorder
	calls    *call.Coordinator
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	logger := newTestLogger()
	fx := &fixture{
		state:    statemanager.NewInMemoryManager(logger),
		tokens:   push.NewMemoryTokenStore(),
		sender:   newRecordingSender(),
		recorder: newRecordingRecorder(),
	}
	fx.calls = call.NewCoordinator(logger, fx.state, fx.sender, fx.tokens, fx.recorder, ringTimeout)
	return fx
}

func (fx *fixture) admit(t *testing.T, userID string) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	_, err := fx.state.RegisterConnection(tr, "127.0.0.1")
	require.NoError(t, err)
	_, err = fx.state.AssociateUser(tr.ID(), userID)
	require.NoError(t, err)
	return tr
}

func TestStartRingsOnlineReceiver(t *testing.T) {
	fx := newFixture(t, 0)
	a := fx.admit(t, "alice")
	b := fx.admit(t, "bob")

	offer := json.RawMessage(`{"sdp":"offer"}`)
	session, err := fx.calls.Start("alice", "bob", call.KindVideo, "r1", offer)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, call.StateRinging, session.State)

	env := b.lastEvent(t)
	assert.Equal(t, protocol.EventCallIncoming, env.Event)

	var incoming protocol.CallIncoming
	require.NoError(t, json.Unmarshal(env.Payload, &incoming))
	assert.Equal(t, session.ID.String(), incoming.CallID)
	assert.Equal(t, "alice", incoming.InitiatorID)
	assert.Equal(t, "video", incoming.Kind)
	assert.JSONEq(t, string(offer), string(incoming.Offer))

	// The initiator learns the call ID through the router's ack, not from
	// the coordinator; no frames expected here.
	assert.Empty(t, a.received(t))
}

func TestStartRingsAllReceiverDevices(t *testing.T) {
	fx := newFixture(t, 0)
	fx.admit(t, "alice")
	bPhone := fx.admit(t, "bob")
	bLaptop := fx.admit(t, "bob")

	_, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)

	assert.Equal(t, protocol.EventCallIncoming, bPhone.lastEvent(t).Event)
	assert.Equal(t, protocol.EventCallIncoming, bLaptop.lastEvent(t).Event)
}

func TestStartSelfCallRejected(t *testing.T) {
	fx := newFixture(t, 0)
	fx.admit(t, "alice")

	_, err := fx.calls.Start("alice", "alice", call.KindVoice, "r1", nil)
	assert.ErrorIs(t, err, call.ErrSelfCall)
}

func TestStartPairBusy(t *testing.T) {
	fx := newFixture(t, 0)
	fx.admit(t, "alice")
	fx.admit(t, "bob")
	fx.admit(t, "carol")

	_, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)

	// Same pair, either direction, is busy until the first call terminates.
	_, err = fx.calls.Start("bob", "alice", call.KindVoice, "r1", nil)
	assert.ErrorIs(t, err, call.ErrCallInProgress)

	// A different pair is fine.
	_, err = fx.calls.Start("alice", "carol", call.KindVoice, "r2", nil)
	assert.NoError(t, err)
	assert.Equal(t, 2, fx.calls.ActiveCount())
}

func TestStartOfflineNoTokenTellsInitiator(t *testing.T) {
	fx := newFixture(t, 0)
	a := fx.admit(t, "alice")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)
	assert.Equal(t, call.StateRinging, session.State)

	env := a.lastEvent(t)
	assert.Equal(t, protocol.EventCallUserOffline, env.Event)
	assert.Empty(t, fx.sender.sentTokens())
}

func TestStartOfflineWithTokenPushesOnce(t *testing.T) {
	fx := newFixture(t, 0)
	a := fx.admit(t, "alice")
	fx.tokens.SetToken("bob", "device-token-1")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)

	select {
	case <-fx.sender.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push attempt")
	}

	assert.Equal(t, []string{"device-token-1"}, fx.sender.sentTokens())
	assert.Empty(t, a.received(t), "push fallback must not report the user offline")
	assert.Equal(t, call.StateRinging, session.State, "call keeps ringing while push is in flight")
}

func TestAcceptRelaysAnswer(t *testing.T) {
	fx := newFixture(t, 0)
	a := fx.admit(t, "alice")
	fx.admit(t, "bob")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)

	answer := json.RawMessage(`{"sdp":"answer"}`)
	require.NoError(t, fx.calls.Accept(session.ID, "bob", answer))
	assert.Equal(t, call.StateAccepted, session.State)

	env := a.lastEvent(t)
	assert.Equal(t, protocol.EventCallAccepted, env.Event)

	var accepted protocol.CallAccepted
	require.NoError(t, json.Unmarshal(env.Payload, &accepted))
	assert.Equal(t, session.ID.String(), accepted.CallID)
	assert.JSONEq(t, string(answer), string(accepted.Answer))
}

func TestAcceptOnlyByReceiver(t *testing.T) {
	fx := newFixture(t, 0)
	fx.admit(t, "alice")
	fx.admit(t, "bob")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, fx.calls.Accept(session.ID, "alice", nil), call.ErrNotReceiver)
	assert.ErrorIs(t, fx.calls.Accept(session.ID, "mallory", nil), call.ErrNotReceiver)

	// Accepting twice: the second call finds the session no longer ringing.
	require.NoError(t, fx.calls.Accept(session.ID, "bob", nil))
	assert.ErrorIs(t, fx.calls.Accept(session.ID, "bob", nil), call.ErrNotRinging)
}

func TestRejectTerminates(t *testing.T) {
	fx := newFixture(t, 0)
	a := fx.admit(t, "alice")
	fx.admit(t, "bob")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)

	require.NoError(t, fx.calls.Reject(session.ID, "bob"))

	env := a.lastEvent(t)
	assert.Equal(t, protocol.EventCallRejected, env.Event)
	assert.Equal(t, 0, fx.calls.ActiveCount())

	rec := fx.recorder.wait(t)
	assert.Equal(t, session.ID, rec.CallID)
	assert.Equal(t, "rejected", rec.Outcome)

	// The pair is free again immediately.
	_, err = fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	assert.NoError(t, err)
}

func TestICERelayAndConnectedTransition(t *testing.T) {
	fx := newFixture(t, 0)
	a := fx.admit(t, "alice")
	b := fx.admit(t, "bob")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)
	require.NoError(t, fx.calls.Accept(session.ID, "bob", nil))

	candidate := json.RawMessage(`{"candidate":"a=candidate:1"}`)
	require.NoError(t, fx.calls.ICECandidate(session.ID, "alice", candidate))
	assert.Equal(t, call.StateConnected, session.State)

	env := b.lastEvent(t)
	assert.Equal(t, protocol.EventICECandidate, env.Event)

	var ice protocol.ICECandidate
	require.NoError(t, json.Unmarshal(env.Payload, &ice))
	assert.Equal(t, session.ID.String(), ice.CallID)
	assert.JSONEq(t, string(candidate), string(ice.Candidate))

	// Candidates flow in both directions.
	require.NoError(t, fx.calls.ICECandidate(session.ID, "bob", candidate))
	assert.Equal(t, protocol.EventICECandidate, a.lastEvent(t).Event)

	assert.ErrorIs(t, fx.calls.ICECandidate(session.ID, "mallory", candidate), call.ErrNotParticipant)
}

func TestEndIsTerminalAndDuplicateDetected(t *testing.T) {
	fx := newFixture(t, 0)
	fx.admit(t, "alice")
	b := fx.admit(t, "bob")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)
	require.NoError(t, fx.calls.Accept(session.ID, "bob", nil))

	require.NoError(t, fx.calls.End(session.ID, "alice"))
	assert.Equal(t, protocol.EventCallEnded, b.lastEvent(t).Event)
	assert.Equal(t, 0, fx.calls.ActiveCount())

	rec := fx.recorder.wait(t)
	assert.Equal(t, "ended", rec.Outcome)

	// Both sides racing to hang up: the loser sees "already terminal",
	// not "not found".
	assert.ErrorIs(t, fx.calls.End(session.ID, "bob"), call.ErrAlreadyTerminal)
	assert.ErrorIs(t, fx.calls.Accept(session.ID, "bob", nil), call.ErrAlreadyTerminal)
}

func TestEndUnknownCall(t *testing.T) {
	fx := newFixture(t, 0)
	fx.admit(t, "alice")

	assert.ErrorIs(t, fx.calls.End(uuid.New(), "alice"), call.ErrCallNotFound)
}

func TestEndWhileRinging(t *testing.T) {
	fx := newFixture(t, 0)
	fx.admit(t, "alice")
	b := fx.admit(t, "bob")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)

	// Initiator cancels before the receiver answers.
	require.NoError(t, fx.calls.End(session.ID, "alice"))
	assert.Equal(t, protocol.EventCallEnded, b.lastEvent(t).Event)
}

func TestDisconnectForceEndsCalls(t *testing.T) {
	fx := newFixture(t, 0)
	a := fx.admit(t, "alice")
	b := fx.admit(t, "bob")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)
	require.NoError(t, fx.calls.Accept(session.ID, "bob", nil))

	_, err = fx.state.DeregisterConnection(b.ID())
	require.NoError(t, err)
	fx.calls.HandleDisconnect("bob")

	env := a.lastEvent(t)
	assert.Equal(t, protocol.EventCallEnded, env.Event)

	var ev protocol.CallEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, session.ID.String(), ev.CallID)
	assert.Equal(t, 0, fx.calls.ActiveCount())

	rec := fx.recorder.wait(t)
	assert.Equal(t, "ended", rec.Outcome)
}

func TestRingTimeout(t *testing.T) {
	fx := newFixture(t, 50*time.Millisecond)
	a := fx.admit(t, "alice")
	b := fx.admit(t, "bob")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)

	rec := fx.recorder.wait(t)
	assert.Equal(t, session.ID, rec.CallID)
	assert.Equal(t, "timed_out", rec.Outcome)
	assert.Equal(t, 0, fx.calls.ActiveCount())

	// Both parties hear the call end.
	assert.Equal(t, protocol.EventCallEnded, a.lastEvent(t).Event)
	assert.Equal(t, protocol.EventCallEnded, b.lastEvent(t).Event)

	assert.ErrorIs(t, fx.calls.Accept(session.ID, "bob", nil), call.ErrAlreadyTerminal)
}

func TestAcceptStopsRingTimer(t *testing.T) {
	fx := newFixture(t, 50*time.Millisecond)
	fx.admit(t, "alice")
	fx.admit(t, "bob")

	session, err := fx.calls.Start("alice", "bob", call.KindVoice, "r1", nil)
	require.NoError(t, err)
	require.NoError(t, fx.calls.Accept(session.ID, "bob", nil))

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, fx.calls.ActiveCount(), "accepted call must survive the ring window")
	assert.Equal(t, call.StateAccepted, session.State)
}
