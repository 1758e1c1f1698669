package notify_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/choyoungbong/eum-app-sub001/internal/notify"
	"github.com/choyoungbong/eum-app-sub001/internal/protocol"
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

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestNotifyUserReachesEveryDevice(t *testing.T) {
	logger := newTestLogger()
	sm := statemanager.NewInMemoryManager(logger)
	fanout := notify.NewFanout(logger, sm)

	phone := newFakeTransport()
	laptop := newFakeTransport()
	other := newFakeTransport()
	for _, tr := range []*fakeTransport{phone, laptop, other} {
		_, err := sm.RegisterConnection(tr, "127.0.0.1")
		require.NoError(t, err)
	}
	_, err := sm.AssociateUser(phone.ID(), "alice")
	require.NoError(t, err)
	_, err = sm.AssociateUser(laptop.ID(), "alice")
	require.NoError(t, err)
	_, err = sm.AssociateUser(other.ID(), "bob")
	require.NoError(t, err)

	n := fanout.NotifyUser("alice", "", json.RawMessage(`{"kind":"friend-request"}`))
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, phone.count())
	assert.Equal(t, 1, laptop.count())
	assert.Equal(t, 0, other.count())

	// The empty event name falls back to the generic notification event.
	phone.mu.Lock()
	frame := phone.frames[0]
	phone.mu.Unlock()
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.Equal(t, protocol.EventNotification, env.Event)
	assert.JSONEq(t, `{"kind":"friend-request"}`, string(env.Payload))
}

func TestNotifyOfflineUserIsNotAnError(t *testing.T) {
	logger := newTestLogger()
	sm := statemanager.NewInMemoryManager(logger)
	fanout := notify.NewFanout(logger, sm)

	n := fanout.NotifyUser("ghost", "friend:request", json.RawMessage(`{}`))
	assert.Equal(t, 0, n)
}
