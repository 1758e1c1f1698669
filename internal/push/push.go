// Package push abstracts the external push-notification collaborator used to
// reach users who hold no live connection.
package push

import (
	"context"
	"log/slog"
	"sync"
)

// Notification is the structured payload handed to the push service.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Sender delivers a notification to a registered device token. Failures are
// reported as errors for logging only; callers treat them as "could not
// reach offline user" and never propagate them.
type Sender interface {
	Send(ctx context.Context, deviceToken string, n Notification) error
}

// TokenStore resolves a user's registered device token. The canonical store
// lives in the CRUD service's database; the relay only consumes it.
type TokenStore interface {
	DeviceToken(userID string) (string, bool)
}

// TokenRegistry is a TokenStore that also accepts registrations, pushed to
// the relay over its internal HTTP surface. An empty token unregisters.
type TokenRegistry interface {
	TokenStore
	SetToken(userID, deviceToken string)
}

// LogSender is a stand-in Sender for development and tests: it logs the
// delivery instead of calling a push gateway.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "push_log_sender"))}
}

func (s *LogSender) Send(ctx context.Context, deviceToken string, n Notification) error {
	s.logger.Info("Push notification dispatched",
		slog.String("deviceToken", deviceToken),
		slog.String("title", n.Title),
	)
	return nil
}

// MemoryTokenStore is an in-process TokenStore, populated over the internal
// HTTP surface by the CRUD service when a device registers.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]string)}
}

func (s *MemoryTokenStore) SetToken(userID, deviceToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deviceToken == "" {
		delete(s.tokens, userID)
		return
	}
	s.tokens[userID] = deviceToken
}

func (s *MemoryTokenStore) DeviceToken(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[userID]
	return token, ok
}
