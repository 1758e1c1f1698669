package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
)

// The internal surface is how the CRUD service reaches the relay: it triggers
// notification fan-out after persisting a record, and registers device tokens
// for the offline-call push fallback.

type internalNotifyRequest struct {
	UserID  string          `json:"userId"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type internalDeviceTokenRequest struct {
	UserID      string `json:"userId"`
	DeviceToken string `json:"deviceToken"`
}

func (a *App) authorizeInternal(w http.ResponseWriter, r *http.Request) bool {
	secret := a.config.Server.InternalToken
	if secret == "" {
		a.logger.Warn("Internal endpoint called but no internalToken is configured")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	presented := r.Header.Get("X-Internal-Token")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (a *App) internalNotifyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorizeInternal(w, r) {
		return
	}

	var req internalNotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || len(req.Payload) == 0 {
		http.Error(w, "userId and payload are required", http.StatusBadRequest)
		return
	}

	delivered := a.notifier.NotifyUser(req.UserID, req.Event, req.Payload)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"delivered": delivered})
}

func (a *App) internalDeviceTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorizeInternal(w, r) {
		return
	}
	if a.tokens == nil {
		http.Error(w, "token registry unavailable", http.StatusServiceUnavailable)
		return
	}

	var req internalDeviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	a.tokens.SetToken(req.UserID, req.DeviceToken)
	a.logger.Debug("Device token updated", slog.String("userID", req.UserID))
	w.WriteHeader(http.StatusNoContent)
}
