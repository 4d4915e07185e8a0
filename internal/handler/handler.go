// Package handler exposes the note, alert, freemium, push and backup
// operations as a JSON HTTP API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/dukerupert/notara/internal/model"
	"github.com/dukerupert/notara/internal/websocket"
)

// Broadcaster publishes change events to connected extension pages.
type Broadcaster interface {
	Broadcast(msg websocket.Message)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(websocket.Message) {}

func orNop(b Broadcaster) Broadcaster {
	if b == nil {
		return nopBroadcaster{}
	}
	return b
}

type refRequest struct {
	Ref model.Ref `json:"ref"`
}

func (r refRequest) valid() bool {
	return r.Ref.ID != "" && r.Ref.Scope.Valid()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}
