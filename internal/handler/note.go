package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/notara/internal/freemium"
	"github.com/dukerupert/notara/internal/grouping"
	"github.com/dukerupert/notara/internal/model"
	"github.com/dukerupert/notara/internal/store"
	"github.com/dukerupert/notara/internal/websocket"
)

type NoteHandler struct {
	notes  *store.NoteStore
	gate   *freemium.Gate
	hub    Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

func NewNoteHandler(ns *store.NoteStore, gate *freemium.Gate, hub Broadcaster, logger *slog.Logger) *NoteHandler {
	return &NoteHandler{notes: ns, gate: gate, hub: orNop(hub), logger: logger, now: time.Now}
}

// ForURL handles GET /api/notes?url=
func (h *NoteHandler) ForURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	notes, err := h.notes.ReadForURL(r.Context(), url)
	if err != nil {
		h.logger.Error("read notes", "url", url, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read notes")
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// Count handles GET /api/notes/count?url=
func (h *NoteHandler) Count(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	n, err := h.notes.CountForURL(r.Context(), url)
	if err != nil {
		h.logger.Error("count notes", "url", url, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count notes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// Create handles POST /api/notes. When the free limit is reached it responds
// 402 with the gate decision.
func (h *NoteHandler) Create(w http.ResponseWriter, r *http.Request) {
	var n model.Note
	if !decode(w, r, &n) {
		return
	}
	if strings.TrimSpace(n.URL) == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if n.Scope == "" {
		n.Scope = model.ScopePage
	}
	if n.Scope != model.ScopePage && n.Scope != model.ScopeSite {
		writeError(w, http.StatusBadRequest, "scope must be page or site")
		return
	}
	if n.Color == "" {
		n.Color = model.ColorYellow
	}
	if !n.Color.Valid() {
		writeError(w, http.StatusBadRequest, "unknown color")
		return
	}

	ctx := r.Context()
	d, err := h.gate.Require(ctx)
	if errors.Is(err, freemium.ErrLimitReached) {
		writeJSON(w, http.StatusPaymentRequired, d)
		return
	}
	if err != nil {
		h.logger.Error("check note limit", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check note limit")
		return
	}

	stamp := model.Millis(h.now())
	n.ID = uuid.NewString()
	n.CreatedAt = stamp
	n.UpdatedAt = stamp
	if err := h.notes.Upsert(ctx, n); err != nil {
		h.logger.Error("create note", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create note")
		return
	}

	h.hub.Broadcast(websocket.NewMessage("note", "created", n.ID, map[string]any{"url": n.URL, "scope": n.Scope}))
	writeJSON(w, http.StatusCreated, n)
}

type notePatchRequest struct {
	Ref   model.Ref       `json:"ref"`
	Patch model.NotePatch `json:"patch"`
}

// Patch handles PATCH /api/notes. A note that no longer exists is reported
// as outcome "not_found" with status 200.
func (h *NoteHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req notePatchRequest
	if !decode(w, r, &req) {
		return
	}
	if !(refRequest{Ref: req.Ref}).valid() {
		writeError(w, http.StatusBadRequest, "ref with id and scope is required")
		return
	}
	if req.Patch.Color != nil && !req.Patch.Color.Valid() {
		writeError(w, http.StatusBadRequest, "unknown color")
		return
	}

	outcome, err := h.notes.Patch(r.Context(), req.Ref, req.Patch)
	if err != nil {
		h.logger.Error("update note", "id", req.Ref.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update note")
		return
	}
	if outcome == store.Updated {
		h.hub.Broadcast(websocket.NewMessage("note", "updated", req.Ref.ID, nil))
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome.String()})
}

// Delete handles DELETE /api/notes
func (h *NoteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req refRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.valid() {
		writeError(w, http.StatusBadRequest, "ref with id and scope is required")
		return
	}
	if err := h.notes.Remove(r.Context(), req.Ref); err != nil {
		h.logger.Error("delete note", "id", req.Ref.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete note")
		return
	}
	h.hub.Broadcast(websocket.NewMessage("note", "deleted", req.Ref.ID, nil))
	w.WriteHeader(http.StatusNoContent)
}

type noteScopeRequest struct {
	Note  model.Note  `json:"note"`
	Scope model.Scope `json:"scope"`
}

// ChangeScope handles POST /api/notes/scope
func (h *NoteHandler) ChangeScope(w http.ResponseWriter, r *http.Request) {
	var req noteScopeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Note.ID == "" || !req.Note.Scope.Valid() {
		writeError(w, http.StatusBadRequest, "note with id and scope is required")
		return
	}
	if req.Scope != model.ScopePage && req.Scope != model.ScopeSite {
		writeError(w, http.StatusBadRequest, "scope must be page or site")
		return
	}

	moved, err := h.notes.ChangeScope(r.Context(), req.Note, req.Scope)
	if err != nil {
		h.logger.Error("change note scope", "id", req.Note.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to change scope")
		return
	}
	h.hub.Broadcast(websocket.NewMessage("note", "moved", moved.ID, map[string]any{"scope": moved.Scope}))
	writeJSON(w, http.StatusOK, moved)
}

// All handles GET /api/notes/all
func (h *NoteHandler) All(w http.ResponseWriter, r *http.Request) {
	all, err := h.notes.All(r.Context())
	if err != nil {
		h.logger.Error("list all notes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

// Grouped handles GET /api/notes/grouped?by=domain|path
func (h *NoteHandler) Grouped(w http.ResponseWriter, r *http.Request) {
	all, err := h.notes.All(r.Context())
	if err != nil {
		h.logger.Error("list all notes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list notes")
		return
	}
	switch r.URL.Query().Get("by") {
	case "", "domain":
		writeJSON(w, http.StatusOK, grouping.ByDomain(all))
	case "path":
		writeJSON(w, http.StatusOK, grouping.ByDomainAndPath(all))
	default:
		writeError(w, http.StatusBadRequest, "by must be domain or path")
	}
}
