package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/notara/internal/backup"
	"github.com/dukerupert/notara/internal/store"
)

type BackupHandler struct {
	manager *backup.Manager
	log     *store.BackupStore
	logger  *slog.Logger
}

func NewBackupHandler(m *backup.Manager, bs *store.BackupStore, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{manager: m, log: bs, logger: logger}
}

// Run handles POST /api/backup
func (h *BackupHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "passphrase is required")
		return
	}

	b, err := h.manager.RunNow(r.Context(), req.Passphrase)
	if errors.Is(err, backup.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("run backup", "error", err)
		writeError(w, http.StatusBadGateway, "backup failed")
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// Status handles GET /api/backup
func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	history, err := h.log.List(r.Context())
	if err != nil {
		h.logger.Error("list backups", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  h.manager.Status(),
		"backups": history,
	})
}

// Restore handles POST /api/backup/restore
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key        string `json:"key"`
		Passphrase string `json:"passphrase"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Key == "" || req.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "key and passphrase are required")
		return
	}

	n, err := h.manager.Restore(r.Context(), req.Key, req.Passphrase)
	if errors.Is(err, backup.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("restore backup", "key", req.Key, "error", err)
		writeError(w, http.StatusBadGateway, "restore failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"restored": n})
}
