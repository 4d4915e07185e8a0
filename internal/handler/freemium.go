package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/notara/internal/freemium"
)

type FreemiumHandler struct {
	gate   *freemium.Gate
	logger *slog.Logger
}

func NewFreemiumHandler(gate *freemium.Gate, logger *slog.Logger) *FreemiumHandler {
	return &FreemiumHandler{gate: gate, logger: logger}
}

// Status handles GET /api/freemium
func (h *FreemiumHandler) Status(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.CanCreateNote(r.Context())
	if err != nil {
		h.logger.Error("check note limit", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check note limit")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
