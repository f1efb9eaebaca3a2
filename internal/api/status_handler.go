package api

import (
	"log/slog"
	"net/http"
)

// GetStatus handles GET /api/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Status(r.Context()))
}

// GetPool handles GET /api/pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.service.Pool(r.Context())
	if err != nil {
		h.logger.Error("failed to get agent pool",
			slog.String("error", err.Error()),
		)
		h.respondError(w, http.StatusInternalServerError, "failed to get agent pool")
		return
	}

	h.respondJSON(w, http.StatusOK, pool)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
