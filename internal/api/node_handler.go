package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kirychukyurii/aks-pool-scaler/internal/service"
)

// ListNodes handles GET /api/nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.service.Nodes(r.Context()))
}

// GetNode handles GET /api/nodes/{name}
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "node name is required")
		return
	}

	node, ok := h.service.Node(r.Context(), name)
	if !ok {
		h.respondError(w, http.StatusNotFound, "node not found")
		return
	}

	h.respondJSON(w, http.StatusOK, node)
}

// MarkNodePrepared handles POST /api/nodes/{name}/prepared
func (h *Handler) MarkNodePrepared(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "node name is required")
		return
	}

	if err := h.service.MarkPrepared(r.Context(), name); err != nil {
		switch {
		case errors.Is(err, service.ErrNodeNotFound):
			h.respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrNotAwaitingPreparation):
			h.respondError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to mark node prepared",
				slog.String("node", name),
				slog.String("error", err.Error()),
			)
			h.respondError(w, http.StatusInternalServerError, "failed to mark node prepared")
		}
		return
	}

	if node, ok := h.service.Node(r.Context(), name); ok {
		h.respondJSON(w, http.StatusOK, node)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"node": name})
}

// ForgetNode handles POST /api/nodes/{name}/forget
func (h *Handler) ForgetNode(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "node name is required")
		return
	}

	if err := h.service.ForgetNode(r.Context(), name); err != nil {
		if errors.Is(err, service.ErrNodeNotFound) {
			h.respondError(w, http.StatusNotFound, err.Error())
			return
		}

		h.logger.Error("failed to forget node",
			slog.String("node", name),
			slog.String("error", err.Error()),
		)
		h.respondError(w, http.StatusInternalServerError, "failed to forget node")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"node": name})
}
