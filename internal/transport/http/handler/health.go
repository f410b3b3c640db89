package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HealthHandler answers liveness and readiness checks.
type HealthHandler struct {
	ready func(ctx context.Context) error
}

// NewHealthHandler accepts a nil ready check, in which case "ready" always succeeds.
func NewHealthHandler(ready func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{ready: ready}
}

func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "action") {
	case "ping":
		writeJSON(w, http.StatusOK, MessageEnvelope{Message: "pong"})
	case "ready":
		if h.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := h.ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, ErrorEnvelope{Error: "store unavailable", Code: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, MessageEnvelope{Message: "ready"})
	default:
		writeBadRequest(w, "unknown action")
	}
}
