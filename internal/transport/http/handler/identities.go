package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-identity-api/internal/application/registration"
	"github.com/go-identity-api/internal/domain"
	"github.com/go-identity-api/internal/transport/http/middleware"
)

type identityReader interface {
	Me(ctx context.Context, identityID string) (*domain.Identity, error)
}

// IdentityHandler serves registration, verification and the caller's own identity.
type IdentityHandler struct {
	svc      registration.Service
	sessions identityReader
}

func NewIdentityHandler(svc registration.Service, sessions identityReader) *IdentityHandler {
	return &IdentityHandler{svc: svc, sessions: sessions}
}

// Register always answers 202 on success so a resend looks like a fresh registration.
func (h *IdentityHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Register(r.Context(), req, middleware.ClientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *IdentityHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.Verify(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *IdentityHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, domain.Unauthorized("unauthorized"))
		return
	}
	ident, err := h.sessions.Me(r.Context(), claims.IdentityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityView(ident))
}
