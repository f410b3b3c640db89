package handler

import (
	"net/http"

	"github.com/go-identity-api/internal/application/session"
	"github.com/go-identity-api/internal/domain"
	"github.com/go-identity-api/internal/transport/http/middleware"
)

// SessionHandler handles session endpoints.
type SessionHandler struct {
	svc session.Service
}

func NewSessionHandler(svc session.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	tok, err := h.svc.Login(r.Context(), req, middleware.ClientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *SessionHandler) External(w http.ResponseWriter, r *http.Request) {
	var req domain.ExternalLoginRequest
	if !decode(w, r, &req) {
		return
	}
	tok, err := h.svc.ExternalLogin(r.Context(), req.IDToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}
