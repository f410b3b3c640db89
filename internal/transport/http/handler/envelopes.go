package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-identity-api/internal/domain"
)

const maxBodyBytes = 1 << 20

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message string `json:"message"`
}

// ErrorEnvelope is the body of every error response.
type ErrorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// IdentityView is the safe projection of an identity returned to its owner.
type IdentityView struct {
	ID                  string                `json:"identity_id"`
	Username            string                `json:"username"`
	Email               string                `json:"email,omitempty"`
	Phone               string                `json:"phone,omitempty"`
	FullName            string                `json:"full_name,omitempty"`
	Status              domain.IdentityStatus `json:"status"`
	RegistrationChannel domain.Channel        `json:"registration_channel"`
	EmailVerified       bool                  `json:"email_verified"`
	PhoneVerified       bool                  `json:"phone_verified"`
}

func toIdentityView(i *domain.Identity) IdentityView {
	return IdentityView{
		ID:                  i.ID,
		Username:            i.Username,
		Email:               i.Email,
		Phone:               i.Phone,
		FullName:            i.FullName,
		Status:              i.Status,
		RegistrationChannel: i.RegistrationChannel,
		EmailVerified:       i.EmailVerified,
		PhoneVerified:       i.PhoneVerified,
	}
}

var kindStatus = []struct {
	kind   error
	status int
}{
	{domain.ErrInvalidInput, http.StatusBadRequest},
	{domain.ErrRateLimited, http.StatusTooManyRequests},
	{domain.ErrConflict, http.StatusConflict},
	{domain.ErrNotFound, http.StatusNotFound},
	{domain.ErrAttemptsExhausted, http.StatusGone},
	{domain.ErrDelivery, http.StatusBadGateway},
	{domain.ErrInvalidCode, http.StatusBadRequest},
	{domain.ErrUnauthorized, http.StatusUnauthorized},
}

// httpError maps a service error to a status and a client-safe envelope.
// Anything that is not a *domain.Error is treated as internal.
func httpError(err error) (int, ErrorEnvelope) {
	var de *domain.Error
	if errors.As(err, &de) {
		for _, ks := range kindStatus {
			if errors.Is(de.Kind, ks.kind) {
				return ks.status, ErrorEnvelope{Error: de.Message, Code: de.Code()}
			}
		}
	}
	return http.StatusInternalServerError, ErrorEnvelope{Error: "internal server error", Code: "internal"}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := httpError(err)
	switch status {
	case http.StatusInternalServerError:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	case http.StatusBadGateway:
		var de *domain.Error
		if errors.As(err, &de) {
			slog.Warn("delivery failed", "method", r.Method, "path", r.URL.Path, "cause", de.Cause)
		}
	}
	writeJSON(w, status, env)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorEnvelope{Error: msg, Code: domain.ErrInvalidInput.Error()})
}

// decode reads a JSON body of at most maxBodyBytes into v.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid request body")
		return false
	}
	return true
}
