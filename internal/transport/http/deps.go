package http

import (
	"context"

	"github.com/go-identity-api/internal/application/registration"
	"github.com/go-identity-api/internal/application/session"
	jwtinfra "github.com/go-identity-api/internal/infrastructure/jwt"
)

// TokenVerifier validates bearer tokens for the authenticated routes.
type TokenVerifier interface {
	Verify(tokenStr string) (*jwtinfra.Claims, error)
}

// Deps holds the application services and infrastructure the router wires.
type Deps struct {
	Registration registration.Service
	Sessions     session.Service
	// Tokens may be nil, in which case authenticated routes answer 401.
	Tokens TokenVerifier
	// Ready backs the readiness check; nil means always ready.
	Ready func(ctx context.Context) error
}
