package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-identity-api/internal/config"
	"github.com/go-identity-api/internal/transport/http/handler"
	appmiddleware "github.com/go-identity-api/internal/transport/http/middleware"
	"golang.org/x/time/rate"
)

// NewRouter builds and returns the application router. ctx bounds the
// background cleanup of the per-IP limiter.
func NewRouter(ctx context.Context, cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	trusted, err := appmiddleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		slog.Error("TRUSTED_PROXIES ignored, forwarding headers will not be read", "err", err)
	}
	r.Use(appmiddleware.ClientAddr(trusted))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	authMw := appmiddleware.Unavailable
	if deps.Tokens != nil {
		authMw = appmiddleware.Auth(deps.Tokens)
	}

	sensitiveRL := appmiddleware.NewRateLimiter(ctx, rate.Limit(cfg.HTTPRateLimitRPS), cfg.HTTPRateLimitBurst)

	healthH := handler.NewHealthHandler(deps.Ready)
	identityH := handler.NewIdentityHandler(deps.Registration, deps.Sessions)
	sessionH := handler.NewSessionHandler(deps.Sessions)

	r.Route("/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health-check/{action}", healthH.Ping)
		r.With(sensitiveRL.Limit).Post("/identities", identityH.Register)
		r.With(sensitiveRL.Limit).Post("/identities/{id}/verify", identityH.Verify)
		r.With(sensitiveRL.Limit).Post("/sessions/login", sessionH.Login)
		r.With(sensitiveRL.Limit).Post("/sessions/external", sessionH.External)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(authMw)
			r.Get("/identities/me", identityH.Me)
		})
	})

	return r
}
