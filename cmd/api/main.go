package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-identity-api/internal/application/cleanup"
	"github.com/go-identity-api/internal/application/notification"
	"github.com/go-identity-api/internal/application/otp"
	"github.com/go-identity-api/internal/application/ratelimit"
	"github.com/go-identity-api/internal/application/registration"
	"github.com/go-identity-api/internal/application/session"
	"github.com/go-identity-api/internal/config"
	"github.com/go-identity-api/internal/domain"
	"github.com/go-identity-api/internal/infrastructure/awsconf"
	"github.com/go-identity-api/internal/infrastructure/dynamo"
	"github.com/go-identity-api/internal/infrastructure/google"
	jwtinfra "github.com/go-identity-api/internal/infrastructure/jwt"
	"github.com/go-identity-api/internal/infrastructure/memory"
	"github.com/go-identity-api/internal/infrastructure/postgres"
	"github.com/go-identity-api/internal/infrastructure/smtp"
	"github.com/go-identity-api/internal/infrastructure/sns"
	transporthttp "github.com/go-identity-api/internal/transport/http"
	"github.com/joho/godotenv"
)

type identityStore interface {
	Save(ctx context.Context, i *domain.Identity) error
	Activate(ctx context.Context, i *domain.Identity) error
	FindByID(ctx context.Context, identityID string) (*domain.Identity, error)
	FindByUsername(ctx context.Context, username string) (*domain.Identity, error)
	FindByEmail(ctx context.Context, email string) (*domain.Identity, error)
	FindByPhone(ctx context.Context, phone string) (*domain.Identity, error)
	DeleteByID(ctx context.Context, identityID string) error
	FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Identity, error)
}

type codeStore interface {
	otp.CodeStore
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type stores struct {
	identities identityStore
	codes      codeStore
	ready      func(ctx context.Context) error
	close      func() error
}

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)})))
	if envErr != nil {
		slog.Info("no .env file found, reading from environment")
	}

	if err := run(cfg); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	// JWT provider (optional; authenticated routes answer 401 without it).
	var tokens transporthttp.TokenVerifier
	var signer interface {
		Sign(identityID, username string) (string, error)
	}
	if p, err := jwtinfra.NewProvider(cfg); err == nil {
		tokens, signer = p, p
	} else {
		slog.Warn("JWT provider not available", "err", err)
	}

	// SNS SMS sender (optional; phone registrations then fail delivery).
	var smsSender *sns.Sender
	if awsCfg, err := awsconf.Load(ctx, cfg, cfg.SNSRegion); err == nil {
		smsSender = sns.NewSender(awsCfg)
	} else {
		slog.Warn("SNS sender not available", "err", err)
	}

	var delivery *notification.Service
	if smsSender != nil {
		delivery = notification.NewService(smtp.NewMailer(cfg), smsSender, cfg.OTP.TTL)
	} else {
		delivery = notification.NewService(smtp.NewMailer(cfg), nil, cfg.OTP.TTL)
	}

	engine := otp.NewEngine(st.codes, delivery, cfg.OTP)
	limiter := ratelimit.New()

	sessionDeps := session.ServiceDeps{
		Identities: st.identities,
		Codes:      engine,
		Signer:     signer,
		Limiter:    limiter,
		Budget:     cfg.Login,
	}
	if cfg.GoogleClientID != "" {
		sessionDeps.External = google.NewVerifier(cfg.GoogleClientID)
	} else {
		slog.Warn("GOOGLE_CLIENT_ID not set, external sign-in disabled")
	}

	deps := &transporthttp.Deps{
		Registration: registration.NewService(registration.ServiceDeps{
			Identities: st.identities,
			Codes:      engine,
			Limiter:    limiter,
			Policy:     cfg.Registration,
		}),
		Sessions: session.NewService(sessionDeps),
		Tokens:   tokens,
		Ready:    st.ready,
	}

	sweeper := cleanup.NewSweeper(st.identities, st.codes, cfg.Sweep)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      transporthttp.NewRouter(ctx, cfg, deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.AppPort, "env", cfg.AppEnv, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.StoreDriver {
	case "dynamo":
		client, err := dynamo.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		dynamo.Bootstrap(ctx, client, cfg.DynamoTables)
		return &stores{
			identities: dynamo.NewIdentityRepo(client, cfg.DynamoTables.Identities),
			codes:      dynamo.NewCodeRepo(client, cfg.DynamoTables.VerificationCodes),
			close:      func() error { return nil },
		}, nil
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return nil, errors.New("DATABASE_DSN is required for the postgres store")
		}
		db, err := postgres.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		return &stores{
			identities: postgres.NewIdentityRepository(db),
			codes:      postgres.NewCodeRepository(db),
			ready:      db.PingContext,
			close:      db.Close,
		}, nil
	case "memory":
		slog.Warn("using in-memory store, data is lost on restart")
		return &stores{
			identities: memory.NewIdentityStore(),
			codes:      memory.NewCodeStore(),
			close:      func() error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
