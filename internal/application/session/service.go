// Package session authenticates ACTIVE identities and issues bearer tokens.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-identity-api/internal/config"
	"github.com/go-identity-api/internal/domain"
	"github.com/go-identity-api/internal/infrastructure/google"
	"github.com/go-identity-api/internal/pkg/id"
	"github.com/go-identity-api/internal/pkg/token"
	"github.com/go-identity-api/internal/pkg/validate"
	"golang.org/x/crypto/bcrypt"
)

const (
	actionLogin          = "login"
	maxDerivedNameTries  = 3
	derivedNameMaxPrefix = 25
)

var nonUsernameChars = regexp.MustCompile(`[^a-z0-9_]`)

type Token struct {
	Bearer     string `json:"Bearer"`
	IdentityID string `json:"identity_id"`
	Username   string `json:"username"`
}

type Service interface {
	Login(ctx context.Context, req domain.LoginRequest, clientKey string) (*Token, error)
	ExternalLogin(ctx context.Context, idToken string) (*Token, error)
	Me(ctx context.Context, identityID string) (*domain.Identity, error)
}

type identityStore interface {
	FindByID(ctx context.Context, identityID string) (*domain.Identity, error)
	FindByUsername(ctx context.Context, username string) (*domain.Identity, error)
	FindByEmail(ctx context.Context, email string) (*domain.Identity, error)
	FindByPhone(ctx context.Context, phone string) (*domain.Identity, error)
	Save(ctx context.Context, i *domain.Identity) error
	DeleteByID(ctx context.Context, identityID string) error
}

type codeRemover interface {
	DeleteForIdentity(ctx context.Context, identityID string) error
}

type jwtSigner interface {
	Sign(identityID, username string) (string, error)
}

type externalVerifier interface {
	Verify(ctx context.Context, token string) (*google.Payload, error)
}

type attemptLimiter interface {
	Allow(clientKey, action string, maxAttempts int, within time.Duration) bool
}

type service struct {
	identities identityStore
	codes      codeRemover
	signer     jwtSigner
	external   externalVerifier
	limiter    attemptLimiter
	budget     config.AttemptBudget
	hashCost   int
	now        func() time.Time

	// dummyHash is compared when no identity matches so unknown identifiers
	// cost the same bcrypt work as wrong passwords.
	dummyHash func() []byte
	compare   func(hash, password []byte) error
}

type ServiceDeps struct {
	Identities identityStore
	Codes      codeRemover
	Signer     jwtSigner
	External   externalVerifier // optional
	Limiter    attemptLimiter
	Budget     config.AttemptBudget
	HashCost   int
	Clock      func() time.Time
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		identities: deps.Identities,
		codes:      deps.Codes,
		signer:     deps.Signer,
		external:   deps.External,
		limiter:    deps.Limiter,
		budget:     deps.Budget,
		hashCost:   deps.HashCost,
		now:        deps.Clock,
	}
	if s.hashCost == 0 {
		s.hashCost = bcrypt.DefaultCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.compare = bcrypt.CompareHashAndPassword
	s.dummyHash = sync.OnceValue(func() []byte {
		secret, err := token.Secret()
		if err != nil {
			secret = "unused-identity-placeholder"
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.hashCost)
		if err != nil {
			slog.Error("failed to build placeholder hash", "err", err)
		}
		return hash
	})
	return s
}

func (s *service) Login(ctx context.Context, req domain.LoginRequest, clientKey string) (*Token, error) {
	if !s.limiter.Allow(clientKey, actionLogin, s.budget.MaxAttempts, s.budget.Window) {
		return nil, domain.RateLimited("too many login attempts, try again later")
	}
	if err := validate.Struct(req); err != nil {
		return nil, domain.InvalidInput("%s", err.Error())
	}

	ident, err := s.lookup(ctx, strings.TrimSpace(req.Identifier))
	if err != nil {
		return nil, err
	}
	if ident == nil {
		_ = s.compare(s.dummyHash(), []byte(req.Password))
		return nil, domain.Unauthorized("invalid credentials")
	}
	if s.compare([]byte(ident.PasswordHash), []byte(req.Password)) != nil {
		return nil, domain.Unauthorized("invalid credentials")
	}
	if !ident.IsActive() {
		return nil, domain.Unauthorized("account not verified")
	}
	return s.issue(ctx, ident)
}

// lookup tries the identifier as a username, then an email, then a phone number.
// A miss returns a nil identity and a nil error.
func (s *service) lookup(ctx context.Context, identifier string) (*domain.Identity, error) {
	finders := []func(context.Context, string) (*domain.Identity, error){
		s.identities.FindByUsername,
		func(ctx context.Context, v string) (*domain.Identity, error) {
			return s.identities.FindByEmail(ctx, strings.ToLower(v))
		},
		s.identities.FindByPhone,
	}
	for _, find := range finders {
		ident, err := find(ctx, identifier)
		if err == nil {
			return ident, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("look up identity: %w", err)
		}
	}
	return nil, nil
}

func (s *service) issue(ctx context.Context, ident *domain.Identity) (*Token, error) {
	if s.signer == nil {
		return nil, errors.New("token signing is not configured")
	}
	now := s.now().UTC()
	ident.LastLoginAt = &now
	if err := s.identities.Save(ctx, ident); err != nil {
		slog.Warn("failed to record last login", "identity_id", ident.ID, "err", err)
	}
	bearer, err := s.signer.Sign(ident.ID, ident.Username)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Bearer: bearer, IdentityID: ident.ID, Username: ident.Username}, nil
}

// ExternalLogin signs in with a Google ID token. An ACTIVE identity holding the
// verified email is signed in. A PENDING one is reclaimed, never activated,
// since its username and password belong to whoever registered it; the Google
// account then gets a fresh ACTIVE identity.
func (s *service) ExternalLogin(ctx context.Context, idToken string) (*Token, error) {
	if s.external == nil {
		return nil, domain.Unauthorized("external sign-in is not configured")
	}
	if strings.TrimSpace(idToken) == "" {
		return nil, domain.InvalidInput("id_token is required")
	}
	p, err := s.external.Verify(ctx, idToken)
	if err != nil {
		return nil, err
	}
	if p.Email == "" || !p.EmailVerified {
		return nil, domain.Unauthorized("external account email is not verified")
	}
	email := strings.ToLower(p.Email)

	ident, err := s.identities.FindByEmail(ctx, email)
	switch {
	case err == nil && ident.IsActive():
		return s.issue(ctx, ident)
	case err == nil:
		if err := s.reclaimPending(ctx, ident); err != nil {
			return nil, err
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("look up identity: %w", err)
	}

	ident, err = s.createExternal(ctx, email, p.Name)
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, ident)
}

// reclaimPending removes an unverified claim on an email Google just proved, codes first.
func (s *service) reclaimPending(ctx context.Context, ident *domain.Identity) error {
	if err := s.codes.DeleteForIdentity(ctx, ident.ID); err != nil {
		return err
	}
	if err := s.identities.DeleteByID(ctx, ident.ID); err != nil {
		return fmt.Errorf("delete identity %s: %w", ident.ID, err)
	}
	slog.Info("pending identity reclaimed by external sign-in", "identity_id", ident.ID, "username", ident.Username)
	return nil
}

func (s *service) createExternal(ctx context.Context, email, name string) (*domain.Identity, error) {
	username, err := s.deriveUsername(ctx, email)
	if err != nil {
		return nil, err
	}
	secret, err := token.Secret()
	if err != nil {
		return nil, err
	}
	// external identities get an unguessable password until they set one
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	ident := &domain.Identity{
		ID:                  id.New(),
		Username:            username,
		Email:               email,
		PasswordHash:        string(hash),
		FullName:            name,
		Status:              domain.StatusActive,
		RegistrationChannel: domain.ChannelExternal,
		EmailVerified:       true,
		EmailVerifiedAt:     &now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.identities.Save(ctx, ident); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	slog.Info("identity created by external sign-in", "identity_id", ident.ID)
	return ident, nil
}

// deriveUsername builds "<local part>_<4 random chars>" and retries on collision.
func (s *service) deriveUsername(ctx context.Context, email string) (string, error) {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}
	local = nonUsernameChars.ReplaceAllString(strings.ToLower(local), "_")
	if len(local) > derivedNameMaxPrefix {
		local = local[:derivedNameMaxPrefix]
	}
	if local == "" {
		local = "user"
	}
	for i := 0; i < maxDerivedNameTries; i++ {
		suffix, err := token.Suffix(4)
		if err != nil {
			return "", err
		}
		candidate := local + "_" + suffix
		_, err = s.identities.FindByUsername(ctx, candidate)
		if errors.Is(err, domain.ErrNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("look up username: %w", err)
		}
	}
	return "", domain.Conflict("could not allocate a username, try again")
}

func (s *service) Me(ctx context.Context, identityID string) (*domain.Identity, error) {
	ident, err := s.identities.FindByID(ctx, identityID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFound("identity not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", identityID, err)
	}
	return ident, nil
}
