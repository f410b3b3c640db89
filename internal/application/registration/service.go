// Package registration arbitrates competing claims on usernames, emails and
// phone numbers and drives pending identities through verification.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-identity-api/internal/config"
	"github.com/go-identity-api/internal/domain"
	"github.com/go-identity-api/internal/pkg/id"
	"github.com/go-identity-api/internal/pkg/keylock"
	"github.com/go-identity-api/internal/pkg/validate"
	"golang.org/x/crypto/bcrypt"
)

const actionRegister = "register"

// Result is returned for both new and resent registrations so callers cannot
// tell them apart.
type Result struct {
	IdentityID string         `json:"identity_id"`
	Message    string         `json:"message"`
	Channel    domain.Channel `json:"channel"`
}

type VerifyResult struct {
	Message string `json:"message"`
}

type Service interface {
	Register(ctx context.Context, req domain.RegisterRequest, clientKey string) (*Result, error)
	Verify(ctx context.Context, identityID, code string) (*VerifyResult, error)
}

type identityStore interface {
	FindByID(ctx context.Context, identityID string) (*domain.Identity, error)
	FindByUsername(ctx context.Context, username string) (*domain.Identity, error)
	FindByEmail(ctx context.Context, email string) (*domain.Identity, error)
	FindByPhone(ctx context.Context, phone string) (*domain.Identity, error)
	Save(ctx context.Context, i *domain.Identity) error
	// Activate persists the activation fields of i only while the stored
	// record is still PENDING, else domain.ErrStaleWrite.
	Activate(ctx context.Context, i *domain.Identity) error
	DeleteByID(ctx context.Context, identityID string) error
}

type codeEngine interface {
	Issue(ctx context.Context, identityID string, channel domain.Channel, address string, purpose domain.Purpose) error
	Validate(ctx context.Context, identityID, code string, purpose domain.Purpose) (bool, error)
	DeleteForIdentity(ctx context.Context, identityID string) error
}

type attemptLimiter interface {
	Allow(clientKey, action string, maxAttempts int, within time.Duration) bool
}

type service struct {
	identities identityStore
	codes      codeEngine
	limiter    attemptLimiter
	policy     config.RegistrationPolicy
	hashCost   int
	locks      *keylock.Locker
	now        func() time.Time
	logger     *slog.Logger
}

type ServiceDeps struct {
	Identities identityStore
	Codes      codeEngine
	Limiter    attemptLimiter
	Policy     config.RegistrationPolicy
	HashCost   int              // bcrypt cost, defaults to bcrypt.DefaultCost
	Clock      func() time.Time // defaults to time.Now
	Logger     *slog.Logger
}

func NewService(deps ServiceDeps) Service {
	s := &service{
		identities: deps.Identities,
		codes:      deps.Codes,
		limiter:    deps.Limiter,
		policy:     deps.Policy,
		hashCost:   deps.HashCost,
		locks:      keylock.New(),
		now:        deps.Clock,
		logger:     deps.Logger,
	}
	if s.hashCost == 0 {
		s.hashCost = bcrypt.DefaultCost
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *service) Register(ctx context.Context, req domain.RegisterRequest, clientKey string) (*Result, error) {
	req = normalize(req)
	if req.Email == "" && req.Phone == "" {
		return nil, domain.InvalidInput("either email or phone is required")
	}
	budget := s.policy.Budget
	if !s.limiter.Allow(clientKey, actionRegister, budget.MaxAttempts, budget.Window) {
		s.logger.Warn("registration rate limited", "client", clientKey)
		return nil, domain.RateLimited("too many registration attempts, try again later")
	}
	if err := validate.Struct(req); err != nil {
		return nil, domain.InvalidInput("%s", err.Error())
	}

	unlock := s.lockIdentifiers(req)
	defer unlock()

	now := s.now().UTC()
	resolutions, err := s.resolve(ctx, req, now)
	if err != nil {
		return nil, err
	}
	plan := Combine(resolutions)
	if plan.Reject != nil {
		s.logger.Info("registration rejected", "field", plan.Reject.Field, "client", clientKey)
		return nil, domain.Conflict("%s", plan.Reject.Reason)
	}

	// hash before any reclaim so a failure here leaves the store untouched
	var hash []byte
	if plan.Resend == nil {
		if hash, err = s.hashPassword(req.Password); err != nil {
			return nil, err
		}
	}
	for _, holder := range plan.Reclaims {
		if err := s.reclaim(ctx, holder); err != nil {
			return nil, err
		}
	}
	if plan.Resend != nil {
		return s.resend(ctx, plan.Resend, req, now)
	}
	return s.create(ctx, req, hash, clientKey, now)
}

func (s *service) hashPassword(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, domain.InvalidInput("password must be at most 72 bytes")
	}
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return hash, nil
}

// lockIdentifiers serializes registrations that share any identifier.
// Keys are taken in sorted order so overlapping requests cannot deadlock.
func (s *service) lockIdentifiers(req domain.RegisterRequest) func() {
	keys := []string{"username:" + req.Username}
	if req.Email != "" {
		keys = append(keys, "email:"+req.Email)
	}
	if req.Phone != "" {
		keys = append(keys, "phone:"+req.Phone)
	}
	sort.Strings(keys)
	unlocks := make([]func(), 0, len(keys))
	for _, k := range keys {
		unlocks = append(unlocks, s.locks.Lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (s *service) resolve(ctx context.Context, req domain.RegisterRequest, now time.Time) ([]Resolution, error) {
	lookups := []struct {
		field Field
		value string
		find  func(context.Context, string) (*domain.Identity, error)
	}{
		{FieldUsername, req.Username, s.identities.FindByUsername},
		{FieldEmail, req.Email, s.identities.FindByEmail},
		{FieldPhone, req.Phone, s.identities.FindByPhone},
	}

	var out []Resolution
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		holder, err := l.find(ctx, l.value)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("look up %s: %w", l.field, err)
		}
		out = append(out, Resolve(l.field, holder, req, now, s.policy))
	}
	return out, nil
}

// reclaim removes an abandoned pending identity, codes first.
func (s *service) reclaim(ctx context.Context, holder *domain.Identity) error {
	if err := s.codes.DeleteForIdentity(ctx, holder.ID); err != nil {
		return err
	}
	if err := s.identities.DeleteByID(ctx, holder.ID); err != nil {
		return fmt.Errorf("delete identity %s: %w", holder.ID, err)
	}
	s.logger.Info("reclaimed pending identity", "identity_id", holder.ID, "username", holder.Username)
	return nil
}

func (s *service) resend(ctx context.Context, holder *domain.Identity, req domain.RegisterRequest, now time.Time) (*Result, error) {
	if holder.Username != req.Username {
		holder.Username = req.Username
		holder.UpdatedAt = now
		if err := s.identities.Save(ctx, holder); err != nil {
			return nil, fmt.Errorf("update identity %s: %w", holder.ID, err)
		}
	}
	if err := s.codes.Issue(ctx, holder.ID, holder.RegistrationChannel, holder.Address(), holder.Purpose()); err != nil {
		return nil, err
	}
	s.logger.Info("verification code resent", "identity_id", holder.ID)
	return result(holder), nil
}

func (s *service) create(ctx context.Context, req domain.RegisterRequest, hash []byte, clientKey string, now time.Time) (*Result, error) {
	channel := domain.ChannelEmail
	if req.Email == "" {
		channel = domain.ChannelPhone
	}
	ident := &domain.Identity{
		ID:                  id.New(),
		Username:            req.Username,
		Email:               req.Email,
		Phone:               req.Phone,
		PasswordHash:        string(hash),
		FullName:            req.FullName,
		Status:              domain.StatusPending,
		RegistrationChannel: channel,
		RegistrationIP:      clientKey,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.identities.Save(ctx, ident); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	if err := s.codes.Issue(ctx, ident.ID, channel, ident.Address(), ident.Purpose()); err != nil {
		return nil, err
	}
	s.logger.Info("identity registered", "identity_id", ident.ID, "channel", channel)
	return result(ident), nil
}

func (s *service) Verify(ctx context.Context, identityID, code string) (*VerifyResult, error) {
	if err := validate.Struct(domain.VerifyRequest{Code: code}); err != nil {
		return nil, domain.InvalidInput("code must be numeric")
	}
	ident, err := s.identities.FindByID(ctx, identityID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NotFound("identity not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", identityID, err)
	}

	ok, err := s.codes.Validate(ctx, ident.ID, code, ident.Purpose())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.InvalidCode("invalid or expired verification code")
	}

	ident.Activate(s.now().UTC())
	err = s.identities.Activate(ctx, ident)
	if errors.Is(err, domain.ErrStaleWrite) {
		// reclaimed or swept while the code was being checked
		s.logger.Warn("verified identity no longer pending", "identity_id", ident.ID)
		return nil, domain.NotFound("identity no longer pending, register again")
	}
	if err != nil {
		return nil, fmt.Errorf("activate identity %s: %w", ident.ID, err)
	}
	s.logger.Info("identity verified", "identity_id", ident.ID, "channel", ident.RegistrationChannel)
	return &VerifyResult{Message: "account verified successfully"}, nil
}

func result(i *domain.Identity) *Result {
	dest := "email"
	if i.RegistrationChannel == domain.ChannelPhone {
		dest = "phone"
	}
	return &Result{
		IdentityID: i.ID,
		Message:    "verification code sent to your " + dest,
		Channel:    i.RegistrationChannel,
	}
}

func normalize(req domain.RegisterRequest) domain.RegisterRequest {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Phone = strings.TrimSpace(req.Phone)
	req.FullName = strings.TrimSpace(req.FullName)
	return req
}
