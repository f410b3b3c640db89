// Package otp issues, delivers and validates one-time verification codes.
package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-identity-api/internal/config"
	"github.com/go-identity-api/internal/domain"
	"github.com/go-identity-api/internal/pkg/id"
	"github.com/go-identity-api/internal/pkg/token"
)

// maxStaleRetries bounds how often Validate reloads a code after losing a
// conditional update to a concurrent validation.
const maxStaleRetries = 16

// CodeStore persists verification codes. IncrementAttempts must bump
// attempt_count from c.AttemptCount to c.AttemptCount+1 atomically and return
// domain.ErrStaleWrite when the stored count moved or the code was used.
// MarkUsed has the same contract on the used flag.
type CodeStore interface {
	FindUnused(ctx context.Context, identityID string, purpose domain.Purpose) (*domain.VerificationCode, error)
	Save(ctx context.Context, c *domain.VerificationCode) error
	IncrementAttempts(ctx context.Context, c *domain.VerificationCode) error
	MarkUsed(ctx context.Context, c *domain.VerificationCode, at time.Time) error
	Delete(ctx context.Context, c *domain.VerificationCode) error
	DeleteByIdentityID(ctx context.Context, identityID string) error
}

// Delivery sends a code to its recipient.
type Delivery interface {
	SendEmailCode(ctx context.Context, address, code string) error
	SendSMSCode(ctx context.Context, number, code string) error
}

type Engine struct {
	store    CodeStore
	delivery Delivery
	policy   config.OTPPolicy
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(store CodeStore, delivery Delivery, policy config.OTPPolicy, opts ...Option) *Engine {
	if policy.Length <= 0 {
		policy.Length = 6
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.TTL <= 0 {
		policy.TTL = 10 * time.Minute
	}
	e := &Engine{
		store:    store,
		delivery: delivery,
		policy:   policy,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Issue replaces any unused code for (identityID, purpose) with a fresh one and
// sends it over channel. A delivery failure leaves the new code persisted.
func (e *Engine) Issue(ctx context.Context, identityID string, channel domain.Channel, address string, purpose domain.Purpose) error {
	prev, err := e.store.FindUnused(ctx, identityID, purpose)
	switch {
	case err == nil:
		if err := e.store.Delete(ctx, prev); err != nil {
			return fmt.Errorf("evict previous code: %w", err)
		}
	case !errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("find previous code: %w", err)
	}

	code, err := token.NumericCode(e.policy.Length)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	vc := &domain.VerificationCode{
		ID:          id.New(),
		IdentityID:  identityID,
		Code:        code,
		Purpose:     purpose,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.policy.TTL),
		MaxAttempts: e.policy.MaxAttempts,
	}
	if err := e.store.Save(ctx, vc); err != nil {
		return fmt.Errorf("save code: %w", err)
	}

	if err := e.deliver(ctx, channel, address, code); err != nil {
		e.logger.Warn("verification code delivery failed", "identity_id", identityID, "channel", channel, "err", err)
		if errors.Is(err, domain.ErrDelivery) {
			return err
		}
		return domain.Delivery(err, "could not send verification code, please try again")
	}
	e.logger.Info("verification code issued", "identity_id", identityID, "channel", channel, "purpose", purpose)
	return nil
}

func (e *Engine) deliver(ctx context.Context, channel domain.Channel, address, code string) error {
	switch channel {
	case domain.ChannelEmail:
		return e.delivery.SendEmailCode(ctx, address, code)
	case domain.ChannelPhone:
		return e.delivery.SendSMSCode(ctx, address, code)
	}
	return fmt.Errorf("no delivery for channel %q", channel)
}

// Validate checks submitted against the pending code for (identityID, purpose).
// Every call that reaches the comparison consumes one attempt; the attempt that
// reaches the limit without matching destroys the code.
func (e *Engine) Validate(ctx context.Context, identityID, submitted string, purpose domain.Purpose) (bool, error) {
	for i := 0; i < maxStaleRetries; i++ {
		ok, err := e.validateOnce(ctx, identityID, submitted, purpose)
		if errors.Is(err, domain.ErrStaleWrite) {
			continue
		}
		return ok, err
	}
	return false, fmt.Errorf("validate code for %s: %w", identityID, domain.ErrStaleWrite)
}

func (e *Engine) validateOnce(ctx context.Context, identityID, submitted string, purpose domain.Purpose) (bool, error) {
	c, err := e.store.FindUnused(ctx, identityID, purpose)
	if errors.Is(err, domain.ErrNotFound) {
		return false, domain.NotFound("no pending verification code, request a new one")
	}
	if err != nil {
		return false, fmt.Errorf("find code: %w", err)
	}

	now := e.now().UTC()
	if c.Expired(now) {
		e.discard(ctx, c, "expired")
		return false, nil
	}
	if c.Exhausted() {
		e.discard(ctx, c, "attempts exhausted")
		return false, domain.AttemptsExhausted("too many failed attempts, request a new code")
	}

	if err := e.store.IncrementAttempts(ctx, c); err != nil {
		if errors.Is(err, domain.ErrStaleWrite) {
			return false, err
		}
		return false, fmt.Errorf("record attempt: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(c.Code), []byte(submitted)) == 1 {
		if err := e.store.MarkUsed(ctx, c, now); err != nil {
			if errors.Is(err, domain.ErrStaleWrite) {
				return false, domain.NotFound("no pending verification code, request a new one")
			}
			return false, fmt.Errorf("mark code used: %w", err)
		}
		return true, nil
	}

	if c.Exhausted() {
		e.discard(ctx, c, "attempts exhausted")
		return false, domain.AttemptsExhausted("too many failed attempts, request a new code")
	}
	return false, nil
}

func (e *Engine) discard(ctx context.Context, c *domain.VerificationCode, reason string) {
	if err := e.store.Delete(ctx, c); err != nil {
		e.logger.Warn("failed to delete verification code", "code_id", c.ID, "identity_id", c.IdentityID, "reason", reason, "err", err)
	}
}

// DeleteForIdentity removes every code belonging to identityID.
func (e *Engine) DeleteForIdentity(ctx context.Context, identityID string) error {
	if err := e.store.DeleteByIdentityID(ctx, identityID); err != nil {
		return fmt.Errorf("delete codes for %s: %w", identityID, err)
	}
	return nil
}
