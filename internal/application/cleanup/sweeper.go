// Package cleanup periodically removes pending identities nobody verified and
// purges expired verification codes.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-identity-api/internal/config"
	"github.com/go-identity-api/internal/domain"
)

type identityStore interface {
	FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Identity, error)
	DeleteByID(ctx context.Context, identityID string) error
}

type codeStore interface {
	DeleteByIdentityID(ctx context.Context, identityID string) error
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned      int
	Removed      int
	Failed       int
	CodesExpired int
}

type Sweeper struct {
	identities identityStore
	codes      codeStore
	policy     config.SweepPolicy
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

func NewSweeper(identities identityStore, codes codeStore, policy config.SweepPolicy, opts ...Option) *Sweeper {
	s := &Sweeper{
		identities: identities,
		codes:      codes,
		policy:     policy,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run sweeps every policy.Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()
	s.logger.Info("cleanup sweeper started", "interval", s.policy.Interval, "stale_after", s.policy.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep deletes every PENDING identity older than policy.StaleAfter, codes
// first. A failure on one identity is logged and does not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var r Report
	now := s.now().UTC()

	stale, err := s.identities.FindPendingOlderThan(ctx, now.Add(-s.policy.StaleAfter))
	if err != nil {
		s.logger.Error("cleanup: list stale identities", "err", err)
	}
	r.Scanned = len(stale)
	for _, ident := range stale {
		if ctx.Err() != nil {
			break
		}
		if err := s.codes.DeleteByIdentityID(ctx, ident.ID); err != nil {
			s.logger.Warn("cleanup: delete codes", "identity_id", ident.ID, "err", err)
			r.Failed++
			continue
		}
		if err := s.identities.DeleteByID(ctx, ident.ID); err != nil {
			s.logger.Warn("cleanup: delete identity", "identity_id", ident.ID, "err", err)
			r.Failed++
			continue
		}
		r.Removed++
	}

	n, err := s.codes.DeleteExpiredBefore(ctx, now)
	if err != nil {
		s.logger.Warn("cleanup: purge expired codes", "err", err)
	}
	r.CodesExpired = n

	if r.Scanned > 0 || r.CodesExpired > 0 {
		s.logger.Info("cleanup sweep finished",
			"scanned", r.Scanned, "removed", r.Removed, "failed", r.Failed, "codes_expired", r.CodesExpired)
	}
	return r
}
