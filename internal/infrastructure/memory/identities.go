// Package memory holds process-local stores used for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-identity-api/internal/domain"
)

type IdentityStore struct {
	mu    sync.RWMutex
	items map[string]domain.Identity
}

func NewIdentityStore() *IdentityStore {
	return &IdentityStore{items: make(map[string]domain.Identity)}
}

func (s *IdentityStore) Save(_ context.Context, i *domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[i.ID] = *i
	return nil
}

// Activate copies the activation fields of i onto the stored record if it is
// still PENDING. A missing or already ACTIVE record yields domain.ErrStaleWrite.
func (s *IdentityStore) Activate(_ context.Context, i *domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[i.ID]
	if !ok || cur.Status != domain.StatusPending {
		return domain.ErrStaleWrite
	}
	cur.Status = i.Status
	cur.UpdatedAt = i.UpdatedAt
	if i.RegistrationChannel == domain.ChannelPhone {
		cur.PhoneVerified, cur.PhoneVerifiedAt = i.PhoneVerified, i.PhoneVerifiedAt
	} else {
		cur.EmailVerified, cur.EmailVerifiedAt = i.EmailVerified, i.EmailVerifiedAt
	}
	s.items[i.ID] = cur
	return nil
}

func (s *IdentityStore) FindByID(_ context.Context, identityID string) (*domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.items[identityID]
	if !ok {
		return nil, fmt.Errorf("identity %s: %w", identityID, domain.ErrNotFound)
	}
	return &i, nil
}

func (s *IdentityStore) FindByUsername(_ context.Context, username string) (*domain.Identity, error) {
	return s.findBy(func(i *domain.Identity) bool { return i.Username == username })
}

func (s *IdentityStore) FindByEmail(_ context.Context, email string) (*domain.Identity, error) {
	return s.findBy(func(i *domain.Identity) bool { return email != "" && i.Email == email })
}

func (s *IdentityStore) FindByPhone(_ context.Context, phone string) (*domain.Identity, error) {
	return s.findBy(func(i *domain.Identity) bool { return phone != "" && i.Phone == phone })
}

// findBy returns the first match, ACTIVE identities ahead of PENDING ones.
func (s *IdentityStore) findBy(match func(*domain.Identity) bool) (*domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Identity
	for _, i := range s.items {
		if !match(&i) {
			continue
		}
		if found == nil || (i.IsActive() && !found.IsActive()) ||
			(i.IsActive() == found.IsActive() && i.CreatedAt.Before(found.CreatedAt)) {
			found = &i
		}
	}
	if found == nil {
		return nil, fmt.Errorf("identity: %w", domain.ErrNotFound)
	}
	return found, nil
}

func (s *IdentityStore) DeleteByID(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, identityID)
	return nil
}

// FindPendingOlderThan returns PENDING identities created strictly before cutoff, oldest first.
func (s *IdentityStore) FindPendingOlderThan(_ context.Context, cutoff time.Time) ([]domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Identity
	for _, i := range s.items {
		if i.Status == domain.StatusPending && i.CreatedAt.Before(cutoff) {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *IdentityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
