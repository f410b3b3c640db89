package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-identity-api/internal/domain"
)

type CodeStore struct {
	mu    sync.Mutex
	items map[string]domain.VerificationCode
}

func NewCodeStore() *CodeStore {
	return &CodeStore{items: make(map[string]domain.VerificationCode)}
}

func (s *CodeStore) Save(_ context.Context, c *domain.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[c.ID] = *c
	return nil
}

func (s *CodeStore) FindUnused(_ context.Context, identityID string, purpose domain.Purpose) (*domain.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.VerificationCode
	for _, c := range s.items {
		if c.IdentityID != identityID || c.Purpose != purpose || c.Used {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = &c
		}
	}
	if found == nil {
		return nil, fmt.Errorf("code for %s: %w", identityID, domain.ErrNotFound)
	}
	return found, nil
}

func (s *CodeStore) FindByIdentityID(_ context.Context, identityID string) ([]domain.VerificationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.VerificationCode
	for _, c := range s.items {
		if c.IdentityID == identityID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *CodeStore) IncrementAttempts(_ context.Context, c *domain.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[c.ID]
	if !ok || cur.Used || cur.AttemptCount != c.AttemptCount {
		return domain.ErrStaleWrite
	}
	cur.AttemptCount++
	s.items[c.ID] = cur
	c.AttemptCount = cur.AttemptCount
	return nil
}

func (s *CodeStore) MarkUsed(_ context.Context, c *domain.VerificationCode, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[c.ID]
	if !ok || cur.Used {
		return domain.ErrStaleWrite
	}
	cur.Used = true
	cur.UsedAt = &at
	s.items[c.ID] = cur
	c.Used, c.UsedAt = true, &at
	return nil
}

func (s *CodeStore) Delete(_ context.Context, c *domain.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, c.ID)
	return nil
}

func (s *CodeStore) DeleteByIdentityID(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.items {
		if c.IdentityID == identityID {
			delete(s.items, k)
		}
	}
	return nil
}

func (s *CodeStore) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.items {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}
