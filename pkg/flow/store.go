package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gematik/zero-login/pkg/oidc"
	"github.com/patrickmn/go-cache"
)

var (
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrDuplicateState  = errors.New("attempt with this state exists")
)

// AttemptStore keeps attempts between the redirect and the callback.
// Consume must hand out an attempt at most once, even to concurrent callers.
type AttemptStore interface {
	Save(ctx context.Context, attempt *oidc.AuthAttempt) error
	Consume(ctx context.Context, state string) (*oidc.AuthAttempt, error)
}

// attempts are kept this long past their expiry, so that a late callback
// is reported as expired instead of unknown
const expiryGrace = time.Minute

func storeTTL(a *oidc.AuthAttempt) time.Duration {
	ttl := a.ExpiresAt.Sub(a.CreatedAt)
	if ttl < 0 {
		ttl = 0
	}
	return ttl + expiryGrace
}

type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

func (s *MemoryStore) Save(_ context.Context, attempt *oidc.AuthAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *attempt
	if err := s.cache.Add(attempt.State, &stored, storeTTL(attempt)); err != nil {
		return ErrDuplicateState
	}
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, state string) (*oidc.AuthAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, found := s.cache.Get(state)
	if !found {
		return nil, ErrAttemptNotFound
	}
	s.cache.Delete(state)
	attempt := *value.(*oidc.AuthAttempt)
	return &attempt, nil
}

// Len returns the number of stored attempts, including expired ones not
// yet cleaned up.
func (s *MemoryStore) Len() int {
	return s.cache.ItemCount()
}
