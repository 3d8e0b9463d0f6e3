package account

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/gematik/zero-login/pkg/claims"
	"github.com/gematik/zero-login/pkg/nonce"
	"github.com/segmentio/ksuid"
)

type linkKey struct {
	providerID string
	subject    string
}

// MemoryStore keeps users, links and sessions in memory. Used for tests
// and single instance deployments without persistence.
type MemoryStore struct {
	mu         sync.Mutex
	users      map[string]claims.Attributes
	links      map[linkKey]UserLink
	sessions   map[string]Session
	sessionTTL time.Duration
	tokens     nonce.Source
	now        func() time.Time
}

func NewMemoryStore(sessionTTL time.Duration) *MemoryStore {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &MemoryStore{
		users:      make(map[string]claims.Attributes),
		links:      make(map[linkKey]UserLink),
		sessions:   make(map[string]Session),
		sessionTTL: sessionTTL,
		tokens:     nonce.NewRandomSource(),
		now:        time.Now,
	}
}

func (s *MemoryStore) FindLink(_ context.Context, providerID, subject string) (*UserLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[linkKey{providerID, subject}]
	if !ok {
		return nil, ErrLinkNotFound
	}
	return &link, nil
}

func (s *MemoryStore) CreateLink(_ context.Context, link UserLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey{link.ProviderID, link.Subject}
	if _, exists := s.links[key]; exists {
		return ErrLinkExists
	}
	if _, ok := s.users[link.UserID]; !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, link.UserID)
	}
	s.links[key] = link
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, attrs claims.Attributes) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ksuid.New().String()
	s.users[id] = maps.Clone(attrs)
	if s.users[id] == nil {
		s.users[id] = claims.Attributes{}
	}
	return id, nil
}

// UpdateUser sets the given attributes and keeps all others.
func (s *MemoryStore) UpdateUser(_ context.Context, userID string, attrs claims.Attributes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	maps.Copy(user, attrs)
	return nil
}

func (s *MemoryStore) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	for id, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, userID string) (claims.Attributes, error) {
	user, ok := s.User(userID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return user, nil
}

// User returns a copy of the attributes of a user.
func (s *MemoryStore) User(userID string) (claims.Attributes, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	return maps.Clone(user), ok
}

func (s *MemoryStore) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *MemoryStore) LinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

func (s *MemoryStore) EstablishSession(_ context.Context, userID string) (*Session, error) {
	id, err := s.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("unable to generate session id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	now := s.now()
	session := Session{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	s.sessions[id] = session
	return &session, nil
}

func (s *MemoryStore) LookupSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if session.Expired(s.now()) {
		delete(s.sessions, sessionID)
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (s *MemoryStore) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// PurgeExpiredSessions deletes sessions past their expiry and returns how
// many were removed.
func (s *MemoryStore) PurgeExpiredSessions(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var purged int64
	for id, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *MemoryStore) Close() error {
	return nil
}
