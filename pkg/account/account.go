// Package account links external identities to local users and
// establishes their sessions.
package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gematik/zero-login/pkg/claims"
)

var (
	ErrLinkExists      = errors.New("user link exists")
	ErrLinkNotFound    = errors.New("user link not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
)

const DefaultSessionTTL = 8 * time.Hour

// UserLink ties the subject of a provider to exactly one local user.
type UserLink struct {
	UserID     string    `json:"user_id"`
	ProviderID string    `json:"provider_id"`
	Subject    string    `json:"subject"`
	CreatedAt  time.Time `json:"created_at"`
}

type Session struct {
	ID        string    `json:"-"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HashSessionToken returns the form under which persistent stores keep a
// session token.
func HashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// LinkStore keeps user links. CreateLink must fail with ErrLinkExists if
// the (provider, subject) pair is already linked.
type LinkStore interface {
	FindLink(ctx context.Context, providerID, subject string) (*UserLink, error)
	CreateLink(ctx context.Context, link UserLink) error
}

type UserStore interface {
	CreateUser(ctx context.Context, attrs claims.Attributes) (string, error)
	UpdateUser(ctx context.Context, userID string, attrs claims.Attributes) error
	EstablishSession(ctx context.Context, userID string) (*Session, error)
}

// UserDeleter is implemented by user stores that can remove a user again.
// The binder uses it to clean up after losing a race for a link.
type UserDeleter interface {
	DeleteUser(ctx context.Context, userID string) error
}

type UserReader interface {
	GetUser(ctx context.Context, userID string) (claims.Attributes, error)
}

type SessionStore interface {
	LookupSession(ctx context.Context, sessionID string) (*Session, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Store is everything a login needs from persistence.
type Store interface {
	LinkStore
	UserStore
	UserReader
	SessionStore
	Close() error
}
