// Package pgstore keeps users, links and sessions in PostgreSQL so several
// instances can share them.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gematik/zero-login/pkg/account"
	"github.com/gematik/zero-login/pkg/account/pgstore/migrations"
	"github.com/gematik/zero-login/pkg/claims"
	"github.com/gematik/zero-login/pkg/nonce"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/segmentio/ksuid"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

type Store struct {
	pool       *pgxpool.Pool
	sessionTTL time.Duration
	tokens     nonce.Source
	now        func() time.Time
}

type Option func(*Store)

func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgxpool config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxpool ping: %w", err)
	}
	if _, err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{
		pool:       pool,
		sessionTTL: account.DefaultSessionTTL,
		tokens:     nonce.NewRandomSource(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate applies all pending migrations and returns the applied ones.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]*goose.MigrationResult, error) {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(database.DialectPostgres, db, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("failed to create goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return results, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) FindLink(ctx context.Context, providerID, subject string) (*account.UserLink, error) {
	link := account.UserLink{ProviderID: providerID, Subject: subject}
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, created_at FROM user_links WHERE provider_id = $1 AND subject = $2`,
		providerID, subject,
	).Scan(&link.UserID, &link.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, account.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user link: %w", err)
	}
	return &link, nil
}

func (s *Store) CreateLink(ctx context.Context, link account.UserLink) error {
	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_links (provider_id, subject, user_id, created_at) VALUES ($1, $2, $3, $4)`,
		link.ProviderID, link.Subject, link.UserID, createdAt,
	)
	switch pgErrorCode(err) {
	case "":
		return nil
	case uniqueViolation:
		return account.ErrLinkExists
	case foreignKeyViolation:
		return fmt.Errorf("%w: %s", account.ErrUserNotFound, link.UserID)
	default:
		return fmt.Errorf("insert user link: %w", err)
	}
}

func (s *Store) CreateUser(ctx context.Context, attrs claims.Attributes) (string, error) {
	data, err := marshalAttributes(attrs)
	if err != nil {
		return "", err
	}
	id := ksuid.New().String()
	now := s.now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, attributes, created_at, updated_at) VALUES ($1, $2::jsonb, $3, $3)`,
		id, data, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (claims.Attributes, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT attributes::text FROM users WHERE id = $1`, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", account.ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	attrs := claims.Attributes{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("unmarshaling attributes: %w", err)
	}
	return attrs, nil
}

// UpdateUser sets the given attributes and keeps all others.
func (s *Store) UpdateUser(ctx context.Context, userID string, attrs claims.Attributes) error {
	data, err := marshalAttributes(attrs)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET attributes = attributes || $2::jsonb, updated_at = $3 WHERE id = $1`,
		userID, data, s.now(),
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", account.ErrUserNotFound, userID)
	}
	return nil
}

// DeleteUser removes a user together with its links and sessions.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *Store) EstablishSession(ctx context.Context, userID string) (*account.Session, error) {
	token, err := s.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("unable to generate session id: %w", err)
	}
	now := s.now()
	session := &account.Session{
		ID:        token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		account.HashSessionToken(token), userID, session.CreatedAt, session.ExpiresAt,
	)
	if pgErrorCode(err) == foreignKeyViolation {
		return nil, fmt.Errorf("%w: %s", account.ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (s *Store) LookupSession(ctx context.Context, sessionID string) (*account.Session, error) {
	session := account.Session{ID: sessionID}
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, created_at, expires_at FROM sessions WHERE id = $1 AND expires_at > $2`,
		account.HashSessionToken(sessionID), s.now(),
	).Scan(&session.UserID, &session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, account.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return &session, nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, account.HashSessionToken(sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalAttributes(attrs claims.Attributes) (string, error) {
	if attrs == nil {
		attrs = claims.Attributes{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("marshaling attributes: %w", err)
	}
	return string(data), nil
}

func pgErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return "unknown"
}

var _ account.Store = (*Store)(nil)
var _ account.UserDeleter = (*Store)(nil)
