// Package sqlstore keeps users, links and sessions in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"github.com/gematik/zero-login/pkg/account"
	"github.com/gematik/zero-login/pkg/account/sqlstore/migrations"
	"github.com/gematik/zero-login/pkg/claims"
	"github.com/gematik/zero-login/pkg/nonce"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/segmentio/ksuid"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

type Store struct {
	db         *sql.DB
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

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens the database at path and applies pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a single writer avoids SQLITE_BUSY between our own connections
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:         db,
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
func Migrate(ctx context.Context, db *sql.DB) ([]*goose.MigrationResult, error) {
	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrations.FS)
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
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) FindLink(ctx context.Context, providerID, subject string) (*account.UserLink, error) {
	var (
		link      = account.UserLink{ProviderID: providerID, Subject: subject}
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, created_at FROM user_links WHERE provider_id = ? AND subject = ?`,
		providerID, subject,
	).Scan(&link.UserID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user link: %w", err)
	}
	link.CreatedAt = fromMillis(createdAt)
	return &link, nil
}

func (s *Store) CreateLink(ctx context.Context, link account.UserLink) error {
	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_links (provider_id, subject, user_id, created_at) VALUES (?, ?, ?, ?)`,
		link.ProviderID, link.Subject, link.UserID, toMillis(createdAt),
	)
	switch constraintCode(err) {
	case 0:
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return account.ErrLinkExists
	case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %s", account.ErrUserNotFound, link.UserID)
	default:
		return fmt.Errorf("insert user link: %w", err)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, attrs claims.Attributes) (string, error) {
	data, err := marshalAttributes(attrs)
	if err != nil {
		return "", err
	}
	id := ksuid.New().String()
	now := toMillis(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, attributes, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, data, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (claims.Attributes, error) {
	return getUser(ctx, s.db, userID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getUser(ctx context.Context, q queryer, userID string) (claims.Attributes, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT attributes FROM users WHERE id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", account.ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	attrs := claims.Attributes{}
	if err := json.Unmarshal([]byte(data), &attrs); err != nil {
		return nil, fmt.Errorf("unmarshaling attributes: %w", err)
	}
	return attrs, nil
}

// UpdateUser sets the given attributes and keeps all others.
func (s *Store) UpdateUser(ctx context.Context, userID string, attrs claims.Attributes) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	current, err := getUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	maps.Copy(current, attrs)
	data, err := marshalAttributes(current)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET attributes = ?, updated_at = ? WHERE id = ?`,
		data, toMillis(s.now()), userID,
	); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return tx.Commit()
}

// DeleteUser removes a user together with its links and sessions.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID); err != nil {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		account.HashSessionToken(token), userID, toMillis(session.CreatedAt), toMillis(session.ExpiresAt),
	)
	if constraintCode(err) == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return nil, fmt.Errorf("%w: %s", account.ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (s *Store) LookupSession(ctx context.Context, sessionID string) (*account.Session, error) {
	var (
		session              = account.Session{ID: sessionID}
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, created_at, expires_at FROM sessions WHERE id = ? AND expires_at > ?`,
		account.HashSessionToken(sessionID), toMillis(s.now()),
	).Scan(&session.UserID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	return &session, nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, account.HashSessionToken(sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions deletes sessions past their expiry and returns how
// many were removed.
func (s *Store) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
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

// constraintCode returns the extended result code of a constraint
// violation, 0 for nil and -1 for any other error.
func constraintCode(err error) int {
	if err == nil {
		return 0
	}
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch code := sqliteErr.Code(); code {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY,
			sqlite3lib.SQLITE_CONSTRAINT_UNIQUE,
			sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
			return code
		}
	}
	return -1
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

var _ account.Store = (*Store)(nil)
var _ account.UserDeleter = (*Store)(nil)
