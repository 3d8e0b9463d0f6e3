package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gematik/zero-login/pkg/oidc"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "zero-login:attempt:"

// RedisStore shares attempts between several instances of the service.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// NewRedisStoreFromURL connects to the server at a redis:// URL and checks
// that it answers.
func NewRedisStoreFromURL(ctx context.Context, redisURL, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, keyPrefix), nil
}

func (s *RedisStore) key(state string) string {
	return s.keyPrefix + state
}

func (s *RedisStore) Save(ctx context.Context, attempt *oidc.AuthAttempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("unable to encode attempt: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(attempt.State), data, storeTTL(attempt)).Result()
	if err != nil {
		return fmt.Errorf("unable to store attempt: %w", err)
	}
	if !ok {
		return ErrDuplicateState
	}
	return nil
}

// Consume relies on GETDEL, so that only one caller receives the attempt.
func (s *RedisStore) Consume(ctx context.Context, state string) (*oidc.AuthAttempt, error) {
	data, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unable to consume attempt: %w", err)
	}
	var attempt oidc.AuthAttempt
	if err := json.Unmarshal(data, &attempt); err != nil {
		return nil, fmt.Errorf("unable to decode attempt: %w", err)
	}
	return &attempt, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
