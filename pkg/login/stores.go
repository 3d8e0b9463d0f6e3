package login

import (
	"context"
	"fmt"
	"time"

	"github.com/gematik/zero-login/pkg/account"
	"github.com/gematik/zero-login/pkg/account/pgstore"
	"github.com/gematik/zero-login/pkg/account/sqlstore"
	"github.com/gematik/zero-login/pkg/flow"
)

// OpenAccountStore opens the configured user store. Persistent stores are
// migrated to the current schema on open.
func OpenAccountStore(ctx context.Context, cfg StoreConfig) (account.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return account.NewMemoryStore(cfg.SessionTTL), nil
	case "sqlite":
		store, err := sqlstore.Open(ctx, cfg.DSN, sqlstore.WithSessionTTL(cfg.SessionTTL))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := pgstore.Open(ctx, cfg.DSN, pgstore.WithSessionTTL(cfg.SessionTTL))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenAttemptStore opens the store that keeps login attempts between
// redirect and callback. Several instances behind a load balancer need the
// redis store.
func OpenAttemptStore(ctx context.Context, cfg AttemptsConfig) (flow.AttemptStore, error) {
	switch cfg.Store {
	case "", "memory":
		return flow.NewMemoryStore(time.Minute), nil
	case "redis":
		store, err := flow.NewRedisStoreFromURL(ctx, cfg.RedisURL, "")
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown attempt store %q", cfg.Store)
	}
}
