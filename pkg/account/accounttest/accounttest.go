// Package accounttest checks implementations of account.Store against the
// behavior the binder relies on.
package accounttest

import (
	"context"
	"sync"
	"testing"

	"github.com/gematik/zero-login/pkg/account"
	"github.com/gematik/zero-login/pkg/claims"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreTests runs the conformance tests. newStore must return an
// empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) account.Store) {
	t.Run("links are unique", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		u1, err := store.CreateUser(ctx, claims.Attributes{"email": "a@b.com"})
		require.NoError(t, err)
		u2, err := store.CreateUser(ctx, nil)
		require.NoError(t, err)
		assert.NotEqual(t, u1, u2)

		_, err = store.FindLink(ctx, "google", "u1")
		require.ErrorIs(t, err, account.ErrLinkNotFound)

		require.NoError(t, store.CreateLink(ctx, account.UserLink{UserID: u1, ProviderID: "google", Subject: "u1"}))
		err = store.CreateLink(ctx, account.UserLink{UserID: u2, ProviderID: "google", Subject: "u1"})
		require.ErrorIs(t, err, account.ErrLinkExists)

		link, err := store.FindLink(ctx, "google", "u1")
		require.NoError(t, err)
		assert.Equal(t, u1, link.UserID)
		assert.Equal(t, "google", link.ProviderID)
		assert.Equal(t, "u1", link.Subject)

		require.NoError(t, store.CreateLink(ctx, account.UserLink{UserID: u2, ProviderID: "entra", Subject: "u1"}))
	})

	t.Run("update keeps other attributes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		id, err := store.CreateUser(ctx, claims.Attributes{"email": "a@b.com", "timezone": "UTC"})
		require.NoError(t, err)
		require.NoError(t, store.UpdateUser(ctx, id, claims.Attributes{"email": "new@b.com"}))

		user, err := store.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, claims.Attributes{"email": "new@b.com", "timezone": "UTC"}, user)

		_, err = store.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, account.ErrUserNotFound)
		err = store.UpdateUser(ctx, "missing", claims.Attributes{"email": "x"})
		assert.ErrorIs(t, err, account.ErrUserNotFound)
	})

	t.Run("nested attributes", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		attrs := claims.Attributes{"address": map[string]any{"locality": "Berlin"}, "groups": []any{"a", "b"}}
		id, err := store.CreateUser(ctx, attrs)
		require.NoError(t, err)
		user, err := store.GetUser(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, attrs, user)
	})

	t.Run("sessions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		id, err := store.CreateUser(ctx, nil)
		require.NoError(t, err)
		session, err := store.EstablishSession(ctx, id)
		require.NoError(t, err)
		assert.NotEmpty(t, session.ID)
		assert.True(t, session.ExpiresAt.After(session.CreatedAt))

		found, err := store.LookupSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, id, found.UserID)

		require.NoError(t, store.EndSession(ctx, session.ID))
		_, err = store.LookupSession(ctx, session.ID)
		assert.ErrorIs(t, err, account.ErrSessionNotFound)

		_, err = store.LookupSession(ctx, "never-issued")
		assert.ErrorIs(t, err, account.ErrSessionNotFound)
	})

	t.Run("concurrent first logins", func(t *testing.T) {
		store := newStore(t)
		binders := []*account.Binder{
			account.NewBinder(store, store, nil),
			account.NewBinder(store, store, nil),
			account.NewBinder(store, store, nil),
		}

		var mu sync.Mutex
		ids := map[string]bool{}
		var wg sync.WaitGroup
		for i := range 30 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r, err := binders[i%len(binders)].Bind(context.Background(), "google", "u1", claims.Attributes{"email": "a@b.com"})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[r.UserID] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, ids, 1, "all logins must end up at the same user")
	})
}
