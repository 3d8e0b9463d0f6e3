package account_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gematik/zero-login/pkg/account"
	"github.com/gematik/zero-login/pkg/account/accounttest"
	"github.com/gematik/zero-login/pkg/claims"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func policy(p account.RefreshPolicy) func() account.RefreshPolicy {
	return func() account.RefreshPolicy { return p }
}

func TestBindCreatesUserOnFirstLogin(t *testing.T) {
	store := account.NewMemoryStore(0)
	binder := account.NewBinder(store, store, nil)

	result, err := binder.Bind(context.Background(), "google", "u1", claims.Attributes{"email": "a@b.com"})
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.NotEmpty(t, result.UserID)

	link, err := store.FindLink(context.Background(), "google", "u1")
	require.NoError(t, err)
	assert.Equal(t, result.UserID, link.UserID)

	user, ok := store.User(result.UserID)
	require.True(t, ok)
	assert.Equal(t, claims.Attributes{"email": "a@b.com"}, user)

	again, err := binder.Bind(context.Background(), "google", "u1", nil)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, result.UserID, again.UserID)
	assert.Equal(t, 1, store.UserCount())
}

func TestBindSameSubjectAtDifferentProviders(t *testing.T) {
	store := account.NewMemoryStore(0)
	binder := account.NewBinder(store, store, nil)

	a, err := binder.Bind(context.Background(), "google", "u1", nil)
	require.NoError(t, err)
	b, err := binder.Bind(context.Background(), "entra", "u1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.UserID, b.UserID)
}

func TestBindRefreshPolicy(t *testing.T) {
	tests := []struct {
		policy account.RefreshPolicy
		attrs  claims.Attributes
		want   claims.Attributes
	}{
		{account.RefreshOnCreation, claims.Attributes{"email": "new@b.com"}, claims.Attributes{"email": "a@b.com", "timezone": "UTC"}},
		{account.RefreshAlways, claims.Attributes{"email": "new@b.com"}, claims.Attributes{"email": "new@b.com", "timezone": "UTC"}},
		{account.RefreshAlways, claims.Attributes{}, claims.Attributes{"email": "a@b.com", "timezone": "UTC"}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			store := account.NewMemoryStore(0)
			binder := account.NewBinder(store, store, policy(tt.policy))

			first, err := binder.Bind(context.Background(), "google", "u1", claims.Attributes{"email": "a@b.com", "timezone": "UTC"})
			require.NoError(t, err)
			_, err = binder.Bind(context.Background(), "google", "u1", tt.attrs)
			require.NoError(t, err)

			user, _ := store.User(first.UserID)
			assert.Equal(t, tt.want, user)
		})
	}
}

func TestBindConcurrentFirstLogins(t *testing.T) {
	store := account.NewMemoryStore(0)
	binder := account.NewBinder(store, store, nil)

	const n = 50
	results := make([]account.BindResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := binder.Bind(context.Background(), "google", "u1", claims.Attributes{"email": "a@b.com"})
			assert.NoError(t, err)
			results[i] = r
		}()
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		assert.Equal(t, results[0].UserID, r.UserID)
		if r.Created {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, store.UserCount())
	assert.Equal(t, 1, store.LinkCount())
}

// racingLinks lets the first two lookups both miss, as two processes
// would when they look up the identity at the same time.
type racingLinks struct {
	account.LinkStore
	calls   atomic.Int32
	arrived sync.WaitGroup
}

func newRacingLinks(store account.LinkStore) *racingLinks {
	r := &racingLinks{LinkStore: store}
	r.arrived.Add(2)
	return r
}

func (r *racingLinks) FindLink(ctx context.Context, providerID, subject string) (*account.UserLink, error) {
	link, err := r.LinkStore.FindLink(ctx, providerID, subject)
	if r.calls.Add(1) <= 2 {
		r.arrived.Done()
		r.arrived.Wait()
	}
	return link, err
}

// usersOnly hides DeleteUser of the wrapped store.
type usersOnly struct {
	account.UserStore
}

func TestBindRaceAcrossProcesses(t *testing.T) {
	for _, tt := range []struct {
		name      string
		canDelete bool
		users     int
	}{
		{"orphan deleted", true, 1},
		{"orphan kept", false, 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			store := account.NewMemoryStore(0)
			links := newRacingLinks(store)
			var users account.UserStore = store
			if !tt.canDelete {
				users = usersOnly{store}
			}
			// separate binders do not share their singleflight group
			binders := []*account.Binder{
				account.NewBinder(links, users, nil),
				account.NewBinder(links, users, nil),
			}

			results := make([]account.BindResult, 2)
			var wg sync.WaitGroup
			for i, b := range binders {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r, err := b.Bind(context.Background(), "google", "u1", nil)
					assert.NoError(t, err)
					results[i] = r
				}()
			}
			wg.Wait()

			assert.Equal(t, results[0].UserID, results[1].UserID)
			assert.True(t, results[0].Created != results[1].Created, "exactly one login creates the user")
			assert.Equal(t, 1, store.LinkCount())
			assert.Equal(t, tt.users, store.UserCount())
		})
	}
}

type failingLinks struct {
	account.LinkStore
}

func (failingLinks) FindLink(context.Context, string, string) (*account.UserLink, error) {
	return nil, errors.New("connection reset")
}

func TestBindStoreFailure(t *testing.T) {
	store := account.NewMemoryStore(0)
	binder := account.NewBinder(failingLinks{store}, store, nil)

	_, err := binder.Bind(context.Background(), "google", "u1", nil)
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 0, store.UserCount())

	_, err = binder.Bind(context.Background(), "", "u1", nil)
	assert.Error(t, err)
}

func TestSessions(t *testing.T) {
	store := account.NewMemoryStore(0)
	ctx := context.Background()
	userID, err := store.CreateUser(ctx, nil)
	require.NoError(t, err)

	session, err := store.EstablishSession(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, session.ID, 43)
	assert.Equal(t, userID, session.UserID)
	assert.Equal(t, account.DefaultSessionTTL, session.ExpiresAt.Sub(session.CreatedAt))

	found, err := store.LookupSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session, found)

	require.NoError(t, store.EndSession(ctx, session.ID))
	_, err = store.LookupSession(ctx, session.ID)
	assert.ErrorIs(t, err, account.ErrSessionNotFound)

	_, err = store.EstablishSession(ctx, "unknown")
	assert.ErrorIs(t, err, account.ErrUserNotFound)
}

func TestMemoryStorePurgesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	store := account.NewMemoryStore(time.Millisecond)
	userID, err := store.CreateUser(ctx, nil)
	require.NoError(t, err)
	for range 100 {
		_, err := store.EstablishSession(ctx, userID)
		require.NoError(t, err)
	}
	time.Sleep(5 * time.Millisecond)

	purged, err := store.PurgeExpiredSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 100, purged)
	assert.Equal(t, 0, store.SessionCount())

	live := account.NewMemoryStore(time.Hour)
	userID, err = live.CreateUser(ctx, nil)
	require.NoError(t, err)
	_, err = live.EstablishSession(ctx, userID)
	require.NoError(t, err)
	purged, err = live.PurgeExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
	assert.Equal(t, 1, live.SessionCount())
}

// blockingLinks holds every lookup until released or cancelled.
type blockingLinks struct {
	account.LinkStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingLinks(store account.LinkStore) *blockingLinks {
	return &blockingLinks{
		LinkStore: store,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (l *blockingLinks) FindLink(ctx context.Context, providerID, subject string) (*account.UserLink, error) {
	l.once.Do(func() { close(l.entered) })
	select {
	case <-l.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.LinkStore.FindLink(ctx, providerID, subject)
}

func TestBindCancelledLoginDoesNotFailOthers(t *testing.T) {
	store := account.NewMemoryStore(0)
	links := newBlockingLinks(store)
	binder := account.NewBinder(links, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := binder.Bind(ctx, "google", "u1", nil)
		first <- err
	}()
	<-links.entered
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	second := make(chan account.BindResult, 1)
	go func() {
		r, err := binder.Bind(context.Background(), "google", "u1", nil)
		assert.NoError(t, err)
		second <- r
	}()
	time.Sleep(20 * time.Millisecond)
	close(links.release)

	r := <-second
	assert.NotEmpty(t, r.UserID)
	assert.Equal(t, 1, store.UserCount())
	assert.Equal(t, 1, store.LinkCount())
}

func TestBindJoinedLoginRefreshesAttributes(t *testing.T) {
	store := account.NewMemoryStore(0)
	links := newBlockingLinks(store)
	binder := account.NewBinder(links, store, policy(account.RefreshAlways))

	first := make(chan account.BindResult, 1)
	go func() {
		r, err := binder.Bind(context.Background(), "google", "u1", claims.Attributes{"email": "first@b.com"})
		assert.NoError(t, err)
		first <- r
	}()
	<-links.entered

	second := make(chan account.BindResult, 1)
	go func() {
		r, err := binder.Bind(context.Background(), "google", "u1", claims.Attributes{"email": "second@b.com"})
		assert.NoError(t, err)
		second <- r
	}()
	time.Sleep(20 * time.Millisecond)
	close(links.release)

	a, b := <-first, <-second
	assert.Equal(t, a.UserID, b.UserID)
	assert.True(t, a.Created)
	assert.False(t, b.Created)

	user, ok := store.User(a.UserID)
	require.True(t, ok)
	assert.Equal(t, claims.Attributes{"email": "second@b.com"}, user)
}

func TestMemoryStore(t *testing.T) {
	accounttest.RunStoreTests(t, func(t *testing.T) account.Store {
		return account.NewMemoryStore(0)
	})
}
