package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// forced refreshes of one key set are at least this far apart
const minForcedRefreshInterval = 10 * time.Second

// KeySets caches the signing keys of all providers, keyed by jwks_uri.
type KeySets struct {
	cache      *jwk.Cache
	httpClient *http.Client

	mu         sync.Mutex
	lastForced map[string]time.Time
}

func NewKeySets(ctx context.Context, httpClient *http.Client) *KeySets {
	return &KeySets{
		cache:      jwk.NewCache(ctx),
		httpClient: httpClient,
		lastForced: make(map[string]time.Time),
	}
}

func (k *KeySets) register(jwksURI string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cache.IsRegistered(jwksURI) {
		return nil
	}
	return k.cache.Register(jwksURI,
		jwk.WithMinRefreshInterval(15*time.Minute),
		jwk.WithHTTPClient(k.httpClient),
	)
}

// Get returns the cached key set, fetching it on first use.
func (k *KeySets) Get(ctx context.Context, jwksURI string) (jwk.Set, error) {
	if err := k.register(jwksURI); err != nil {
		return nil, fmt.Errorf("unable to register key set %s: %w", jwksURI, err)
	}
	set, err := k.cache.Get(ctx, jwksURI)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to fetch key set %s: %w", ErrNetwork, jwksURI, err)
	}
	return set, nil
}

// Lookup finds the key with the given id. An unknown id triggers a single
// refresh of the key set, since the provider may have rotated its keys.
func (k *KeySets) Lookup(ctx context.Context, jwksURI, kid string) (jwk.Set, error) {
	set, err := k.Get(ctx, jwksURI)
	if err != nil {
		return nil, err
	}
	if kid == "" {
		return set, nil
	}
	if _, ok := set.LookupKeyID(kid); ok {
		return set, nil
	}

	k.mu.Lock()
	last := k.lastForced[jwksURI]
	allowed := time.Since(last) >= minForcedRefreshInterval
	if allowed {
		k.lastForced[jwksURI] = time.Now()
	}
	k.mu.Unlock()
	if !allowed {
		return set, nil
	}

	slog.Info("Unknown signing key, refreshing key set", "jwks_uri", jwksURI, "kid", kid)
	refreshed, err := k.cache.Refresh(ctx, jwksURI)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to refresh key set %s: %w", ErrNetwork, jwksURI, err)
	}
	return refreshed, nil
}
