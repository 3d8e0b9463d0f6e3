package flow_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gematik/zero-login/pkg/flow"
	"github.com/gematik/zero-login/pkg/oauth2"
	"github.com/gematik/zero-login/pkg/oidc"
	"github.com/gematik/zero-login/pkg/oidc/oidctest"
	"github.com/gematik/zero-login/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	op         *oidctest.Provider
	store      *flow.MemoryStore
	clock      *clock
	controller *flow.Controller
}

func newFixture(t *testing.T, opts ...flow.Option) *fixture {
	t.Helper()
	op := oidctest.NewProvider(t)

	google := op.Config("google")
	disabled := op.Config("disabled")
	disabled.Enabled = false
	noSecret := op.Config("nosecret")
	noSecret.ClientSecret = provider.SecretString{}
	public := op.Config("public")
	public.ClientSecret = provider.SecretString{}
	public.PublicClient = true
	public.DisablePKCE = true
	plain := op.Config("plain")
	plain.DisablePKCE = true

	registry, err := provider.NewRegistry(google, disabled, noSecret, public, plain)
	require.NoError(t, err)

	client, err := oidc.NewClient(context.Background(), oidc.WithHTTPClient(op.Server.Client()))
	require.NoError(t, err)

	f := &fixture{
		op:    op,
		store: flow.NewMemoryStore(time.Minute),
		clock: &clock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)},
	}
	opts = append([]flow.Option{
		flow.WithClock(f.clock.Now),
		flow.WithCallbackURL("https://rp.example/callback/"),
	}, opts...)
	f.controller, err = flow.NewController(registry, client, f.store, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) begin(t *testing.T, providerID string) (*url.URL, *oidc.AuthAttempt) {
	t.Helper()
	authURL, attempt, err := f.controller.BeginLogin(context.Background(), providerID, "/dashboard")
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u, attempt
}

func TestBeginLogin(t *testing.T) {
	f := newFixture(t)
	u, attempt := f.begin(t, "google")

	q := u.Query()
	assert.Equal(t, attempt.State, q.Get("state"))
	assert.Equal(t, attempt.Nonce, q.Get("nonce"))
	assert.Equal(t, "https://rp.example/callback/google", q.Get("redirect_uri"))
	assert.Equal(t, oidctest.ClientID, q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(attempt.PKCEVerifier), q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	assert.NotEqual(t, attempt.State, attempt.Nonce)
	assert.Len(t, attempt.State, 43)
	assert.Equal(t, "google", attempt.ProviderID)
	assert.Equal(t, "/dashboard", attempt.Destination)
	assert.Equal(t, f.clock.Now().Add(flow.DefaultAttemptTTL), attempt.ExpiresAt)
	assert.Equal(t, 1, f.store.Len())
}

func TestBeginLoginWithoutPKCE(t *testing.T) {
	f := newFixture(t)
	u, attempt := f.begin(t, "plain")
	assert.Empty(t, attempt.PKCEVerifier)
	assert.Empty(t, u.Query().Get("code_challenge"))
}

func TestBeginLoginPublicClientAlwaysUsesPKCE(t *testing.T) {
	f := newFixture(t)
	_, attempt := f.begin(t, "public")
	assert.NotEmpty(t, attempt.PKCEVerifier)
}

func TestBeginLoginConfigurationErrors(t *testing.T) {
	f := newFixture(t)
	for _, tt := range []struct {
		provider string
		err      error
	}{
		{"unknown", oidc.ErrNotFound},
		{"disabled", oidc.ErrMisconfigured},
		{"nosecret", oidc.ErrMisconfigured},
	} {
		t.Run(tt.provider, func(t *testing.T) {
			authURL, attempt, err := f.controller.BeginLogin(context.Background(), tt.provider, "/")
			assert.ErrorIs(t, err, tt.err)
			assert.Empty(t, authURL)
			assert.Nil(t, attempt)
		})
	}
	assert.Equal(t, 0, f.store.Len(), "nothing must be stored for a refused login")
}

func TestBeginLoginWithoutRedirectURI(t *testing.T) {
	op := oidctest.NewProvider(t)
	registry, err := provider.NewRegistry(op.Config("google"))
	require.NoError(t, err)
	client, err := oidc.NewClient(context.Background())
	require.NoError(t, err)
	controller, err := flow.NewController(registry, client, flow.NewMemoryStore(time.Minute))
	require.NoError(t, err)

	_, _, err = controller.BeginLogin(context.Background(), "google", "/")
	assert.ErrorIs(t, err, oidc.ErrMisconfigured)
}

func TestHandleCallback(t *testing.T) {
	f := newFixture(t)
	_, attempt := f.begin(t, "google")

	got, err := f.controller.HandleCallback(context.Background(), "google", flow.CallbackParams{
		State: attempt.State,
		Code:  "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, attempt, got)
	assert.Equal(t, 0, f.store.Len())
}

func TestHandleCallbackStateIsSingleUse(t *testing.T) {
	f := newFixture(t)
	_, attempt := f.begin(t, "google")
	params := flow.CallbackParams{State: attempt.State, Code: "abc123"}

	_, err := f.controller.HandleCallback(context.Background(), "google", params)
	require.NoError(t, err)

	_, err = f.controller.HandleCallback(context.Background(), "google", params)
	assert.ErrorIs(t, err, oidc.ErrInvalidState)
}

func TestHandleCallbackConcurrentReplay(t *testing.T) {
	f := newFixture(t)
	_, attempt := f.begin(t, "google")
	params := flow.CallbackParams{State: attempt.State, Code: "abc123"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.controller.HandleCallback(context.Background(), "google", params); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, oidc.ErrInvalidState)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}

func TestHandleCallbackExpired(t *testing.T) {
	f := newFixture(t)
	_, attempt := f.begin(t, "google")
	params := flow.CallbackParams{State: attempt.State, Code: "abc123"}

	f.clock.Advance(flow.DefaultAttemptTTL + time.Second)
	_, err := f.controller.HandleCallback(context.Background(), "google", params)
	assert.ErrorIs(t, err, oidc.ErrInvalidState)
	assert.Equal(t, "invalid_state", oidc.Kind(err))

	_, err = f.controller.HandleCallback(context.Background(), "google", params)
	assert.ErrorIs(t, err, oidc.ErrInvalidState)
}

func TestHandleCallbackProviderMismatch(t *testing.T) {
	f := newFixture(t)
	_, attempt := f.begin(t, "google")
	params := flow.CallbackParams{State: attempt.State, Code: "abc123"}

	_, err := f.controller.HandleCallback(context.Background(), "plain", params)
	assert.ErrorIs(t, err, oidc.ErrInvalidState)

	_, err = f.controller.HandleCallback(context.Background(), "google", params)
	assert.ErrorIs(t, err, oidc.ErrInvalidState, "a mismatching callback consumes the attempt")
}

func TestHandleCallbackProviderDenied(t *testing.T) {
	f := newFixture(t)
	_, attempt := f.begin(t, "google")

	params := flow.CallbackParamsFromQuery(url.Values{
		"state":             {attempt.State},
		"error":             {"access_denied"},
		"error_description": {"user cancelled"},
	})
	_, err := f.controller.HandleCallback(context.Background(), "google", params)
	require.ErrorIs(t, err, oidc.ErrProviderDenied)

	var oauthErr *oauth2.Error
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, "access_denied", oauthErr.Code)
	assert.Equal(t, "user cancelled", oauthErr.Description)

	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.op.TokenCalls())
	assert.Equal(t, 0, f.op.JwksCalls())
}

func TestHandleCallbackMalformed(t *testing.T) {
	f := newFixture(t)
	_, attempt := f.begin(t, "google")

	_, err := f.controller.HandleCallback(context.Background(), "google", flow.CallbackParams{Code: "abc123"})
	assert.ErrorIs(t, err, oidc.ErrMalformedCallback)
	assert.Equal(t, 1, f.store.Len(), "without a state nothing can be consumed")

	_, err = f.controller.HandleCallback(context.Background(), "google", flow.CallbackParams{State: attempt.State})
	assert.ErrorIs(t, err, oidc.ErrMalformedCallback)
	assert.Equal(t, 0, f.store.Len())
}

func TestHandleCallbackBrowserBinding(t *testing.T) {
	f := newFixture(t, flow.WithBrowserBinding(true))

	_, attempt := f.begin(t, "google")
	_, err := f.controller.HandleCallback(context.Background(), "google", flow.CallbackParams{
		State:      attempt.State,
		Code:       "abc123",
		BoundState: "state-of-another-browser",
	})
	assert.ErrorIs(t, err, oidc.ErrInvalidState)

	_, attempt = f.begin(t, "google")
	_, err = f.controller.HandleCallback(context.Background(), "google", flow.CallbackParams{
		State:      attempt.State,
		Code:       "abc123",
		BoundState: attempt.State,
	})
	assert.NoError(t, err)
}

func TestSanitizeDestination(t *testing.T) {
	for dest, want := range map[string]string{
		"":                      "/",
		"/":                     "/",
		"/profile?tab=2":        "/profile?tab=2",
		"https://evil.example/": "/",
		"//evil.example/path":   "/",
		"/\\evil.example":       "/",
		"relative/path":         "/",
		"javascript:alert(1)":   "/",
	} {
		assert.Equal(t, want, flow.SanitizeDestination(dest), dest)
	}
}
