package flow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gematik/zero-login/pkg/nonce"
	"github.com/gematik/zero-login/pkg/oauth2"
	"github.com/gematik/zero-login/pkg/oidc"
	"github.com/gematik/zero-login/pkg/provider"
	"github.com/segmentio/ksuid"
)

const DefaultAttemptTTL = 10 * time.Minute

// Providers resolves provider configurations by id.
type Providers interface {
	Get(id string) (provider.Config, error)
}

// Families selects the protocol behavior of a provider.
type Families interface {
	Family(p *provider.Config) (oidc.Family, error)
}

// CallbackParams are the parameters the provider sent back to the redirect URI.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
	ErrorURI         string
	// BoundState is the state remembered in the browser that started the
	// login. Only checked when browser binding is enabled.
	BoundState string
}

func CallbackParamsFromQuery(query url.Values) CallbackParams {
	params := CallbackParams{
		State: query.Get("state"),
		Code:  query.Get("code"),
	}
	if oauthErr := oauth2.ErrorFromQuery(query); oauthErr != nil {
		params.Error = oauthErr.Code
		params.ErrorDescription = oauthErr.Description
		params.ErrorURI = oauthErr.URI
	}
	return params
}

// Controller starts logins at providers and validates their callbacks.
type Controller struct {
	providers   Providers
	families    Families
	store       AttemptStore
	nonces      nonce.Source
	verifier    func() string
	now         func() time.Time
	ttl         time.Duration
	callbackURL string
	bindBrowser bool
}

type Option func(*Controller) error

func WithNonceSource(source nonce.Source) Option {
	return func(c *Controller) error {
		c.nonces = source
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) error {
		c.now = now
		return nil
	}
}

func WithAttemptTTL(ttl time.Duration) Option {
	return func(c *Controller) error {
		if ttl <= 0 {
			return fmt.Errorf("attempt ttl must be positive")
		}
		c.ttl = ttl
		return nil
	}
}

// WithCallbackURL sets the base of redirect URIs. The provider id is
// appended, e.g. https://rp.example/callback/google.
func WithCallbackURL(base string) Option {
	return func(c *Controller) error {
		if _, err := url.Parse(base); err != nil {
			return fmt.Errorf("invalid callback url: %w", err)
		}
		c.callbackURL = strings.TrimRight(base, "/")
		return nil
	}
}

// WithBrowserBinding requires the callback to come from the browser that
// started the login.
func WithBrowserBinding(enabled bool) Option {
	return func(c *Controller) error {
		c.bindBrowser = enabled
		return nil
	}
}

func NewController(providers Providers, families Families, store AttemptStore, opts ...Option) (*Controller, error) {
	c := &Controller{
		providers: providers,
		families:  families,
		store:     store,
		nonces:    nonce.NewRandomSource(),
		verifier:  oauth2.GenerateVerifier,
		now:       time.Now,
		ttl:       DefaultAttemptTTL,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BeginLogin creates an attempt for the provider and returns the URL the
// browser is sent to. Configuration problems are reported before anything
// is stored.
func (c *Controller) BeginLogin(ctx context.Context, providerID, destination string) (string, *oidc.AuthAttempt, error) {
	cfg, err := c.providers.Get(providerID)
	if err != nil {
		return "", nil, err
	}
	if err := cfg.CheckUsable(); err != nil {
		return "", nil, err
	}
	family, err := c.families.Family(&cfg)
	if err != nil {
		return "", nil, err
	}

	redirectURI := cfg.RedirectURI
	if redirectURI == "" {
		if c.callbackURL == "" {
			return "", nil, fmt.Errorf("%w: no redirect uri for provider %q", oidc.ErrMisconfigured, providerID)
		}
		redirectURI = c.callbackURL + "/" + url.PathEscape(cfg.ID)
	}

	state, err := c.nonces.Token()
	if err != nil {
		return "", nil, fmt.Errorf("unable to generate state: %w", err)
	}
	nonceValue, err := c.nonces.Token()
	if err != nil {
		return "", nil, fmt.Errorf("unable to generate nonce: %w", err)
	}

	now := c.now()
	attempt := &oidc.AuthAttempt{
		ID:          ksuid.New().String(),
		ProviderID:  cfg.ID,
		State:       state,
		Nonce:       nonceValue,
		RedirectURI: redirectURI,
		Destination: SanitizeDestination(destination),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
	}
	if cfg.UsesPKCE() {
		attempt.PKCEVerifier = c.verifier()
	}

	authURL, err := family.AuthCodeURL(&cfg, attempt)
	if err != nil {
		return "", nil, err
	}

	if err := c.store.Save(ctx, attempt); err != nil {
		return "", nil, fmt.Errorf("unable to save attempt: %w", err)
	}

	slog.Debug("Login started", "provider", cfg.ID, "attempt", attempt.ID, "pkce", attempt.PKCEVerifier != "")
	return authURL, attempt, nil
}

// HandleCallback validates the callback of a provider and returns the
// attempt it belongs to. The attempt is consumed in any case once its
// state was presented.
func (c *Controller) HandleCallback(ctx context.Context, providerID string, params CallbackParams) (*oidc.AuthAttempt, error) {
	if params.State == "" {
		return nil, fmt.Errorf("%w: state parameter missing", oidc.ErrMalformedCallback)
	}

	attempt, err := c.store.Consume(ctx, params.State)
	if errors.Is(err, ErrAttemptNotFound) {
		return nil, fmt.Errorf("%w: unknown or already used state", oidc.ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to consume attempt: %w", err)
	}

	if attempt.Expired(c.now()) {
		return nil, fmt.Errorf("%w: attempt %s expired", oidc.ErrInvalidState, attempt.ID)
	}
	if attempt.ProviderID != providerID {
		return nil, fmt.Errorf("%w: attempt %s belongs to provider %q", oidc.ErrInvalidState, attempt.ID, attempt.ProviderID)
	}
	if c.bindBrowser && subtle.ConstantTimeCompare([]byte(params.BoundState), []byte(params.State)) != 1 {
		return nil, fmt.Errorf("%w: attempt %s was started by another browser", oidc.ErrInvalidState, attempt.ID)
	}

	if params.Error != "" {
		return nil, fmt.Errorf("%w: %w", oidc.ErrProviderDenied, &oauth2.Error{
			Code:        params.Error,
			Description: params.ErrorDescription,
			URI:         params.ErrorURI,
		})
	}
	if params.Code == "" {
		return nil, fmt.Errorf("%w: code parameter missing", oidc.ErrMalformedCallback)
	}

	return attempt, nil
}

// SanitizeDestination returns dest if it is a local path, "/" otherwise.
func SanitizeDestination(dest string) string {
	if dest == "" || !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") || strings.Contains(dest, "\\") {
		return "/"
	}
	u, err := url.Parse(dest)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return dest
}
