package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gematik/zero-login/pkg/provider"
	xoauth2 "golang.org/x/oauth2"
)

const (
	DefaultClockSkew      = 60 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// Client talks to the token, jwks and userinfo endpoints of the configured
// providers. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	keys       *KeySets
	now        func() time.Time
	skew       time.Duration
	timeout    time.Duration
	retryWait  time.Duration
	families   map[string]Family
}

type Option func(*Client) error

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = httpClient
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		c.now = now
		return nil
	}
}

func WithClockSkew(skew time.Duration) Option {
	return func(c *Client) error {
		if skew < 0 {
			return fmt.Errorf("clock skew must not be negative")
		}
		c.skew = skew
		return nil
	}
}

// WithRequestTimeout bounds every single request to a provider.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) error {
		if timeout <= 0 {
			return fmt.Errorf("request timeout must be positive")
		}
		c.timeout = timeout
		return nil
	}
}

// WithRetryWait sets the pause before the token request is repeated after a
// network failure.
func WithRetryWait(wait time.Duration) Option {
	return func(c *Client) error {
		c.retryWait = wait
		return nil
	}
}

func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	c := &Client{
		httpClient: http.DefaultClient,
		now:        time.Now,
		skew:       DefaultClockSkew,
		timeout:    DefaultRequestTimeout,
		retryWait:  200 * time.Millisecond,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.keys = NewKeySets(ctx, c.httpClient)
	c.families = map[string]Family{
		provider.FamilyStandard: &family{name: provider.FamilyStandard, client: c, issuerMatches: exactIssuer},
		provider.FamilyGoogle:   &family{name: provider.FamilyGoogle, client: c, issuerMatches: googleIssuer},
		provider.FamilyEntra:    &family{name: provider.FamilyEntra, client: c, issuerMatches: entraIssuer},
	}
	return c, nil
}

// Family returns the behavior for the family configured at p.
func (c *Client) Family(p *provider.Config) (Family, error) {
	f, ok := c.families[p.FamilyName()]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider family %q", ErrMisconfigured, p.Family)
	}
	return f, nil
}

func (c *Client) oauth2Config(p *provider.Config, redirectURI string) *xoauth2.Config {
	return &xoauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret.Value(),
		RedirectURL:  redirectURI,
		Scopes:       p.ScopeList(),
		Endpoint: xoauth2.Endpoint{
			AuthURL:   p.AuthorizationEndpoint,
			TokenURL:  p.TokenEndpoint,
			AuthStyle: xoauth2.AuthStyleInParams,
		},
	}
}

func (c *Client) authCodeURL(p *provider.Config, a *AuthAttempt) (string, error) {
	if p.AuthorizationEndpoint == "" {
		return "", fmt.Errorf("%w: provider %q has no authorization endpoint", ErrMisconfigured, p.ID)
	}
	opts := []xoauth2.AuthCodeOption{
		xoauth2.SetAuthURLParam("nonce", a.Nonce),
	}
	if a.PKCEVerifier != "" {
		opts = append(opts, xoauth2.S256ChallengeOption(a.PKCEVerifier))
	}
	return c.oauth2Config(p, a.RedirectURI).AuthCodeURL(a.State, opts...), nil
}

func (c *Client) exchange(ctx context.Context, p *provider.Config, a *AuthAttempt, code string) (*TokenSet, error) {
	cfg := c.oauth2Config(p, a.RedirectURI)
	var opts []xoauth2.AuthCodeOption
	if a.PKCEVerifier != "" {
		opts = append(opts, xoauth2.VerifierOption(a.PKCEVerifier))
	}

	ctx = context.WithValue(ctx, xoauth2.HTTPClient, c.httpClient)

	operation := func() (*xoauth2.Token, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		tok, err := cfg.Exchange(reqCtx, code, opts...)
		if err != nil {
			err = classifyExchangeError(err)
			if !errors.Is(err, ErrNetwork) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return tok, nil
	}

	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryWait)),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("Token request failed, retrying", "provider", p.ID, "error", err, "wait", wait)
		}),
	)
	if err != nil {
		if !errors.Is(err, ErrNetwork) && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return nil, err
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, &TokenEndpointError{StatusCode: http.StatusOK, Description: "response carries no id_token"}
	}

	return &TokenSet{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func classifyExchangeError(err error) error {
	var retrieveErr *xoauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &TokenEndpointError{
			StatusCode:  status,
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
		}
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	// the endpoint answered, but with something that is not a token response
	return &TokenEndpointError{StatusCode: http.StatusOK, Description: err.Error()}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
