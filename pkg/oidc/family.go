package oidc

import (
	"context"
	"strings"

	"github.com/gematik/zero-login/pkg/provider"
)

// Family is the protocol behavior of a group of providers. Providers
// select their family by configuration.
type Family interface {
	Name() string
	AuthCodeURL(p *provider.Config, a *AuthAttempt) (string, error)
	Exchange(ctx context.Context, p *provider.Config, a *AuthAttempt, code string) (*TokenSet, error)
	Verify(ctx context.Context, p *provider.Config, tokens *TokenSet, a *AuthAttempt) (*VerifiedClaims, error)
}

// issuerMatcher compares the iss claim with the configured issuer.
type issuerMatcher func(p *provider.Config, iss string, claims map[string]any) bool

type family struct {
	name          string
	client        *Client
	issuerMatches issuerMatcher
}

func (f *family) Name() string {
	return f.name
}

func (f *family) AuthCodeURL(p *provider.Config, a *AuthAttempt) (string, error) {
	return f.client.authCodeURL(p, a)
}

func (f *family) Exchange(ctx context.Context, p *provider.Config, a *AuthAttempt, code string) (*TokenSet, error) {
	return f.client.exchange(ctx, p, a, code)
}

func (f *family) Verify(ctx context.Context, p *provider.Config, tokens *TokenSet, a *AuthAttempt) (*VerifiedClaims, error) {
	return f.client.verify(ctx, p, tokens, a, f.issuerMatches)
}

func exactIssuer(p *provider.Config, iss string, _ map[string]any) bool {
	return iss == p.Issuer
}

// Google has issued ID tokens with and without the scheme.
func googleIssuer(p *provider.Config, iss string, _ map[string]any) bool {
	if iss == p.Issuer {
		return true
	}
	bare := func(s string) string {
		return strings.TrimSuffix(strings.TrimPrefix(s, "https://"), "/")
	}
	return bare(iss) == bare(p.Issuer)
}

// Entra multi-tenant apps configure the issuer with a tenant placeholder,
// the actual tenant is named by the tid claim.
func entraIssuer(p *provider.Config, iss string, claims map[string]any) bool {
	if !strings.Contains(p.Issuer, provider.TenantPlaceholder) {
		return iss == p.Issuer
	}
	tid, _ := claims["tid"].(string)
	if tid == "" {
		return false
	}
	return iss == strings.ReplaceAll(p.Issuer, provider.TenantPlaceholder, tid)
}
