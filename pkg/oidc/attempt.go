package oidc

import (
	"log/slog"
	"maps"
	"time"
)

// AuthAttempt is the relying party's memory of one redirect to a provider.
// It lives from the redirect until the callback or expiry and is consumed
// exactly once.
type AuthAttempt struct {
	ID           string    `json:"id"`
	ProviderID   string    `json:"provider_id"`
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	PKCEVerifier string    `json:"pkce_verifier,omitempty"`
	RedirectURI  string    `json:"redirect_uri"`
	Destination  string    `json:"destination,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (a *AuthAttempt) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// TokenSet is the token endpoint's answer. It is never persisted or logged.
type TokenSet struct {
	AccessToken  string
	TokenType    string
	IDToken      string
	RefreshToken string
	ExpiresAt    time.Time
}

func (t *TokenSet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token_type", t.TokenType),
		slog.Bool("has_refresh_token", t.RefreshToken != ""),
		slog.Time("expires_at", t.ExpiresAt),
	)
}

// VerifiedClaims are the claims of an ID token that passed every check.
type VerifiedClaims struct {
	subject string
	issuer  string
	claims  map[string]any
}

func NewVerifiedClaims(issuer, subject string, claims map[string]any) *VerifiedClaims {
	return &VerifiedClaims{
		subject: subject,
		issuer:  issuer,
		claims:  maps.Clone(claims),
	}
}

func (v *VerifiedClaims) Subject() string { return v.subject }

func (v *VerifiedClaims) Issuer() string { return v.issuer }

// Claim returns a single claim value. Nested values are shared with the
// claims set and must not be modified.
func (v *VerifiedClaims) Claim(name string) (any, bool) {
	value, ok := v.claims[name]
	return value, ok
}

func (v *VerifiedClaims) Claims() map[string]any {
	return maps.Clone(v.claims)
}

// protocol claims are never taken from the userinfo endpoint
var protocolClaims = map[string]bool{
	"iss":       true,
	"sub":       true,
	"aud":       true,
	"azp":       true,
	"nonce":     true,
	"exp":       true,
	"iat":       true,
	"nbf":       true,
	"auth_time": true,
	"at_hash":   true,
	"c_hash":    true,
}

func (v *VerifiedClaims) withUserinfo(userinfo map[string]any) *VerifiedClaims {
	merged := maps.Clone(v.claims)
	for name, value := range userinfo {
		if protocolClaims[name] {
			continue
		}
		merged[name] = value
	}
	return &VerifiedClaims{subject: v.subject, issuer: v.issuer, claims: merged}
}
