package provider

import (
	"errors"
	"fmt"
	"slices"
)

// Provider families understood by the oidc package.
const (
	FamilyStandard = "standard"
	FamilyGoogle   = "google"
	FamilyEntra    = "entra"
)

var (
	ErrNotFound      = errors.New("provider not found")
	ErrMisconfigured = errors.New("provider misconfigured")
)

// Config of a single OpenID Provider the relying party may log users in with.
type Config struct {
	ID                    string       `yaml:"id" json:"id" validate:"required,max=64"`
	Name                  string       `yaml:"name" json:"name"`
	LogoURI               string       `yaml:"logo_uri" json:"logo_uri,omitempty" validate:"omitempty,url"`
	Family                string       `yaml:"family" json:"family" validate:"omitempty,oneof=standard google entra"`
	Issuer                string       `yaml:"issuer" json:"issuer" validate:"required,url"`
	ClientID              string       `yaml:"client_id" json:"client_id" validate:"required"`
	ClientSecret          SecretString `yaml:"client_secret" json:"-"`
	AuthorizationEndpoint string       `yaml:"authorization_endpoint" json:"authorization_endpoint" validate:"omitempty,url"`
	TokenEndpoint         string       `yaml:"token_endpoint" json:"token_endpoint" validate:"omitempty,url"`
	UserinfoEndpoint      string       `yaml:"userinfo_endpoint" json:"userinfo_endpoint,omitempty" validate:"omitempty,url"`
	JwksURI               string       `yaml:"jwks_uri" json:"jwks_uri" validate:"omitempty,url"`
	RedirectURI           string       `yaml:"redirect_uri" json:"redirect_uri,omitempty" validate:"omitempty,url"`
	Scopes                []string     `yaml:"scopes" json:"scopes"`
	Enabled               bool         `yaml:"enabled" json:"enabled"`
	PublicClient          bool         `yaml:"public_client" json:"public_client"`
	DisablePKCE           bool         `yaml:"disable_pkce" json:"disable_pkce"`
	FetchUserinfo         bool         `yaml:"fetch_userinfo" json:"fetch_userinfo"`
}

// FamilyName returns the configured family, defaulting to standard.
func (c *Config) FamilyName() string {
	if c.Family == "" {
		return FamilyStandard
	}
	return c.Family
}

// ScopeList returns the requested scopes with openid first and no duplicates.
func (c *Config) ScopeList() []string {
	scopes := []string{"openid"}
	for _, s := range c.Scopes {
		if s == "" || slices.Contains(scopes, s) {
			continue
		}
		scopes = append(scopes, s)
	}
	return scopes
}

func (c *Config) UsesPKCE() bool {
	return !c.DisablePKCE || c.PublicClient
}

// HasEndpoints reports whether the endpoints needed for a login are known.
func (c *Config) HasEndpoints() bool {
	return c.AuthorizationEndpoint != "" && c.TokenEndpoint != "" && c.JwksURI != ""
}

// CheckUsable reports configuration problems that must stop a login before
// the user is redirected anywhere.
func (c *Config) CheckUsable() error {
	if !c.Enabled {
		return fmt.Errorf("%w: provider %q is disabled", ErrMisconfigured, c.ID)
	}
	if c.ClientSecret.IsZero() && !c.PublicClient {
		return fmt.Errorf("%w: provider %q has no client secret", ErrMisconfigured, c.ID)
	}
	if !c.HasEndpoints() {
		return fmt.Errorf("%w: provider %q has no endpoints, discovery missing", ErrMisconfigured, c.ID)
	}
	return nil
}

func (c Config) clone() Config {
	c.Scopes = slices.Clone(c.Scopes)
	return c
}
