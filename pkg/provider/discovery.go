package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	JwksURI                          string   `json:"jwks_uri"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	IdTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// TenantPlaceholder marks the tenant segment of a multi-tenant issuer.
const TenantPlaceholder = "{tenantid}"

// DiscoveryURL returns the well-known configuration URL of issuer. A
// multi-tenant issuer is discovered through its "common" tenant.
func DiscoveryURL(issuer string) string {
	issuer = strings.ReplaceAll(issuer, TenantPlaceholder, "common")
	return strings.TrimRight(issuer, "/") + "/.well-known/openid-configuration"
}

// issuerMatches compares the configured issuer with the one of the
// discovery document. A multi-tenant issuer may be announced either with
// the placeholder or with the "common" tenant.
func issuerMatches(configured, discovered string) bool {
	configured = strings.TrimRight(configured, "/")
	discovered = strings.TrimRight(discovered, "/")
	if configured == discovered {
		return true
	}
	return strings.Contains(configured, TenantPlaceholder) &&
		strings.ReplaceAll(configured, TenantPlaceholder, "common") == discovered
}

func FetchDiscoveryDocument(ctx context.Context, httpClient *http.Client, url string) (*DiscoveryDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to get discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unable to get discovery document: unexpected status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("unable to decode discovery document: %w", err)
	}

	return &doc, nil
}

// Discover fills the endpoints of cfg that are not configured explicitly.
// Explicit values always win over the discovery document.
func Discover(ctx context.Context, httpClient *http.Client, cfg *Config) error {
	if cfg.HasEndpoints() && cfg.UserinfoEndpoint != "" {
		return nil
	}

	doc, err := FetchDiscoveryDocument(ctx, httpClient, DiscoveryURL(cfg.Issuer))
	if err != nil {
		return fmt.Errorf("discovery for provider %q: %w", cfg.ID, err)
	}
	if !issuerMatches(cfg.Issuer, doc.Issuer) {
		return fmt.Errorf("%w: provider %q announces issuer %q", ErrMisconfigured, cfg.ID, doc.Issuer)
	}

	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&cfg.AuthorizationEndpoint, doc.AuthorizationEndpoint)
	fill(&cfg.TokenEndpoint, doc.TokenEndpoint)
	fill(&cfg.JwksURI, doc.JwksURI)
	fill(&cfg.UserinfoEndpoint, doc.UserinfoEndpoint)

	if !cfg.HasEndpoints() {
		return fmt.Errorf("%w: discovery document of %q is incomplete", ErrMisconfigured, cfg.ID)
	}
	return nil
}
