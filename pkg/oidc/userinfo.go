package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/gematik/zero-login/pkg/provider"
)

// FetchUserinfo asks the userinfo endpoint about the authenticated user and
// merges the answer into claims. Protocol claims of the ID token are kept.
func (c *Client) FetchUserinfo(ctx context.Context, p *provider.Config, tokens *TokenSet, claims *VerifiedClaims) (*VerifiedClaims, error) {
	if p.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("%w: provider %q has no userinfo endpoint", ErrMisconfigured, p.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.UserinfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMisconfigured, err)
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo response: %w", ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUserinfo, resp.StatusCode)
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "application/json" {
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrUserinfo, mediaType)
	}

	var userinfo map[string]any
	if err := json.Unmarshal(body, &userinfo); err != nil {
		return nil, fmt.Errorf("%w: unable to decode response: %w", ErrUserinfo, err)
	}

	if sub, _ := userinfo["sub"].(string); sub != claims.Subject() {
		return nil, mismatch("userinfo.sub")
	}

	return claims.withUserinfo(userinfo), nil
}
