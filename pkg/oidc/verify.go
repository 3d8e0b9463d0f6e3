package oidc

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/gematik/zero-login/pkg/provider"
	"github.com/lestrrat-go/jwx/v2/jws"
)

func (c *Client) verify(ctx context.Context, p *provider.Config, tokens *TokenSet, a *AuthAttempt, issuerMatches issuerMatcher) (*VerifiedClaims, error) {
	if tokens == nil || tokens.IDToken == "" {
		return nil, &CheckError{Err: ErrSignatureInvalid, Check: "id_token missing"}
	}
	raw := []byte(tokens.IDToken)

	msg, err := jws.Parse(raw)
	if err != nil {
		return nil, &CheckError{Err: ErrSignatureInvalid, Check: "malformed id_token"}
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, &CheckError{Err: ErrSignatureInvalid, Check: "expected exactly one signature"}
	}

	keyCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	keySet, err := c.keys.Lookup(keyCtx, p.JwksURI, sigs[0].ProtectedHeaders().KeyID())
	if err != nil {
		return nil, err
	}

	payload, err := jws.Verify(raw, jws.WithKeySet(keySet,
		jws.WithInferAlgorithmFromKey(true),
		jws.WithUseDefault(true),
	))
	if err != nil {
		return nil, &CheckError{Err: ErrSignatureInvalid, Check: err.Error()}
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, &CheckError{Err: ErrSignatureInvalid, Check: "payload is not a claims set"}
	}

	iss, _ := claims["iss"].(string)
	if iss == "" || !issuerMatches(p, iss, claims) {
		return nil, mismatch("iss")
	}

	aud, ok := audience(claims["aud"])
	if !ok || !slices.Contains(aud, p.ClientID) {
		return nil, mismatch("aud")
	}
	azp, hasAzp := claims["azp"].(string)
	if (len(aud) > 1 || hasAzp) && azp != p.ClientID {
		return nil, mismatch("azp")
	}

	nonce, _ := claims["nonce"].(string)
	if nonce == "" || nonce != a.Nonce {
		return nil, mismatch("nonce")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, mismatch("sub")
	}

	now := c.now()
	exp, ok := numericDate(claims["exp"])
	if !ok {
		return nil, mismatch("exp")
	}
	if !now.Before(exp.Add(c.skew)) {
		return nil, &CheckError{Err: ErrTokenExpired, Check: "exp"}
	}
	if iat, ok := numericDate(claims["iat"]); ok && iat.After(now.Add(c.skew)) {
		return nil, mismatch("iat")
	}

	return NewVerifiedClaims(iss, sub, claims), nil
}

// audience accepts the single string and the array form of aud.
func audience(v any) ([]string, bool) {
	switch aud := v.(type) {
	case string:
		return []string{aud}, aud != ""
	case []any:
		values := make([]string, 0, len(aud))
		for _, a := range aud {
			s, ok := a.(string)
			if !ok {
				return nil, false
			}
			values = append(values, s)
		}
		return values, len(values) > 0
	default:
		return nil, false
	}
}

func numericDate(v any) (time.Time, bool) {
	f, ok := v.(float64)
	if !ok {
		return time.Time{}, false
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec), true
}
