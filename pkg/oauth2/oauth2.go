package oauth2

import (
	"fmt"
	"net/url"

	xoauth2 "golang.org/x/oauth2"
)

type CodeChallengeMethod string

const (
	CodeChallengeMethodS256 CodeChallengeMethod = "S256"
)

// Error is an OAuth2 error response, either from the token endpoint or
// carried back to the redirect URI of the client.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ErrorFromQuery returns the error carried in a redirect, nil if there is none.
func ErrorFromQuery(query url.Values) *Error {
	code := query.Get("error")
	if code == "" {
		return nil
	}
	return &Error{
		Code:        code,
		Description: query.Get("error_description"),
		URI:         query.Get("error_uri"),
	}
}

// GenerateVerifier returns a PKCE code verifier (RFC 7636, 32 random octets).
func GenerateVerifier() string {
	return xoauth2.GenerateVerifier()
}

func S256ChallengeFromVerifier(verifier string) string {
	return xoauth2.S256ChallengeFromVerifier(verifier)
}
