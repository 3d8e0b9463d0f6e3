package oauth2_test

import (
	"net/url"
	"testing"

	"github.com/gematik/zero-login/pkg/oauth2"
	"github.com/stretchr/testify/assert"
)

func TestS256ChallengeFromVerifier(t *testing.T) {
	// RFC 7636, appendix B
	challenge := oauth2.S256ChallengeFromVerifier("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", challenge)
}

func TestGenerateVerifier(t *testing.T) {
	v1 := oauth2.GenerateVerifier()
	v2 := oauth2.GenerateVerifier()
	assert.Len(t, v1, 43)
	assert.NotEqual(t, v1, v2)
}

func TestErrorFromQuery(t *testing.T) {
	assert.Nil(t, oauth2.ErrorFromQuery(url.Values{"code": {"abc"}}))

	err := oauth2.ErrorFromQuery(url.Values{
		"error":             {"access_denied"},
		"error_description": {"user cancelled"},
	})
	assert.Equal(t, "access_denied", err.Code)
	assert.Equal(t, "access_denied: user cancelled", err.Error())

	assert.Equal(t, "server_error", (&oauth2.Error{Code: "server_error"}).Error())
}
