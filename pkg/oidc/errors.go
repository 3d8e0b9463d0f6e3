package oidc

import (
	"errors"
	"fmt"

	"github.com/gematik/zero-login/pkg/provider"
)

// Every failure of a login attempt wraps exactly one of these.
var (
	ErrInvalidState      = errors.New("invalid state")
	ErrMalformedCallback = errors.New("malformed callback")
	ErrProviderDenied    = errors.New("provider denied authorization")
	ErrNetwork           = errors.New("network error")
	ErrTokenEndpoint     = errors.New("token endpoint error")
	ErrSignatureInvalid  = errors.New("id token signature invalid")
	ErrClaimMismatch     = errors.New("id token claim mismatch")
	ErrTokenExpired      = errors.New("id token expired")
	ErrUserinfo          = errors.New("userinfo endpoint error")
	ErrNotFound          = provider.ErrNotFound
	ErrMisconfigured     = provider.ErrMisconfigured
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrInvalidState, "invalid_state"},
	{ErrMalformedCallback, "malformed_callback"},
	{ErrProviderDenied, "provider_denied"},
	{ErrNetwork, "network_error"},
	{ErrTokenEndpoint, "token_endpoint_error"},
	{ErrSignatureInvalid, "signature_invalid"},
	{ErrClaimMismatch, "claim_mismatch"},
	{ErrTokenExpired, "token_expired"},
	{ErrUserinfo, "userinfo_error"},
	{ErrNotFound, "not_found"},
	{ErrMisconfigured, "misconfigured"},
}

// Kind returns a stable code for err that is safe to show to users.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal_error"
}

// CheckError names the verification check that failed.
type CheckError struct {
	Err   error
	Check string
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err, e.Check)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

func mismatch(check string) error {
	return &CheckError{Err: ErrClaimMismatch, Check: check}
}

// TokenEndpointError is a non-success answer of the token endpoint.
type TokenEndpointError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *TokenEndpointError) Error() string {
	msg := fmt.Sprintf("%s: status %d", ErrTokenEndpoint, e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

func (e *TokenEndpointError) Unwrap() error {
	return ErrTokenEndpoint
}
