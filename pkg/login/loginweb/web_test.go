package loginweb_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gematik/zero-login/pkg/login"
	"github.com/gematik/zero-login/pkg/login/loginweb"
	"github.com/gematik/zero-login/pkg/oidc/oidctest"
	"github.com/gematik/zero-login/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cookieSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	op      *oidctest.Provider
	service *login.Service
	server  *httptest.Server
	browser *http.Client
}

func newTestServer(t *testing.T, mutate func(cfg *login.Config)) *testServer {
	t.Helper()
	op := oidctest.NewProvider(t)
	cfg := &login.Config{
		Address:   ":0",
		BaseURL:   "https://rp.example",
		Providers: []provider.Config{op.Config("google")},
		Cookie:    login.CookieConfig{Secret: cookieSecret},
		Attempts:  login.AttemptsConfig{BrowserBinding: true},
	}
	if mutate != nil {
		mutate(cfg)
	}

	service, err := login.New(context.Background(), cfg, login.WithHTTPClient(op.Server.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Close() })

	server := httptest.NewServer(loginweb.NewServer(service, cfg))
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	browser := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &testServer{op: op, service: service, server: server, browser: browser}
}

func (s *testServer) get(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := client.Get(s.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) post(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := client.Post(s.server.URL+path, "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// startLogin follows the redirect to the provider and returns the callback
// path the provider sends the browser back to.
func (s *testServer) startLogin(t *testing.T, subject string) string {
	t.Helper()
	resp := s.get(t, s.browser, "/login/google?destination=/app")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	callback, err := s.op.Authorize(resp.Header.Get("Location"), map[string]any{"sub": subject, "email": subject + "@example.com"})
	require.NoError(t, err)
	return "/callback/google?" + callback.Encode()
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func sessionCookie(s *testServer) *http.Cookie {
	u, _ := url.Parse(s.server.URL)
	for _, c := range s.browser.Jar.Cookies(u) {
		if c.Name == "zero_login" {
			return c
		}
	}
	return nil
}

func TestLoginFlow(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.get(t, s.browser, "/login/google?destination=/app")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location.String(), s.op.Issuer()+"/authorize"))
	assert.Equal(t, "S256", location.Query().Get("code_challenge_method"))
	require.NotNil(t, sessionCookie(s), "state is bound to the browser")

	callback, err := s.op.Authorize(location.String(), map[string]any{"sub": "u1"})
	require.NoError(t, err)

	resp = s.get(t, s.browser, "/callback/google?"+callback.Encode())
	require.Equal(t, http.StatusFound, resp.StatusCode, body(t, resp))
	assert.Equal(t, "/app", resp.Header.Get("Location"))

	cookie := sessionCookie(s)
	require.NotNil(t, cookie)
	assert.NotContains(t, cookie.Value, callback.Get("code"))

	resp = s.post(t, s.browser, "/logout")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	assert.Nil(t, sessionCookie(s))
}

func TestLogoutNeedsPost(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.get(t, s.browser, s.startLogin(t, "u1"))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.NotNil(t, sessionCookie(s))

	resp = s.get(t, s.browser, "/logout")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body(t, resp), `<form method="post" action="/logout">`)
	assert.NotNil(t, sessionCookie(s), "a link must not end the session")

	resp = s.post(t, s.browser, "/logout")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Nil(t, sessionCookie(s))
}

func TestCallbackReplay(t *testing.T) {
	s := newTestServer(t, nil)
	path := s.startLogin(t, "u1")

	resp := s.get(t, s.browser, path)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp = s.get(t, s.browser, path)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body(t, resp), "invalid_state")
}

func TestCallbackForgedState(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.get(t, s.browser, "/callback/google?state=forged&code=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "text/html; charset=UTF-8", resp.Header.Get("Content-Type"))

	page := body(t, resp)
	assert.Contains(t, page, "invalid_state")
	assert.NotContains(t, page, "forged")
	assert.NotContains(t, page, "unknown or already used state")
}

func TestCallbackFromOtherBrowser(t *testing.T) {
	s := newTestServer(t, nil)
	path := s.startLogin(t, "u1")

	other := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp := s.get(t, other, path)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body(t, resp), "invalid_state")
}

func TestCallbackWithoutBrowserBinding(t *testing.T) {
	s := newTestServer(t, func(cfg *login.Config) {
		cfg.Attempts.BrowserBinding = false
	})
	path := s.startLogin(t, "u1")

	resp := s.get(t, http.DefaultClient, path)
	// the redirect to the destination is followed by the default client
	assert.Equal(t, s.server.URL+"/app", resp.Request.URL.String())
}

func TestProviderDenied(t *testing.T) {
	s := newTestServer(t, nil)
	path := s.startLogin(t, "u1")
	u, err := url.Parse(path)
	require.NoError(t, err)
	query := url.Values{
		"state":             {u.Query().Get("state")},
		"error":             {"access_denied"},
		"error_description": {"user cancelled"},
	}

	resp := s.get(t, s.browser, "/callback/google?"+query.Encode())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	page := body(t, resp)
	assert.Contains(t, page, "provider_denied")
	assert.NotContains(t, page, "user cancelled")
}

func TestUnknownProvider(t *testing.T) {
	s := newTestServer(t, nil)

	resp := s.get(t, s.browser, "/login/github")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body(t, resp), "not_found")
}

func TestProviders(t *testing.T) {
	s := newTestServer(t, func(cfg *login.Config) {
		cfg.Providers[0].Name = "Google"
		cfg.Providers[0].LogoURI = "https://rp.example/google.svg"
	})

	resp := s.get(t, s.browser, "/providers")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var providers []map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&providers))
	assert.Equal(t, []map[string]string{
		{"id": "google", "name": "Google", "logo_uri": "https://rp.example/google.svg"},
	}, providers)

	resp = s.get(t, s.browser, "/login?destination=https://evil.example")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := body(t, resp)
	assert.Contains(t, page, `href="/login/google?destination=`)
	assert.NotContains(t, page, "evil.example")
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	resp := s.get(t, s.browser, s.startLogin(t, "u1"))
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp = s.get(t, s.browser, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := body(t, resp)
	assert.Contains(t, page, `zero_login_attempts_total{outcome="success",provider="google"} 1`)
	assert.Contains(t, page, "zero_login_token_exchange_seconds")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *login.Config) {
		cfg.RateLimit = login.RateLimitConfig{PerSecond: 0.01, Burst: 1}
	})

	resp := s.get(t, s.browser, "/login/google")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	resp = s.get(t, s.browser, "/login/google")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// other endpoints are not limited
	resp = s.get(t, s.browser, "/providers")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
