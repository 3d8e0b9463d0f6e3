// Package oidctest runs an in-process OpenID Provider for tests.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gematik/zero-login/pkg/provider"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

const (
	ClientID     = "zero-login-test"
	ClientSecret = "test-secret"
)

type grant struct {
	nonce       string
	challenge   string
	redirectURI string
	claims      map[string]any
}

// Provider is an OpenID Provider backed by httptest.Server. Authorization
// is granted programmatically with Authorize.
type Provider struct {
	Server *httptest.Server

	mu            sync.Mutex
	signingKey    jwk.Key
	published     jwk.Set
	codes         map[string]grant
	userinfo      map[string]map[string]any
	accessTokens  map[string]string
	tokenCalls    int
	jwksCalls     int
	dropTokenReqs int
	tokenError    *tokenError
	omitIDToken   bool
	lastTokenForm url.Values
	now           func() time.Time
}

type tokenError struct {
	status      int
	code        string
	description string
}

func NewProvider(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{
		codes:        make(map[string]grant),
		userinfo:     make(map[string]map[string]any),
		accessTokens: make(map[string]string),
		now:          time.Now,
	}
	if err := p.RotateKey(); err != nil {
		t.Fatalf("unable to create signing key: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("GET /authorize", p.authorizeEndpoint)
	mux.HandleFunc("POST /token", p.token)
	mux.HandleFunc("GET /jwks", p.jwks)
	mux.HandleFunc("GET /userinfo", p.userinfoEndpoint)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

func (p *Provider) Issuer() string {
	return p.Server.URL
}

// Config returns an enabled confidential client of this provider.
func (p *Provider) Config(id string) provider.Config {
	return provider.Config{
		ID:                    id,
		Name:                  id,
		Issuer:                p.Issuer(),
		ClientID:              ClientID,
		ClientSecret:          provider.NewSecretString(ClientSecret),
		AuthorizationEndpoint: p.Server.URL + "/authorize",
		TokenEndpoint:         p.Server.URL + "/token",
		JwksURI:               p.Server.URL + "/jwks",
		UserinfoEndpoint:      p.Server.URL + "/userinfo",
		Scopes:                []string{"openid", "email", "profile"},
		Enabled:               true,
	}
}

// SetClock changes the time used for iat and exp of issued tokens.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// RotateKey replaces the signing key. Only the new key is published.
func (p *Provider) RotateKey() error {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return err
	}
	kid := randomString(8)
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return err
	}
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return err
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.signingKey = key
	p.published = set
	return nil
}

// Sign returns an ID token over claims signed with the current key.
func (p *Provider) Sign(claims map[string]any) (string, error) {
	p.mu.Lock()
	key := p.signingKey
	p.mu.Unlock()
	return sign(key, claims)
}

func sign(key jwk.Key, claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	headers := jws.NewHeaders()
	if err := headers.Set(jws.KeyIDKey, key.KeyID()); err != nil {
		return "", err
	}
	if err := headers.Set(jws.TypeKey, "JWT"); err != nil {
		return "", err
	}
	signed, err := jws.Sign(payload, jws.WithKey(jwa.RS256, key, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// SignWithForeignKey signs claims with a key that is never published.
func SignWithForeignKey(claims map[string]any) (string, error) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return "", err
	}
	if err := key.Set(jwk.KeyIDKey, "foreign"); err != nil {
		return "", err
	}
	return sign(key, claims)
}

// IDTokenClaims returns the claims a correct ID token for this client
// carries. Entries of extra override them, a nil value removes a claim.
func (p *Provider) IDTokenClaims(nonce string, extra map[string]any) map[string]any {
	p.mu.Lock()
	now := p.now()
	p.mu.Unlock()

	claims := map[string]any{
		"iss":   p.Issuer(),
		"aud":   ClientID,
		"nonce": nonce,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
	}
	for k, v := range extra {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return claims
}

// Authorize plays the user consenting at the provider. It reads the
// authorization request from authURL and returns the query of the callback.
func (p *Provider) Authorize(authURL string, claims map[string]any) (url.Values, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if q.Get("client_id") != ClientID {
		return nil, fmt.Errorf("unexpected client_id %q", q.Get("client_id"))
	}
	if q.Get("response_type") != "code" {
		return nil, fmt.Errorf("unexpected response_type %q", q.Get("response_type"))
	}
	if q.Get("code_challenge") != "" && q.Get("code_challenge_method") != "S256" {
		return nil, fmt.Errorf("unexpected code_challenge_method %q", q.Get("code_challenge_method"))
	}

	code := randomString(16)
	p.mu.Lock()
	p.codes[code] = grant{
		nonce:       q.Get("nonce"),
		challenge:   q.Get("code_challenge"),
		redirectURI: q.Get("redirect_uri"),
		claims:      maps.Clone(claims),
	}
	p.mu.Unlock()

	return url.Values{
		"code":  {code},
		"state": {q.Get("state")},
	}, nil
}

// SetUserinfo sets the answer of the userinfo endpoint for subject.
func (p *Provider) SetUserinfo(subject string, claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfo[subject] = maps.Clone(claims)
}

// IssueAccessToken returns an access token the userinfo endpoint accepts
// for subject.
func (p *Provider) IssueAccessToken(subject string) string {
	token := "at-" + randomString(16)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessTokens[token] = subject
	return token
}

// DropTokenRequests makes the token endpoint close the next n connections
// without answering.
func (p *Provider) DropTokenRequests(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropTokenReqs = n
}

// FailTokenRequests makes the token endpoint answer every request with an
// OAuth2 error.
func (p *Provider) FailTokenRequests(status int, code, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenError = &tokenError{status: status, code: code, description: description}
}

func (p *Provider) OmitIDToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = omit
}

func (p *Provider) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

func (p *Provider) JwksCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jwksCalls
}

// LastTokenRequest returns the form of the last token request.
func (p *Provider) LastTokenRequest() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenForm
}

func (p *Provider) discovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, provider.DiscoveryDocument{
		Issuer:                           p.Issuer(),
		AuthorizationEndpoint:            p.Server.URL + "/authorize",
		TokenEndpoint:                    p.Server.URL + "/token",
		JwksURI:                          p.Server.URL + "/jwks",
		UserinfoEndpoint:                 p.Server.URL + "/userinfo",
		ResponseTypesSupported:           []string{"code"},
		CodeChallengeMethodsSupported:    []string{"S256"},
		IdTokenSigningAlgValuesSupported: []string{"RS256"},
	})
}

func (p *Provider) authorizeEndpoint(w http.ResponseWriter, r *http.Request) {
	callback, err := p.Authorize(r.URL.String(), map[string]any{"sub": "user"})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	redirectURI := r.URL.Query().Get("redirect_uri")
	http.Redirect(w, r, redirectURI+"?"+callback.Encode(), http.StatusFound)
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	p.mu.Lock()
	p.tokenCalls++
	p.lastTokenForm = r.PostForm
	drop := p.dropTokenReqs > 0
	if drop {
		p.dropTokenReqs--
	}
	failure := p.tokenError
	p.mu.Unlock()

	if drop {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			panic("response writer does not support hijacking")
		}
		conn, _, err := hijacker.Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}
	if failure != nil {
		writeError(w, failure.status, failure.code, failure.description)
		return
	}

	form := r.PostForm
	if form.Get("grant_type") != "authorization_code" {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if form.Get("client_id") != ClientID || form.Get("client_secret") != ClientSecret {
		writeError(w, http.StatusUnauthorized, "invalid_client", "")
		return
	}

	code := form.Get("code")
	p.mu.Lock()
	g, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_grant", "unknown code")
		return
	}
	if g.redirectURI != form.Get("redirect_uri") {
		writeError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if g.challenge != "" && g.challenge != s256(form.Get("code_verifier")) {
		writeError(w, http.StatusBadRequest, "invalid_grant", "code_verifier mismatch")
		return
	}

	sub, _ := g.claims["sub"].(string)
	resp := map[string]any{
		"access_token": p.IssueAccessToken(sub),
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	p.mu.Lock()
	omit := p.omitIDToken
	p.mu.Unlock()
	if !omit {
		idToken, err := p.Sign(p.IDTokenClaims(g.nonce, g.claims))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
			return
		}
		resp["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) jwks(w http.ResponseWriter, _ *http.Request) {
	p.mu.Lock()
	p.jwksCalls++
	set := p.published
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) userinfoEndpoint(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	p.mu.Lock()
	sub, known := p.accessTokens[token]
	claims := p.userinfo[sub]
	p.mu.Unlock()
	if !ok || !known {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if claims == nil {
		claims = map[string]any{"sub": sub}
	}
	writeJSON(w, http.StatusOK, claims)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomString(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
