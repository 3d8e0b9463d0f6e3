// Package login ties the provider registry, the authorization flow, token
// verification and the account binder together into a complete login.
package login

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gematik/zero-login/pkg/account"
	"github.com/gematik/zero-login/pkg/claims"
	"github.com/gematik/zero-login/pkg/flow"
	"github.com/gematik/zero-login/pkg/oidc"
	"github.com/gematik/zero-login/pkg/provider"
	"github.com/gematik/zero-login/pkg/settings"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRequestTimeout = 10 * time.Second
	discoveryConcurrency  = 4
)

// Result of a completed login.
type Result struct {
	UserID      string
	Created     bool
	Session     *account.Session
	Destination string
}

type Service struct {
	registry   *provider.Registry
	settings   *settings.Store
	client     *oidc.Client
	controller *flow.Controller
	attempts   flow.AttemptStore
	accounts   account.Store
	binder     *account.Binder
	metrics    *Metrics
	httpClient *http.Client
	now        func() time.Time
}

type Option func(*Service) error

// WithHTTPClient sets the client used for discovery, token, key and
// userinfo requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *Service) error {
		s.httpClient = httpClient
		return nil
	}
}

// WithAccountStore replaces the configured store. The service closes it on
// Close.
func WithAccountStore(store account.Store) Option {
	return func(s *Service) error {
		s.accounts = store
		return nil
	}
}

func WithAttemptStore(store flow.AttemptStore) Option {
	return func(s *Service) error {
		s.attempts = store
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		s.now = now
		return nil
	}
}

func New(ctx context.Context, cfg *Config, opts ...Option) (*Service, error) {
	cfg.applyDefaults()
	s := &Service{
		metrics: NewMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	timeout := cfg.Client.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: timeout}
	}

	clientOpts := []oidc.Option{
		oidc.WithHTTPClient(s.httpClient),
		oidc.WithClock(s.now),
		oidc.WithRequestTimeout(timeout),
	}
	if cfg.Client.ClockSkew > 0 {
		clientOpts = append(clientOpts, oidc.WithClockSkew(cfg.Client.ClockSkew))
	}
	client, err := oidc.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create oidc client: %w", err)
	}
	s.client = client

	configs, err := s.prepareProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.registry, err = provider.NewRegistry(configs...)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	s.settings = settings.NewStore(*cfg.Settings)

	if s.accounts == nil {
		if s.accounts, err = OpenAccountStore(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}
	if s.attempts == nil {
		if s.attempts, err = OpenAttemptStore(ctx, cfg.Attempts); err != nil {
			s.closeOnError()
			return nil, err
		}
	}

	controllerOpts := []flow.Option{
		flow.WithCallbackURL(cfg.BaseURL + "/callback"),
		flow.WithClock(s.now),
		flow.WithBrowserBinding(cfg.Attempts.BrowserBinding),
	}
	if cfg.Attempts.TTL > 0 {
		controllerOpts = append(controllerOpts, flow.WithAttemptTTL(cfg.Attempts.TTL))
	}
	s.controller, err = flow.NewController(s.registry, s.client, s.attempts, controllerOpts...)
	if err != nil {
		s.closeOnError()
		return nil, fmt.Errorf("create flow controller: %w", err)
	}

	s.binder = account.NewBinder(s.accounts, s.accounts, s.settings.RefreshPolicy)
	return s, nil
}

// prepareProviders discovers missing endpoints and applies the settings. A
// provider whose discovery fails stays configured, logins with it fail as
// misconfigured until the next reload.
func (s *Service) prepareProviders(ctx context.Context, cfg *Config) ([]provider.Config, error) {
	configs, err := cfg.Settings.Apply(cfg.Providers)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryConcurrency)
	for i := range configs {
		p := &configs[i]
		if !p.Enabled {
			continue
		}
		g.Go(func() error {
			if err := provider.Discover(gctx, s.httpClient, p); err != nil {
				slog.Warn("Provider discovery failed", "provider", p.ID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return configs, nil
}

// Reload replaces providers and settings with those of cfg. Callbacks of
// logins already started are handled with the new configuration.
func (s *Service) Reload(ctx context.Context, cfg *Config) error {
	cfg.applyDefaults()
	configs, err := s.prepareProviders(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.registry.Replace(configs); err != nil {
		return fmt.Errorf("replace providers: %w", err)
	}
	s.settings.Set(*cfg.Settings)
	slog.Info("Configuration reloaded", "providers", len(configs))
	return nil
}

// Providers returns the providers offered for login.
func (s *Service) Providers() []provider.Config {
	return s.registry.ListEnabled()
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// Begin starts a login with the provider and returns the URL to send the
// browser to together with the attempt.
func (s *Service) Begin(ctx context.Context, providerID, destination string) (string, *oidc.AuthAttempt, error) {
	authURL, attempt, err := s.controller.BeginLogin(ctx, providerID, destination)
	if err != nil {
		s.metrics.observeAttempt(s.providerLabel(providerID), "begin_"+oidc.Kind(err))
		return "", nil, err
	}
	return authURL, attempt, nil
}

// Complete handles the callback of a provider: the attempt is validated,
// the code exchanged, the ID token verified and the identity bound to a
// local user who then gets a new session.
func (s *Service) Complete(ctx context.Context, providerID string, params flow.CallbackParams) (*Result, error) {
	result, err := s.complete(ctx, providerID, params)
	outcome := outcomeSuccess
	if err != nil {
		outcome = oidc.Kind(err)
	}
	s.metrics.observeAttempt(s.providerLabel(providerID), outcome)
	return result, err
}

func (s *Service) complete(ctx context.Context, providerID string, params flow.CallbackParams) (*Result, error) {
	attempt, err := s.controller.HandleCallback(ctx, providerID, params)
	if err != nil {
		return nil, err
	}

	cfg, err := s.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	family, err := s.client.Family(&cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tokens, err := family.Exchange(ctx, &cfg, attempt, params.Code)
	s.metrics.observeExchange(cfg.ID, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	verified, err := family.Verify(ctx, &cfg, tokens, attempt)
	if err != nil {
		return nil, err
	}
	if cfg.FetchUserinfo && cfg.UserinfoEndpoint != "" {
		verified, err = s.client.FetchUserinfo(ctx, &cfg, tokens, verified)
		if err != nil {
			return nil, err
		}
	}

	current := s.settings.Get()
	attrs := claims.Map(verified, current.Mapping())

	bound, err := s.binder.Bind(ctx, cfg.ID, verified.Subject(), attrs)
	if err != nil {
		return nil, fmt.Errorf("bind identity: %w", err)
	}
	session, err := s.accounts.EstablishSession(ctx, bound.UserID)
	if err != nil {
		return nil, fmt.Errorf("establish session: %w", err)
	}

	slog.Info("Login completed", "provider", cfg.ID, "user_id", bound.UserID, "created", bound.Created, "attributes", len(attrs))
	return &Result{
		UserID:      bound.UserID,
		Created:     bound.Created,
		Session:     session,
		Destination: attempt.Destination,
	}, nil
}

// Session returns the live session with the id.
func (s *Service) Session(ctx context.Context, sessionID string) (*account.Session, error) {
	return s.accounts.LookupSession(ctx, sessionID)
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.accounts.EndSession(ctx, sessionID)
}

type sessionPurger interface {
	PurgeExpiredSessions(ctx context.Context) (int64, error)
}

// PurgeSessions removes expired sessions every interval until ctx is done.
// Stores that expire sessions on their own are left alone.
func (s *Service) PurgeSessions(ctx context.Context, interval time.Duration) {
	purger, ok := s.accounts.(sessionPurger)
	if !ok {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeExpiredSessions(ctx)
			if err != nil {
				slog.Error("Unable to purge sessions", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Purged expired sessions", "count", n)
			}
		}
	}
}

// providerLabel keeps unknown provider ids out of metric labels.
func (s *Service) providerLabel(providerID string) string {
	if _, err := s.registry.Get(providerID); errors.Is(err, provider.ErrNotFound) {
		return "unknown"
	}
	return providerID
}

func (s *Service) Close() error {
	var errs []error
	if closer, ok := s.attempts.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if s.accounts != nil {
		errs = append(errs, s.accounts.Close())
	}
	return errors.Join(errs...)
}

// closeOnError releases the stores of a service that failed to start.
func (s *Service) closeOnError() {
	if err := s.Close(); err != nil {
		slog.Warn("Unable to close stores", "error", err)
	}
}
