// Package loginweb serves the login endpoints of a login.Service over HTTP.
package loginweb

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gematik/zero-login/pkg/flow"
	"github.com/gematik/zero-login/pkg/login"
	"github.com/gematik/zero-login/pkg/oidc"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

var (
	//go:embed *.html
	templatesFS embed.FS
)

const (
	stateKey   = "state"
	sessionKey = "sid"
)

type web struct {
	service    *login.Service
	cookieName string
	errorPage  *template.Template
	loginPage  *template.Template
	logoutPage *template.Template
}

// NewServer returns an echo instance serving the login endpoints at the root.
func NewServer(service *login.Service, cfg *login.Config) *echo.Echo {
	root := echo.New()
	root.HideBanner = true
	root.HidePort = true
	root.Use(middleware.Recover())
	root.Use(RequestLogger())
	MountRoutes(root.Group(""), service, cfg)
	return root
}

func MountRoutes(g *echo.Group, service *login.Service, cfg *login.Config) {
	w := &web{
		service:    service,
		cookieName: cfg.Cookie.Name,
		errorPage:  template.Must(template.ParseFS(templatesFS, "error.html", "layout.html")),
		loginPage:  template.Must(template.ParseFS(templatesFS, "login.html", "layout.html")),
		logoutPage: template.Must(template.ParseFS(templatesFS, "logout.html", "layout.html")),
	}

	store := sessions.NewCookieStore([]byte(cfg.Cookie.Secret))
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   cfg.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}

	g.Use(ErrorLogMiddleware)
	g.Use(session.Middleware(store))

	var limiters []echo.MiddlewareFunc
	if cfg.RateLimit.PerSecond > 0 {
		limiters = append(limiters, middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:  rate.Limit(cfg.RateLimit.PerSecond),
				Burst: cfg.RateLimit.Burst,
			}),
		}))
	}

	g.GET("/login", w.chooseProvider)
	g.GET("/login/:provider", w.login, limiters...)
	g.GET("/callback/:provider", w.callback)
	g.GET("/providers", w.providers)
	// GET only asks for confirmation, a cross-site link must not end the
	// session. The Lax cookie is not sent with cross-site POSTs.
	g.GET("/logout", w.confirmLogout)
	g.POST("/logout", w.logout)
	g.GET("/metrics", echo.WrapHandler(service.Metrics().Handler()))
}

// ErrorLogMiddleware logs errors returned by handlers. Headers are left
// out, they carry the session cookie.
func ErrorLogMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err != nil {
			slog.Error("Error", "error", err, "path", c.Path(), "remote_addr", c.RealIP())
		}
		return err
	}
}

// RequestLogger logs every request with its path only. The query of a
// callback carries the authorization code.
func RequestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("Request", "method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency)
			return nil
		},
	})
}

type providerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	LogoURI string `json:"logo_uri,omitempty"`
}

func (w *web) providerInfos() []providerInfo {
	providers := w.service.Providers()
	infos := make([]providerInfo, 0, len(providers))
	for _, p := range providers {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		infos = append(infos, providerInfo{ID: p.ID, Name: name, LogoURI: p.LogoURI})
	}
	return infos
}

func (w *web) providers(c echo.Context) error {
	return c.JSON(http.StatusOK, w.providerInfos())
}

func (w *web) chooseProvider(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	return w.loginPage.Execute(c.Response().Writer, map[string]any{
		"providers":   w.providerInfos(),
		"destination": flow.SanitizeDestination(c.QueryParam("destination")),
	})
}

func (w *web) login(c echo.Context) error {
	providerID := c.Param("provider")
	authURL, attempt, err := w.service.Begin(c.Request().Context(), providerID, c.QueryParam("destination"))
	if err != nil {
		return w.showError(c, providerID, err)
	}

	sess, err := w.session(c)
	if err != nil {
		return err
	}
	sess.Values[stateKey] = attempt.State
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return err
	}

	return c.Redirect(http.StatusFound, authURL)
}

func (w *web) callback(c echo.Context) error {
	providerID := c.Param("provider")
	params := flow.CallbackParamsFromQuery(c.QueryParams())

	sess, err := w.session(c)
	if err != nil {
		return err
	}
	if state, ok := sess.Values[stateKey].(string); ok {
		params.BoundState = state
	}
	delete(sess.Values, stateKey)

	result, err := w.service.Complete(c.Request().Context(), providerID, params)
	if err != nil {
		if saveErr := sess.Save(c.Request(), c.Response()); saveErr != nil {
			slog.Error("Unable to save session", "error", saveErr)
		}
		return w.showError(c, providerID, err)
	}

	sess.Values[sessionKey] = result.Session.ID
	sess.Options.MaxAge = int(time.Until(result.Session.ExpiresAt).Seconds())
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return err
	}

	return c.Redirect(http.StatusFound, result.Destination)
}

func (w *web) confirmLogout(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	return w.logoutPage.Execute(c.Response().Writer, nil)
}

func (w *web) logout(c echo.Context) error {
	sess, err := w.session(c)
	if err != nil {
		return err
	}
	if sid, ok := sess.Values[sessionKey].(string); ok {
		if err := w.service.Logout(c.Request().Context(), sid); err != nil {
			slog.Error("Unable to end session", "error", err)
		}
	}
	sess.Options.MaxAge = -1
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return err
	}
	return c.Redirect(http.StatusSeeOther, "/")
}

// session returns the cookie session. A cookie that fails verification is
// replaced by a new session.
func (w *web) session(c echo.Context) (*sessions.Session, error) {
	sess, err := session.Get(w.cookieName, c)
	if sess == nil {
		return nil, err
	}
	if err != nil {
		slog.Debug("Discarding invalid session cookie", "error", err)
	}
	return sess, nil
}

// showError renders the failure page. Only the error kind is shown, the
// details go to the log.
func (w *web) showError(c echo.Context, providerID string, err error) error {
	kind := oidc.Kind(err)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Login failed", "provider", providerID, "kind", kind, "error", err)
	} else {
		slog.Warn("Login failed", "provider", providerID, "kind", kind, "error", err)
	}

	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(status)
	return w.errorPage.Execute(c.Response().Writer, map[string]any{
		"kind": kind,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, oidc.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, oidc.ErrInvalidState),
		errors.Is(err, oidc.ErrMalformedCallback):
		return http.StatusBadRequest
	case errors.Is(err, oidc.ErrProviderDenied),
		errors.Is(err, oidc.ErrSignatureInvalid),
		errors.Is(err, oidc.ErrClaimMismatch),
		errors.Is(err, oidc.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, oidc.ErrNetwork),
		errors.Is(err, oidc.ErrTokenEndpoint),
		errors.Is(err, oidc.ErrUserinfo):
		return http.StatusBadGateway
	case errors.Is(err, oidc.ErrMisconfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
