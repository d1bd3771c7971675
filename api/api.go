// Package api serves the account, API key and CLI pairing endpoints.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/coditime/accounts"
	"github.com/jmcleod/coditime/auth"
	"github.com/jmcleod/coditime/cliaccess"
	"github.com/jmcleod/coditime/recaptcha"
	"github.com/jmcleod/coditime/session"
	"github.com/jmcleod/coditime/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	accounts  *accounts.Service
	sessions  session.Store
	resolver  *auth.Resolver
	extractor auth.Extractor
	cli       *cliaccess.Exchange
	recaptcha *recaptcha.Verifier
	audit     *auditLogger
	logger    *slog.Logger

	loginLimiter       *backoffLimiter
	loginIPLimiter     *backoffLimiter
	loginGlobalLimiter *windowLimiter
	regIPLimiter       *backoffLimiter
	regGlobalLimiter   *windowLimiter
	cliInitLimiter     *backoffLimiter

	trustedProxies     []netip.Prefix
	homeURL            string
	publicRegistration bool
	startedAt          time.Time

	alertFn           AlertFunc
	webhookURL        string
	webhookAuthHeader string

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
	closeOnce       sync.Once
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request handling and audit events.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithExtractor sets how credentials are read from requests.
func WithExtractor(e auth.Extractor) Option {
	return func(a *API) { a.extractor = e }
}

// WithTrustedProxies sets the proxies whose forwarding headers are believed
// when determining the client IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithHomeURL sets the public base URL used to build CLI approval links.
func WithHomeURL(url string) Option {
	return func(a *API) { a.homeURL = strings.TrimRight(url, "/") }
}

// WithPublicRegistration allows anyone to register after the first user.
func WithPublicRegistration(enabled bool) Option {
	return func(a *API) { a.publicRegistration = enabled }
}

// WithRecaptcha sets the reCAPTCHA verifier.
func WithRecaptcha(v *recaptcha.Verifier) Option {
	return func(a *API) { a.recaptcha = v }
}

// WithAlertFunc receives alerts raised from audit event rates.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithAuditWebhook forwards audit events to url. authHeader is an optional
// "Name: value" header sent with every request.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuthHeader = authHeader
	}
}

// New creates a new API instance.
func New(accts *accounts.Service, sessions session.Store, cli *cliaccess.Exchange, opts ...Option) *API {
	a := &API{
		accounts:           accts,
		sessions:           sessions,
		cli:                cli,
		logger:             slog.Default(),
		loginLimiter:       newLoginLimiter(),
		loginIPLimiter:     newLoginIPLimiter(),
		loginGlobalLimiter: newLoginGlobalLimiter(),
		regIPLimiter:       newRegistrationIPLimiter(),
		regGlobalLimiter:   newRegistrationGlobalLimiter(),
		cliInitLimiter:     newCLIInitLimiter(),
		startedAt:          time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.recaptcha == nil {
		a.recaptcha = recaptcha.New(recaptcha.Config{}, nil, a.logger)
	}
	a.resolver = auth.NewResolver(sessions, accts.Store(), accts.Store(), a.logger)
	a.audit = newAuditLogger(a.logger, a.clientIP)
	a.audit.metrics = newMetricsCollector(a.alertFn)
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookAuthHeader)
	}
	a.startMaintenance(limiterSweepInterval)
	return a
}

// Close stops background maintenance and flushes pending audit webhook
// deliveries. It is safe to call more than once.
func (a *API) Close() {
	a.closeOnce.Do(func() {
		if a.stopMaintenance != nil {
			close(a.stopMaintenance)
			<-a.maintenanceDone
		}
		if a.audit != nil && a.audit.webhook != nil {
			a.audit.webhook.close()
		}
	})
}

// Router returns a chi.Router with all API routes mounted. It is meant to
// be mounted at /api.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/redoc",
	}, nil))

	r.Get("/state", a.State)
	r.Post("/register", a.Register)
	r.Post("/login", a.Login)
	r.Post("/logout", a.Logout)
	r.Get("/user/{idOrName}", a.GetUser)

	r.Route("/me", func(r chi.Router) {
		r.With(a.authenticate).Get("/", a.Me)
		r.With(a.requireSession).Put("/update/password", a.UpdatePassword)
		r.With(a.authenticate, requirePermission(storage.PermissionReadUsage)).Get("/api-keys", a.ListAPIKeys)
		r.With(a.requireSession).Post("/api-keys", a.CreateAPIKey)
		r.With(a.requireSession).Delete("/api-keys/{keyID}", a.RevokeAPIKey)
	})

	r.Route("/cli", func(r chi.Router) {
		r.Post("/init-session", a.InitCLISession)
		r.Get("/retrieve-result/{key}", a.RetrieveCLIResult)
		r.Get("/pending/{key}", a.PendingCLIAccess)
		r.Post("/complete-access/{key}", a.CompleteCLIAccess)
	})

	return r
}
