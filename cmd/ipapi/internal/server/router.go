package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/services/iam"
	"github.com/globalip/ipapi/cmd/ipapi/internal/telemetry"
)

// RouterOptions controls the construction of the HTTP router.
type RouterOptions struct {
	IAMService   iam.Service
	RelyingParty *auth.RelyingParty
	Metrics      *telemetry.Metrics
	Logger       logrus.FieldLogger

	// Authn and Authz are applied in that order after the shared middleware.
	Authn func(http.Handler) http.Handler
	Authz func(http.Handler) http.Handler

	CORSOptions *cors.Options
	FilesRoot   string
	Health      HealthInfo
	ExtraRoutes func(chi.Router)
}

// DefaultCORSOptions returns the CORS policy for the given browser origins.
func DefaultCORSOptions(origins []string) cors.Options {
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           3600,
	}
}

// NewRouter assembles a chi.Router with shared middleware, the
// authentication chain and every handler mounted.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions([]string{"http://localhost:3000"})
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))
	r.Use(opts.Metrics.Middleware)

	if opts.Authn != nil {
		r.Use(opts.Authn)
	}
	if opts.Authz != nil {
		r.Use(opts.Authz)
	}

	r.Get("/health", healthHandler(opts.Health))
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	if opts.IAMService != nil {
		svc := opts.IAMService
		r.Route("/api/auth", func(r chi.Router) {
			r.Post("/login", HandleLogin(svc, logger))
			r.Post("/request-code", HandleRequestCode(svc, logger))
			r.Post("/request-login", HandleRequestCode(svc, logger))
			r.Post("/verify-code", HandleVerifyCode(svc, logger))
			r.Post("/verify-login", HandleVerifyCode(svc, logger))
			r.Get("/whoami", HandleWhoAmI())
		})
		r.Post("/api/registration", HandleRegister(svc, logger))
		r.Get("/api/admin/users", HandleListUsers(svc, logger))
	} else {
		logger.Warn("IAM service not configured; login routes are not mounted")
	}

	if opts.RelyingParty != nil && opts.IAMService != nil {
		r.Get("/oauth2/authorization", HandleSSOLogin(opts.RelyingParty, logger))
		r.Get("/oauth2/callback", HandleSSOCallback(opts.RelyingParty, opts.IAMService, corsCfg.AllowedOrigins, logger))
	}

	MountProbeRoutes(r)
	r.Get("/api/analyst/dashboard", HandleAnalystDashboard())

	if opts.FilesRoot != "" {
		files := NewFileServer(opts.FilesRoot, logger)
		r.Get("/api/files/view/{name}", files.View())
		r.Get("/api/files/download/{name}", files.Download())
		r.Get("/uploads/*", files.Uploads())
	}

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}

	return r
}

// NewH2CHandler wraps the router with an h2c server to provide HTTP/2 over
// cleartext.
func NewH2CHandler(opts RouterOptions) http.Handler {
	return h2c.NewHandler(NewRouter(opts), &http2.Server{})
}
