package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/config"
	"github.com/globalip/ipapi/cmd/ipapi/internal/telemetry"
)

// Authenticator outcomes, used as metric labels.
const (
	OutcomePreflight             = "preflight"
	OutcomePublic                = "public"
	OutcomeAnonymous             = "anonymous"
	OutcomeMissingCredential     = "missing_credential"
	OutcomeTokenExpired          = "token_expired"
	OutcomeTokenMalformed        = "token_malformed"
	OutcomeTokenInvalid          = "token_invalid"
	OutcomeIdentityNotResolvable = "identity_not_resolvable"
	OutcomeBackendUnavailable    = "backend_unavailable"
	OutcomeAuthenticated         = "authenticated"
)

// TokenVerifier checks a bearer token. *auth.TokenService satisfies it.
type TokenVerifier interface {
	Verify(token string) (auth.VerifiedClaims, error)
}

// PrincipalResolver turns verified claims into a Principal. *auth.Resolver
// satisfies it.
type PrincipalResolver interface {
	Resolve(ctx context.Context, identity string, claimRole auth.Role) (auth.Principal, error)
}

// AuthnDependencies bundles collaborators required by the authentication middleware.
type AuthnDependencies struct {
	Tokens   TokenVerifier
	Resolver PrincipalResolver
	Logger   logrus.FieldLogger
	Metrics  *telemetry.Metrics
}

// routeClasses is the request authenticator's view of SecurityConfig.
type routeClasses struct {
	public     []string
	protected  []string
	files      []string
	queryParam string
}

func newRouteClasses(cfg config.SecurityConfig) routeClasses {
	rc := routeClasses{
		public:     cfg.PublicPrefixes,
		protected:  cfg.ProtectedPrefixes,
		files:      cfg.FilePrefixes,
		queryParam: cfg.TokenQueryParam,
	}
	if rc.public == nil {
		rc.public = config.DefaultPublicPrefixes
	}
	if rc.protected == nil {
		rc.protected = config.DefaultProtectedPrefixes
	}
	if rc.files == nil {
		rc.files = config.DefaultFilePrefixes
	}
	if rc.queryParam == "" {
		rc.queryParam = "token"
	}
	return rc
}

// NewAuthnMiddleware builds the request authenticator. For each request it
// classifies the path, extracts and verifies the bearer credential, resolves
// the Principal and installs it on the request context. Rejections end the
// request with a JSON error body; nothing is retried.
func NewAuthnMiddleware(cfg config.SecurityConfig, deps AuthnDependencies) (func(http.Handler) http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errors.New("authn middleware requires a token verifier")
	}
	if deps.Resolver == nil {
		return nil, errors.New("authn middleware requires a principal resolver")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	routes := newRouteClasses(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path

			// STEP 1: CORS pre-flight bypasses every check
			if r.Method == http.MethodOptions {
				deps.Metrics.AuthOutcome(OutcomePreflight)
				next.ServeHTTP(w, r)
				return
			}

			// STEP 2: Public routes dispatch without a principal
			if auth.MatchAnyPrefix(path, routes.public) {
				deps.Metrics.AuthOutcome(OutcomePublic)
				next.ServeHTTP(w, r)
				return
			}

			// STEP 3/4: Extract the credential. File routes also accept the
			// query parameter because inline viewers cannot set headers.
			token, hasToken := bearerToken(r)
			if auth.MatchAnyPrefix(path, routes.files) {
				if q := r.URL.Query().Get(routes.queryParam); q != "" {
					token, hasToken = q, true
				}
			} else if !hasToken && auth.MatchAnyPrefix(path, routes.protected) {
				deps.Metrics.AuthOutcome(OutcomeMissingCredential)
				unauthenticated(w)
				return
			}
			if !hasToken {
				deps.Metrics.AuthOutcome(OutcomeAnonymous)
				next.ServeHTTP(w, r)
				return
			}

			// STEP 5: Verify signature, expiry and claims
			claims, err := deps.Tokens.Verify(token)
			if err != nil {
				outcome, code, msg := classifyVerifyError(err)
				deps.Metrics.AuthOutcome(outcome)
				writeError(w, http.StatusUnauthorized, code, msg)
				return
			}

			// STEP 6: Resolve the principal against the credential store
			principal, err := deps.Resolver.Resolve(r.Context(), claims.Identity, claims.Role)
			if err != nil {
				if errors.Is(err, auth.ErrCredentialStoreUnavailable) {
					deps.Logger.WithError(err).WithField("path", path).Error("credential store lookup failed")
					deps.Metrics.AuthOutcome(OutcomeBackendUnavailable)
					writeError(w, http.StatusInternalServerError, CodeAuthBackendUnavailable, "authentication backend unavailable")
					return
				}
				deps.Metrics.AuthOutcome(OutcomeIdentityNotResolvable)
				writeError(w, http.StatusUnauthorized, CodeIdentityNotResolvable, "identity could not be resolved")
				return
			}

			// STEP 7: Dispatch with the principal installed
			deps.Metrics.AuthOutcome(OutcomeAuthenticated)
			next.ServeHTTP(w, r.WithContext(auth.SetPrincipal(r.Context(), principal)))
		})
	}, nil
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

func classifyVerifyError(err error) (outcome, code, message string) {
	switch {
	case errors.Is(err, auth.ErrExpiredCredential):
		return OutcomeTokenExpired, CodeTokenExpired, "token expired"
	case errors.Is(err, auth.ErrMalformedCredential):
		return OutcomeTokenMalformed, CodeTokenMalformed, "token malformed"
	default:
		return OutcomeTokenInvalid, CodeTokenInvalid, "token invalid"
	}
}
