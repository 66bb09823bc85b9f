package middleware

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/config"
)

// AuthzDependencies provides the collaborators needed for authorization decisions.
type AuthzDependencies struct {
	Policy *auth.RolePolicy
	Logger logrus.FieldLogger
}

// NewAuthzMiddleware enforces the role policy for every non-public route.
// Requests without a principal are rejected with 401; principals whose role
// the matching rule does not grant get 403.
func NewAuthzMiddleware(cfg config.SecurityConfig, deps AuthzDependencies) (func(http.Handler) http.Handler, error) {
	if deps.Policy == nil {
		return nil, errors.New("authz middleware requires a role policy")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	routes := newRouteClasses(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || auth.MatchAnyPrefix(r.URL.Path, routes.public) {
				next.ServeHTTP(w, r)
				return
			}

			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				unauthenticated(w)
				return
			}

			allowed, err := deps.Policy.Authorize(r.URL.Path, principal.Role())
			if err != nil {
				deps.Logger.WithError(err).WithField("path", r.URL.Path).Error("role policy evaluation failed")
				writeError(w, http.StatusInternalServerError, CodeAuthBackendUnavailable, "authorization error")
				return
			}
			if !allowed {
				deps.Logger.WithFields(logrus.Fields{
					"identity": principal.Identity(),
					"role":     principal.Role(),
					"path":     r.URL.Path,
				}).Debug("access denied by role policy")
				writeError(w, http.StatusForbidden, CodeForbidden, "access denied")
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}
