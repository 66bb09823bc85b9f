package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
)

// MountProbeRoutes mounts the /api/test endpoints used to check access rules
// from a client. Role gating is done by the authorization middleware.
func MountProbeRoutes(r chi.Router) {
	r.Route("/api/test", func(r chi.Router) {
		r.Get("/public", probe("Public content"))
		r.Get("/ping", probe("pong"))
		r.Get("/user", probe("User content"))
		r.Get("/analyst", probe("Analyst content"))
		r.Get("/admin", probe("Admin content"))
		r.Get("/me", HandleWhoAmI())
		r.Get("/check-auth", HandleWhoAmI())
	})
}

func probe(message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"message": message}
		if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			body["identity"] = p.Identity()
			body["role"] = p.Role().String()
		}
		writeJSON(w, http.StatusOK, body)
	}
}
