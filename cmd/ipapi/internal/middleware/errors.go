package middleware

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes returned by the authentication chain.
const (
	CodeUnauthenticated        = "UNAUTHENTICATED"
	CodeTokenExpired           = "TOKEN_EXPIRED"
	CodeTokenMalformed         = "TOKEN_MALFORMED"
	CodeTokenInvalid           = "TOKEN_INVALID"
	CodeIdentityNotResolvable  = "IDENTITY_NOT_RESOLVABLE"
	CodeForbidden              = "FORBIDDEN"
	CodeAuthBackendUnavailable = "AUTH_BACKEND_UNAVAILABLE"
)

// ErrorBody is the JSON body of every rejection.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="ipapi"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: message, Code: code})
}

func unauthenticated(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "authentication required")
}
