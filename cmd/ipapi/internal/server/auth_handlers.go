package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zitadel/oidc/v3/pkg/client/rp"
	"github.com/zitadel/oidc/v3/pkg/oidc"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/otp"
	"github.com/globalip/ipapi/cmd/ipapi/internal/services/iam"
)

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CodeRequest is the body of the login code endpoints.
type CodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// TokenResponse is returned by every successful login.
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"tokenType"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PrincipalResponse describes the caller.
type PrincipalResponse struct {
	Authenticated bool   `json:"authenticated"`
	Identity      string `json:"identity"`
	Role          string `json:"role"`
	Provisional   bool   `json:"provisional"`
	UserID        string `json:"userId,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
}

func tokenResponse(issued auth.IssuedToken) TokenResponse {
	return TokenResponse{Token: issued.Token, TokenType: "Bearer", ExpiresAt: issued.ExpiresAt}
}

// HandleLogin authenticates with email and password.
func HandleLogin(svc iam.Service, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Email == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "Missing email or password")
			return
		}

		issued, err := svc.LoginWithPassword(r.Context(), req.Email, req.Password)
		if err != nil {
			if errors.Is(err, auth.ErrCredentialStoreUnavailable) {
				logger.WithError(err).Error("password login failed")
				writeError(w, http.StatusInternalServerError, "Authentication backend unavailable")
				return
			}
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse(issued))
	}
}

// HandleRequestCode issues a one-time login code. The email may come from a
// JSON body, a form body or the query string.
func HandleRequestCode(svc iam.Service, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readCodeRequest(w, r)
		if !ok {
			return
		}
		if req.Email == "" {
			writeError(w, http.StatusBadRequest, "Missing email")
			return
		}

		if err := svc.RequestLoginCode(r.Context(), req.Email); err != nil {
			status, msg := loginCodeError(err)
			if status == http.StatusInternalServerError {
				logger.WithError(err).Error("login code request failed")
			}
			writeError(w, status, msg)
			return
		}
		writeJSON(w, http.StatusOK, MessageResponse{Message: "Login code sent"})
	}
}

// HandleVerifyCode redeems a one-time login code for a token.
func HandleVerifyCode(svc iam.Service, logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readCodeRequest(w, r)
		if !ok {
			return
		}
		if req.Email == "" || req.Code == "" {
			writeError(w, http.StatusBadRequest, "Missing email or code")
			return
		}

		issued, err := svc.VerifyLoginCode(r.Context(), req.Email, req.Code)
		if err != nil {
			status, msg := loginCodeError(err)
			if status == http.StatusInternalServerError {
				logger.WithError(err).Error("login code verification failed")
			}
			writeError(w, status, msg)
			return
		}
		writeJSON(w, http.StatusOK, tokenResponse(issued))
	}
}

func readCodeRequest(w http.ResponseWriter, r *http.Request) (CodeRequest, bool) {
	var req CodeRequest
	if isJSONRequest(r) {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return req, false
		}
	}
	if req.Email == "" {
		req.Email = r.FormValue("email")
	}
	if req.Code == "" {
		req.Code = r.FormValue("code")
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Code = strings.TrimSpace(req.Code)
	return req, true
}

// loginCodeError maps login code failures to a status and client message.
func loginCodeError(err error) (int, string) {
	switch {
	case errors.Is(err, otp.ErrCodeAlreadyOutstanding):
		return http.StatusUnauthorized, "OTP already sent"
	case errors.Is(err, otp.ErrCodeNotFound):
		return http.StatusUnauthorized, "No OTP found"
	case errors.Is(err, otp.ErrCodeExpired):
		return http.StatusUnauthorized, "OTP expired"
	case errors.Is(err, otp.ErrCodeMismatch):
		return http.StatusUnauthorized, "Invalid OTP"
	case errors.Is(err, iam.ErrUnknownIdentity):
		return http.StatusUnauthorized, "User not found"
	default:
		return http.StatusInternalServerError, "Authentication backend unavailable"
	}
}

// HandleSSOLogin starts the authorization code flow against the external
// identity provider. An optional redirect_uri query parameter names where the
// browser lands after the callback.
func HandleSSOLogin(rpAuth *auth.RelyingParty, logger logrus.FieldLogger) http.HandlerFunc {
	return handleSSOLogin(rpAuth, auth.GenerateNonce, logger)
}

func handleSSOLogin(rpAuth *auth.RelyingParty, newState func() (string, error), logger logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, err := newState()
		if err != nil {
			logger.WithError(err).Error("failed to generate oauth state")
			writeError(w, http.StatusInternalServerError, "External login unavailable")
			return
		}
		if redirectURI := r.URL.Query().Get("redirect_uri"); redirectURI != "" {
			auth.SetRedirectURICookie(w, r, redirectURI)
		}
		rp.AuthURLHandler(func() string { return state }, rpAuth.RP()).ServeHTTP(w, r)
	}
}

// HandleSSOCallback completes the authorization code flow and issues a token
// for the asserted identity. JSON clients get the token in the body; browsers
// are redirected with the token in the query string.
func HandleSSOCallback(rpAuth *auth.RelyingParty, svc iam.Service, allowedOrigins []string, logger logrus.FieldLogger) http.HandlerFunc {
	callback := func(w http.ResponseWriter, r *http.Request, tokens *oidc.Tokens[*oidc.IDTokenClaims], state string, provider rp.RelyingParty) {
		claims := tokens.IDTokenClaims
		issued, err := svc.LoginExternal(r.Context(), iam.ExternalIdentity{
			Subject:           claims.Subject,
			Email:             claims.Email,
			EmailVerified:     bool(claims.EmailVerified),
			Name:              claims.Name,
			PreferredUsername: claims.PreferredUsername,
		})
		if err != nil {
			logger.WithError(err).WithField("subject", claims.Subject).Warn("external login failed")
			if errors.Is(err, iam.ErrExternalIdentityIncomplete) {
				writeError(w, http.StatusUnauthorized, "External identity has no usable email")
				return
			}
			writeError(w, http.StatusInternalServerError, "External login failed")
			return
		}

		if acceptsJSON(r) {
			writeJSON(w, http.StatusOK, tokenResponse(issued))
			return
		}
		http.Redirect(w, r, redirectWithToken(auth.GetRedirectURICookie(w, r), issued.Token, allowedOrigins), http.StatusFound)
	}
	return rp.CodeExchangeHandler(callback, rpAuth.RP())
}

// redirectWithToken appends token to target. Absolute targets must belong to
// one of allowedOrigins; anything else falls back to "/".
func redirectWithToken(target, token string, allowedOrigins []string) string {
	u, err := url.Parse(target)
	if target == "" || err != nil || !safeRedirect(u, allowedOrigins) {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func safeRedirect(u *url.URL, allowedOrigins []string) bool {
	if !u.IsAbs() && u.Host == "" {
		return strings.HasPrefix(u.Path, "/") && !strings.HasPrefix(u.Path, "//")
	}
	origin := strings.ToLower(u.Scheme + "://" + u.Host)
	for _, allowed := range allowedOrigins {
		if strings.ToLower(strings.TrimRight(allowed, "/")) == origin {
			return true
		}
	}
	return false
}

// HandleWhoAmI describes the authenticated caller.
func HandleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		writeJSON(w, http.StatusOK, principalResponse(principal))
	}
}

func principalResponse(p auth.Principal) PrincipalResponse {
	resp := PrincipalResponse{
		Authenticated: true,
		Identity:      p.Identity(),
		Role:          p.Role().String(),
		Provisional:   p.IsProvisional(),
	}
	if rec, ok := p.Record(); ok {
		resp.UserID = rec.ID
		resp.DisplayName = rec.DisplayName
	}
	return resp
}
