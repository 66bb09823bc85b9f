package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zitadel/oidc/v3/pkg/client/rp"
	httphelper "github.com/zitadel/oidc/v3/pkg/http"

	"github.com/globalip/ipapi/cmd/ipapi/internal/config"
)

const redirectURICookie = "ipapi.redirect_uri"

// RelyingParty performs the authorization code flow against the configured
// third-party identity provider.
type RelyingParty struct {
	rp       rp.RelyingParty
	provider string
}

// NewRelyingParty discovers the external IdP and prepares the code exchange.
func NewRelyingParty(ctx context.Context, cfg *config.ExternalIdPConfig) (*RelyingParty, error) {
	hashKey, err := generateRandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cookie hash key: %w", err)
	}
	cryptoKey, err := generateRandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cookie crypto key: %w", err)
	}

	cookieOpts := []httphelper.CookieHandlerOpt{}
	if cfg.InsecureCookies {
		cookieOpts = append(cookieOpts, httphelper.WithUnsecure())
	}
	cookieHandler := httphelper.NewCookieHandler(hashKey, cryptoKey, cookieOpts...)

	options := []rp.Option{
		rp.WithCookieHandler(cookieHandler),
		rp.WithVerifierOpts(rp.WithIssuedAtMaxAge(10 * time.Second)),
		rp.WithPKCE(cookieHandler),
	}

	relyingParty, err := rp.NewRelyingPartyOIDC(ctx, cfg.Issuer, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI,
		cfg.Scopes, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC relying party: %w", err)
	}

	return &RelyingParty{rp: relyingParty, provider: cfg.Provider}, nil
}

// RP exposes the underlying zitadel relying party for the library handlers.
func (r *RelyingParty) RP() rp.RelyingParty { return r.rp }

// Provider is the short provider name used for fallback identities.
func (r *RelyingParty) Provider() string { return r.provider }

func generateRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// GenerateNonce returns a URL-safe random string for OAuth state values.
func GenerateNonce() (string, error) {
	b, err := generateRandomBytes(32)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SetRedirectURICookie remembers where to send the browser after the callback.
func SetRedirectURICookie(w http.ResponseWriter, r *http.Request, redirectURI string) {
	http.SetCookie(w, &http.Cookie{
		Name:     redirectURICookie,
		Value:    redirectURI,
		Path:     "/",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// GetRedirectURICookie returns and clears the stored redirect target.
func GetRedirectURICookie(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(redirectURICookie)
	if err != nil {
		return ""
	}
	http.SetCookie(w, &http.Cookie{
		Name:     redirectURICookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	return cookie.Value
}
