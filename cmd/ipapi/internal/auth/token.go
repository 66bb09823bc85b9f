package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSigningKeyLength is the shortest accepted HMAC signing key, in bytes.
const MinSigningKeyLength = 32

// DefaultTokenTTL is the validity window for issued tokens.
const DefaultTokenTTL = 15 * time.Minute

// TokenClaims is the claim set carried by bearer tokens.
type TokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssuedToken is a freshly signed bearer token.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// VerifiedClaims is the result of a successful Verify.
type VerifiedClaims struct {
	Identity  string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
	TokenID   string
}

// TokenService issues and verifies HS256 bearer tokens. Verification uses
// only the token and the signing key.
type TokenService struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithTokenClock overrides the time source used for iat/exp and validation.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService creates a TokenService. ttl <= 0 selects DefaultTokenTTL.
func NewTokenService(key []byte, issuer string, ttl time.Duration, opts ...TokenOption) (*TokenService, error) {
	if len(key) < MinSigningKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinSigningKeyLength, len(key))
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	s := &TokenService{
		key:    append([]byte(nil), key...),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the validity window applied to issued tokens.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Issue signs a token for p.
func (s *TokenService) Issue(p Principal) (IssuedToken, error) {
	if p.Identity() == "" {
		return IssuedToken{}, fmt.Errorf("issue token: %w", ErrIdentityNotResolvable)
	}
	if !p.Role().Valid() {
		return IssuedToken{}, fmt.Errorf("issue token: unknown role %q", p.Role())
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := TokenClaims{
		Role: string(p.Role()),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.Identity(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return IssuedToken{Token: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks the token's signature, expiry and claims.
//
// Errors wrap exactly one of ErrExpiredCredential, ErrMalformedCredential or
// ErrInvalidCredential.
func (s *TokenService) Verify(token string) (VerifiedClaims, error) {
	claims := &TokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return VerifiedClaims{}, classifyTokenError(err)
	}

	if claims.Subject == "" {
		return VerifiedClaims{}, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return VerifiedClaims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	vc := VerifiedClaims{
		Identity:  claims.Subject,
		Role:      role,
		ExpiresAt: claims.ExpiresAt.Time,
		TokenID:   claims.ID,
	}
	if claims.IssuedAt != nil {
		vc.IssuedAt = claims.IssuedAt.Time
	}
	return vc, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpiredCredential, err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
}
