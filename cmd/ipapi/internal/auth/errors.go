package auth

import "errors"

// Token layer.
var (
	ErrExpiredCredential   = errors.New("credential expired")
	ErrMalformedCredential = errors.New("credential malformed")
	ErrInvalidCredential   = errors.New("credential invalid")
)

// Resolver layer.
var (
	ErrIdentityNotResolvable      = errors.New("identity not resolvable")
	ErrCredentialStoreUnavailable = errors.New("credential store unavailable")
)

// Request layer.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
)
