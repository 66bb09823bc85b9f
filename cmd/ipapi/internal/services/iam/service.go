package iam

import (
	"context"
	"errors"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/models"
)

var (
	// ErrInvalidCredentials covers unknown accounts, accounts without a
	// password and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnknownIdentity is returned when a login code is requested or
	// redeemed for an identity without an account.
	ErrUnknownIdentity = errors.New("user not found")
	// ErrEmailExists is returned by Register for a taken email.
	ErrEmailExists = errors.New("email already exists")
	// ErrRoleNotSelfAssignable is returned by Register for privileged roles.
	ErrRoleNotSelfAssignable = errors.New("role cannot be self-assigned")
	// ErrInvalidRegistration wraps field validation failures.
	ErrInvalidRegistration = errors.New("invalid registration")
	// ErrExternalIdentityIncomplete is returned when a third-party assertion
	// carries neither an email nor a login name.
	ErrExternalIdentityIncomplete = errors.New("external identity has no email or login")
)

// Service mints bearer tokens for the supported login paths.
type Service interface {
	// LoginWithPassword checks identity/password against the credential store.
	LoginWithPassword(ctx context.Context, identity, password string) (auth.IssuedToken, error)

	// RequestLoginCode issues a one-time code and hands it to the code
	// delivery adapter. Delivery failures are logged, not returned.
	RequestLoginCode(ctx context.Context, identity string) error

	// VerifyLoginCode redeems a one-time code and issues a token for the
	// account it belongs to.
	VerifyLoginCode(ctx context.Context, identity, code string) (auth.IssuedToken, error)

	// LoginExternal maps a verified third-party identity to a principal with
	// the configured default role, provisioning a local account if enabled.
	LoginExternal(ctx context.Context, ext ExternalIdentity) (auth.IssuedToken, error)

	// Register creates a password account.
	Register(ctx context.Context, in RegisterInput) (*models.User, error)

	// ListUsers returns every account.
	ListUsers(ctx context.Context) ([]models.User, error)
}

// ExternalIdentity is the subset of a verified third-party assertion the
// login flow consumes.
type ExternalIdentity struct {
	Subject           string
	Email             string
	EmailVerified     bool
	Name              string
	PreferredUsername string
}

// RegisterInput is a self-service registration request.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Role     string
}

// CodeDelivery sends a login code to its owner out of band.
type CodeDelivery interface {
	Deliver(ctx context.Context, identity, code string) error
}
