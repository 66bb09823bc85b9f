package auth

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"

	"github.com/globalip/ipapi/cmd/ipapi/internal/telemetry"
)

// maxIdentityLength bounds identities to the longest valid email address.
const maxIdentityLength = 320

// CredentialStore is the read contract the resolver needs from user storage.
// FindByIdentity returns (nil, nil) when no record exists.
type CredentialStore interface {
	FindByIdentity(ctx context.Context, identity string) (*UserRecord, error)
	ExistsByIdentity(ctx context.Context, identity string) (bool, error)
}

// Resolver turns a verified identity and role claim into a Principal.
type Resolver struct {
	store CredentialStore
}

// NewResolver creates a Resolver backed by store.
func NewResolver(store CredentialStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks identity up in the credential store. A stored record is
// authoritative and its role replaces claimRole. Without a record the
// principal is provisional and carries claimRole.
//
// Absence from the store is not an error. ErrIdentityNotResolvable is
// returned for empty or malformed identities and ErrCredentialStoreUnavailable
// wraps store failures.
func (r *Resolver) Resolve(ctx context.Context, identity string, claimRole Role) (Principal, error) {
	if err := ValidateIdentity(identity); err != nil {
		return Principal{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, "auth", "resolver.FindByIdentity",
		attribute.Bool("auth.claim_role_valid", claimRole.Valid()))
	defer span.End()

	rec, err := r.store.FindByIdentity(ctx, identity)
	if err != nil {
		telemetry.RecordError(span, err)
		return Principal{}, fmt.Errorf("%w: %v", ErrCredentialStoreUnavailable, err)
	}
	if rec != nil {
		if !rec.Role.Valid() {
			return Principal{}, fmt.Errorf("%w: stored role %q for %s", ErrCredentialStoreUnavailable, rec.Role, identity)
		}
		span.SetAttributes(attribute.String("auth.principal_kind", KindStoreBacked.String()))
		return StoreBacked(*rec), nil
	}

	if !claimRole.Valid() {
		return Principal{}, fmt.Errorf("%w: role claim %q", ErrIdentityNotResolvable, claimRole)
	}
	span.SetAttributes(attribute.String("auth.principal_kind", KindProvisional.String()))
	return Provisional(identity, claimRole), nil
}

// ValidateIdentity rejects empty identities, identities longer than an email
// address can be, and identities containing whitespace or control characters.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty identity", ErrIdentityNotResolvable)
	}
	if len(identity) > maxIdentityLength {
		return fmt.Errorf("%w: identity exceeds %d bytes", ErrIdentityNotResolvable, maxIdentityLength)
	}
	if strings.IndexFunc(identity, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar
	}) >= 0 {
		return fmt.Errorf("%w: identity contains invalid characters", ErrIdentityNotResolvable)
	}
	return nil
}
