package auth

// PrincipalKind distinguishes how a principal was established.
type PrincipalKind int

const (
	// KindStoreBacked principals were hydrated from a credential store record.
	KindStoreBacked PrincipalKind = iota + 1
	// KindProvisional principals were synthesized from verified token claims
	// because the credential store holds no record for the identity.
	KindProvisional
)

func (k PrincipalKind) String() string {
	switch k {
	case KindStoreBacked:
		return "store"
	case KindProvisional:
		return "provisional"
	default:
		return "unknown"
	}
}

// UserRecord is the credential store's view of an account.
type UserRecord struct {
	ID           string
	Identity     string
	DisplayName  string
	PasswordHash string
	Role         Role
}

// Principal is the resolved identity and role for one request. It is
// immutable; construct it with StoreBacked or Provisional.
//
// Callers that must only trust accounts known to the credential store should
// use Record, which reports false for provisional principals.
type Principal struct {
	kind     PrincipalKind
	identity string
	role     Role
	record   UserRecord
}

// StoreBacked builds a principal whose identity and role come from rec.
func StoreBacked(rec UserRecord) Principal {
	return Principal{
		kind:     KindStoreBacked,
		identity: rec.Identity,
		role:     rec.Role,
		record:   rec,
	}
}

// Provisional builds a principal from token claims alone.
func Provisional(identity string, role Role) Principal {
	return Principal{
		kind:     KindProvisional,
		identity: identity,
		role:     role,
	}
}

func (p Principal) Identity() string    { return p.identity }
func (p Principal) Role() Role          { return p.role }
func (p Principal) Kind() PrincipalKind { return p.kind }

// IsProvisional reports whether the principal has no credential store record.
func (p Principal) IsProvisional() bool { return p.kind == KindProvisional }

// Record returns the backing store record. ok is false for provisional principals.
func (p Principal) Record() (rec UserRecord, ok bool) {
	if p.kind != KindStoreBacked {
		return UserRecord{}, false
	}
	return p.record, true
}
