package otp

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	code      string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool { return !now.Before(e.expiresAt) }

// MemoryRegistry keeps codes in a concurrent map. Every mutation runs inside
// xsync's per-key Compute, so request and verify for the same identity are
// serialized while unrelated identities proceed in parallel.
type MemoryRegistry struct {
	codes *xsync.MapOf[string, entry]
	opts  options
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	return &MemoryRegistry{
		codes: xsync.NewMapOf[string, entry](),
		opts:  buildOptions(opts),
	}
}

// Request issues a new code for identity.
func (m *MemoryRegistry) Request(_ context.Context, identity string) (string, error) {
	code, err := m.opts.generate()
	if err != nil {
		return "", err
	}

	now := m.opts.now()
	var outcome error
	m.codes.Compute(identity, func(old entry, loaded bool) (entry, bool) {
		if loaded && !old.expired(now) {
			outcome = ErrCodeAlreadyOutstanding
			return old, false
		}
		return entry{code: code, expiresAt: now.Add(m.opts.ttl)}, false
	})
	if outcome != nil {
		return "", outcome
	}
	return code, nil
}

// Verify checks code against the outstanding code for identity.
func (m *MemoryRegistry) Verify(_ context.Context, identity, code string) error {
	now := m.opts.now()
	var outcome error
	m.codes.Compute(identity, func(old entry, loaded bool) (entry, bool) {
		switch {
		case !loaded:
			outcome = ErrCodeNotFound
			return old, true
		case old.expired(now):
			outcome = ErrCodeExpired
			return old, true
		case subtle.ConstantTimeCompare([]byte(old.code), []byte(code)) != 1:
			outcome = ErrCodeMismatch
			return old, false
		default:
			return old, true
		}
	})
	return outcome
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryRegistry) Sweep() int {
	now := m.opts.now()
	removed := 0
	m.codes.Range(func(identity string, e entry) bool {
		if !e.expired(now) {
			return true
		}
		m.codes.Compute(identity, func(cur entry, loaded bool) (entry, bool) {
			if loaded && cur.expired(now) {
				removed++
				return cur, true
			}
			return cur, !loaded
		})
		return true
	})
	return removed
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryRegistry) Len() int { return m.codes.Size() }
