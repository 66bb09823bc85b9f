package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCredentialStore struct {
	records map[string]UserRecord
	err     error
	reads   int
}

func (m *mockCredentialStore) FindByIdentity(_ context.Context, identity string) (*UserRecord, error) {
	m.reads++
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[identity]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *mockCredentialStore) ExistsByIdentity(ctx context.Context, identity string) (bool, error) {
	rec, err := m.FindByIdentity(ctx, identity)
	return rec != nil, err
}

func TestResolver_StoreRoleIsAuthoritative(t *testing.T) {
	store := &mockCredentialStore{records: map[string]UserRecord{
		"user@test.com": {ID: "u-1", Identity: "user@test.com", Role: RoleUser},
	}}
	resolver := NewResolver(store)

	// A forged or stale ADMIN claim must not escalate a stored USER.
	p, err := resolver.Resolve(context.Background(), "user@test.com", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, p.Role())
	assert.Equal(t, KindStoreBacked, p.Kind())
	assert.False(t, p.IsProvisional())

	rec, ok := p.Record()
	require.True(t, ok)
	assert.Equal(t, "u-1", rec.ID)
	assert.Equal(t, 1, store.reads)
}

func TestResolver_AbsentIdentityUsesClaimRole(t *testing.T) {
	resolver := NewResolver(&mockCredentialStore{records: map[string]UserRecord{}})

	p, err := resolver.Resolve(context.Background(), "octocat@github.oauth", RoleAnalyst)
	require.NoError(t, err)
	assert.Equal(t, "octocat@github.oauth", p.Identity())
	assert.Equal(t, RoleAnalyst, p.Role())
	assert.True(t, p.IsProvisional())

	_, ok := p.Record()
	assert.False(t, ok)
}

func TestResolver_NotResolvable(t *testing.T) {
	store := &mockCredentialStore{}
	resolver := NewResolver(store)

	for name, identity := range map[string]string{
		"empty":      "",
		"whitespace": "user @test.com",
		"control":    "user\x00@test.com",
		"too long":   strings.Repeat("a", 321),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := resolver.Resolve(context.Background(), identity, RoleUser)
			require.ErrorIs(t, err, ErrIdentityNotResolvable)
		})
	}
	assert.Zero(t, store.reads, "malformed identities must not reach the store")

	_, err := resolver.Resolve(context.Background(), "nobody@test.com", Role("ROOT"))
	require.ErrorIs(t, err, ErrIdentityNotResolvable)
}

func TestResolver_StoreFailure(t *testing.T) {
	resolver := NewResolver(&mockCredentialStore{err: errors.New("connection refused")})

	_, err := resolver.Resolve(context.Background(), "user@test.com", RoleUser)
	require.ErrorIs(t, err, ErrCredentialStoreUnavailable)
	assert.NotErrorIs(t, err, ErrIdentityNotResolvable)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := SetPrincipal(context.Background(), Provisional("a@test.com", RoleUser))
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "a@test.com", p.Identity())
}
