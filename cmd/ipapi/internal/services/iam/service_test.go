package iam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/models"
	"github.com/globalip/ipapi/cmd/ipapi/internal/otp"
	"github.com/globalip/ipapi/cmd/ipapi/internal/repository"
)

// fakeUserRepository is a map-backed repository.UserRepository.
type fakeUserRepository struct {
	mu        sync.Mutex
	byEmail   map[string]*models.User
	nextID    int
	lastLogin map[string]int
	failWith  error
}

func newFakeUserRepository() *fakeUserRepository {
	return &fakeUserRepository{
		byEmail:   make(map[string]*models.User),
		lastLogin: make(map[string]int),
	}
}

func (r *fakeUserRepository) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	email := repository.NormalizeEmail(user.Email)
	if _, ok := r.byEmail[email]; ok {
		return repository.ErrDuplicate
	}
	r.nextID++
	user.ID = fmt.Sprintf("user-%d", r.nextID)
	user.Email = email
	cp := *user
	r.byEmail[email] = &cp
	return nil
}

func (r *fakeUserRepository) GetByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byEmail {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeUserRepository) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	u, ok := r.byEmail[repository.NormalizeEmail(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepository) List(_ context.Context) ([]models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.User, 0, len(r.byEmail))
	for _, u := range r.byEmail {
		out = append(out, *u)
	}
	return out, nil
}

func (r *fakeUserRepository) UpdateLastLogin(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastLogin[id]++
	return nil
}

func (r *fakeUserRepository) FindByIdentity(ctx context.Context, identity string) (*auth.UserRecord, error) {
	u, err := r.GetByEmail(ctx, identity)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return repository.ToUserRecord(u)
}

func (r *fakeUserRepository) ExistsByIdentity(_ context.Context, identity string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return false, r.failWith
	}
	_, ok := r.byEmail[repository.NormalizeEmail(identity)]
	return ok, nil
}

func (r *fakeUserRepository) seed(t *testing.T, email, password string, role auth.Role) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	h := string(hash)
	require.NoError(t, r.Create(context.Background(), &models.User{
		Email:        email,
		Username:     email,
		PasswordHash: &h,
		Role:         role.String(),
	}))
}

// recordingDelivery captures delivered codes.
type recordingDelivery struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (d *recordingDelivery) Deliver(_ context.Context, identity, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.codes == nil {
		d.codes = make(map[string]string)
	}
	d.codes[identity] = code
	return d.err
}

type fixture struct {
	svc      Service
	users    *fakeUserRepository
	tokens   *auth.TokenService
	delivery *recordingDelivery
	logs     *test.Hook
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	tokens, err := auth.NewTokenService([]byte("0123456789abcdef0123456789abcdef"), "ipapi-test", auth.DefaultTokenTTL)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	users := newFakeUserRepository()
	delivery := &recordingDelivery{}
	cfg.BcryptCost = bcrypt.MinCost

	svc, err := NewService(Dependencies{
		Users:    users,
		Tokens:   tokens,
		Codes:    otp.NewMemoryRegistry(),
		Delivery: delivery,
		Logger:   logger,
	}, cfg)
	require.NoError(t, err)

	return &fixture{svc: svc, users: users, tokens: tokens, delivery: delivery, logs: hook}
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(Dependencies{}, Config{})
	require.Error(t, err)

	tokens, err := auth.NewTokenService([]byte("0123456789abcdef0123456789abcdef"), "x", 0)
	require.NoError(t, err)
	_, err = NewService(Dependencies{
		Users:  newFakeUserRepository(),
		Tokens: tokens,
		Codes:  otp.NewMemoryRegistry(),
	}, Config{ExternalDefaultRole: auth.Role("ROOT")})
	require.Error(t, err)
}

func TestLoginWithPassword(t *testing.T) {
	f := newFixture(t, Config{})
	f.users.seed(t, "analyst@test.com", "analyst123", auth.RoleAnalyst)
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		issued, err := f.svc.LoginWithPassword(ctx, " Analyst@Test.com ", "analyst123")
		require.NoError(t, err)

		claims, err := f.tokens.Verify(issued.Token)
		require.NoError(t, err)
		assert.Equal(t, "analyst@test.com", claims.Identity)
		assert.Equal(t, auth.RoleAnalyst, claims.Role)
		assert.Equal(t, 1, f.users.lastLogin["user-1"])
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := f.svc.LoginWithPassword(ctx, "analyst@test.com", "nope")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := f.svc.LoginWithPassword(ctx, "ghost@test.com", "analyst123")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("store failure", func(t *testing.T) {
		f.users.failWith = errors.New("connection refused")
		defer func() { f.users.failWith = nil }()

		_, err := f.svc.LoginWithPassword(ctx, "analyst@test.com", "analyst123")
		assert.ErrorIs(t, err, auth.ErrCredentialStoreUnavailable)
	})
}

func TestLoginWithPassword_ExternalAccountHasNoPassword(t *testing.T) {
	f := newFixture(t, Config{ExternalProvider: "github", AutoProvision: true})
	ctx := context.Background()

	_, err := f.svc.LoginExternal(ctx, ExternalIdentity{Email: "dev@corp.com", EmailVerified: true})
	require.NoError(t, err)

	_, err = f.svc.LoginWithPassword(ctx, "dev@corp.com", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginCodeFlow(t *testing.T) {
	f := newFixture(t, Config{})
	f.users.seed(t, "user@test.com", "user123", auth.RoleUser)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestLoginCode(ctx, "user@test.com"))
	code := f.delivery.codes["user@test.com"]
	require.Len(t, code, otp.CodeLength)

	err := f.svc.RequestLoginCode(ctx, "user@test.com")
	assert.ErrorIs(t, err, otp.ErrCodeAlreadyOutstanding)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err = f.svc.VerifyLoginCode(ctx, "user@test.com", wrong)
	assert.ErrorIs(t, err, otp.ErrCodeMismatch)

	issued, err := f.svc.VerifyLoginCode(ctx, "user@test.com", code)
	require.NoError(t, err)
	claims, err := f.tokens.Verify(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "user@test.com", claims.Identity)
	assert.Equal(t, auth.RoleUser, claims.Role)

	_, err = f.svc.VerifyLoginCode(ctx, "user@test.com", code)
	assert.ErrorIs(t, err, otp.ErrCodeNotFound)
}

func TestRequestLoginCode_UnknownIdentity(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.RequestLoginCode(ctx, "ghost@test.com"), ErrUnknownIdentity)
	assert.ErrorIs(t, f.svc.RequestLoginCode(ctx, ""), ErrUnknownIdentity)
	assert.Empty(t, f.delivery.codes)
}

func TestRequestLoginCode_DeliveryFailureIsLogged(t *testing.T) {
	f := newFixture(t, Config{})
	f.users.seed(t, "user@test.com", "user123", auth.RoleUser)
	f.delivery.err = errors.New("smtp down")

	require.NoError(t, f.svc.RequestLoginCode(context.Background(), "user@test.com"))

	entry := f.logs.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "login code delivery failed", entry.Message)
	assert.NotContains(t, entry.Data, "code")
}

func TestLoginExternal(t *testing.T) {
	ctx := context.Background()

	t.Run("uses default role and provisions account", func(t *testing.T) {
		f := newFixture(t, Config{ExternalProvider: "google", ExternalDefaultRole: auth.RoleUser, AutoProvision: true})

		issued, err := f.svc.LoginExternal(ctx, ExternalIdentity{Subject: "123", Email: "Jane@Example.com", EmailVerified: true, Name: "Jane"})
		require.NoError(t, err)

		claims, err := f.tokens.Verify(issued.Token)
		require.NoError(t, err)
		assert.Equal(t, "jane@example.com", claims.Identity)
		assert.Equal(t, auth.RoleUser, claims.Role)

		user, err := f.users.GetByEmail(ctx, "jane@example.com")
		require.NoError(t, err)
		assert.Equal(t, "Jane", user.Username)
		assert.False(t, user.HasPassword())
		require.NotNil(t, user.Provider)
		assert.Equal(t, "google", *user.Provider)
	})

	t.Run("stored role is not copied into the token", func(t *testing.T) {
		f := newFixture(t, Config{ExternalProvider: "google", AutoProvision: true})
		f.users.seed(t, "admin@test.com", "admin123", auth.RoleAdmin)

		issued, err := f.svc.LoginExternal(ctx, ExternalIdentity{Email: "admin@test.com", EmailVerified: true})
		require.NoError(t, err)
		claims, err := f.tokens.Verify(issued.Token)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleUser, claims.Role)
	})

	t.Run("unverified email does not map onto a stored account", func(t *testing.T) {
		f := newFixture(t, Config{ExternalProvider: "google", AutoProvision: true})
		f.users.seed(t, "admin@test.com", "admin123", auth.RoleAdmin)

		issued, err := f.svc.LoginExternal(ctx, ExternalIdentity{Subject: "attacker-sub", Email: "admin@test.com"})
		require.NoError(t, err)
		claims, err := f.tokens.Verify(issued.Token)
		require.NoError(t, err)
		assert.Equal(t, "attacker-sub@google.oauth", claims.Identity)

		principal, err := auth.NewResolver(f.users).Resolve(ctx, claims.Identity, claims.Role)
		require.NoError(t, err)
		assert.Equal(t, auth.RoleUser, principal.Role())
		assert.NotEqual(t, "admin@test.com", principal.Identity())
	})

	t.Run("fallback identity from login name", func(t *testing.T) {
		f := newFixture(t, Config{ExternalProvider: "GitHub"})

		issued, err := f.svc.LoginExternal(ctx, ExternalIdentity{Subject: "99", PreferredUsername: "octocat"})
		require.NoError(t, err)
		claims, err := f.tokens.Verify(issued.Token)
		require.NoError(t, err)
		assert.Equal(t, "octocat@github.oauth", claims.Identity)

		exists, err := f.users.ExistsByIdentity(ctx, "octocat@github.oauth")
		require.NoError(t, err)
		assert.False(t, exists, "auto-provisioning disabled")
	})

	t.Run("no usable identity", func(t *testing.T) {
		f := newFixture(t, Config{})
		_, err := f.svc.LoginExternal(ctx, ExternalIdentity{})
		assert.ErrorIs(t, err, ErrExternalIdentityIncomplete)
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	user, err := f.svc.Register(ctx, RegisterInput{Username: "bob", Email: "Bob@Test.com", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "bob@test.com", user.Email)
	assert.Equal(t, auth.RoleUser.String(), user.Role)
	require.NotNil(t, user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte("secret")))

	_, err = f.svc.Register(ctx, RegisterInput{Username: "bob2", Email: "bob@test.com", Password: "secret"})
	assert.ErrorIs(t, err, ErrEmailExists)

	_, err = f.svc.Register(ctx, RegisterInput{Username: "eve", Email: "eve@test.com", Password: "secret", Role: "ROLE_ADMIN"})
	assert.ErrorIs(t, err, ErrRoleNotSelfAssignable)

	_, err = f.svc.Register(ctx, RegisterInput{Username: "carol", Email: "carol@test.com", Password: "secret", Role: "user"})
	assert.NoError(t, err)

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"missing email", RegisterInput{Username: "x", Password: "p"}},
		{"bad email", RegisterInput{Username: "x", Email: "not-an-email", Password: "p"}},
		{"missing username", RegisterInput{Email: "x@test.com", Password: "p"}},
		{"missing password", RegisterInput{Username: "x", Email: "x@test.com"}},
		{"unknown role", RegisterInput{Username: "x", Email: "x@test.com", Password: "p", Role: "ROOT"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(ctx, tt.in)
			assert.ErrorIs(t, err, ErrInvalidRegistration)
		})
	}

	users, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}
