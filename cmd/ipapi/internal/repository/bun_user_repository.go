package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/bunx"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/models"
)

// BunUserRepository implements UserRepository using Bun ORM
type BunUserRepository struct {
	db *bun.DB
}

var _ UserRepository = (*BunUserRepository)(nil)

// NewBunUserRepository creates a new Bun-based user repository
func NewBunUserRepository(db *bun.DB) *BunUserRepository {
	return &BunUserRepository{db: db}
}

// Create inserts a new user. Email is lower-cased; ID and timestamps are
// filled in when empty.
func (r *BunUserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = bunx.NewUUIDv7()
	}
	user.Email = NormalizeEmail(user.Email)
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := r.db.NewInsert().
		Model(user).
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create user %s: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by their ID
func (r *BunUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get user by ID: %w", err)
	}
	return user, nil
}

// GetByEmail retrieves a user by their email
func (r *BunUserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user := new(models.User)
	err := r.db.NewSelect().
		Model(user).
		Where("email = ?", NormalizeEmail(email)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user with email %s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

// List returns all users ordered by email.
func (r *BunUserRepository) List(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db.NewSelect().
		Model(&users).
		Order("email ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UpdateLastLogin stamps the user's last successful login.
func (r *BunUserRepository) UpdateLastLogin(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := r.db.NewUpdate().
		Model((*models.User)(nil)).
		Set("last_login_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// FindByIdentity implements auth.CredentialStore. The identity is the
// account email; (nil, nil) means no record.
func (r *BunUserRepository) FindByIdentity(ctx context.Context, identity string) (*auth.UserRecord, error) {
	user, err := r.GetByEmail(ctx, identity)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ToUserRecord(user)
}

// ExistsByIdentity implements auth.CredentialStore.
func (r *BunUserRepository) ExistsByIdentity(ctx context.Context, identity string) (bool, error) {
	exists, err := r.db.NewSelect().
		Model((*models.User)(nil)).
		Where("email = ?", NormalizeEmail(identity)).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return exists, nil
}

// ToUserRecord converts a stored user into the credential store view. A role
// outside the enumeration is reported as an error rather than guessed.
func ToUserRecord(u *models.User) (*auth.UserRecord, error) {
	role, err := auth.ParseRole(u.Role)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", u.ID, err)
	}
	rec := &auth.UserRecord{
		ID:          u.ID,
		Identity:    u.Email,
		DisplayName: u.Username,
		Role:        role,
	}
	if u.PasswordHash != nil {
		rec.PasswordHash = *u.PasswordHash
	}
	return rec, nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
