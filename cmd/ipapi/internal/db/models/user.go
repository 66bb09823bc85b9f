package models

import (
	"time"

	"github.com/uptrace/bun"
)

// User is a local account. PasswordHash is nil for accounts provisioned from
// a third-party login, which cannot sign in with a password.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           string     `bun:"id,pk,type:uuid"`
	Email        string     `bun:"email,notnull,unique"`
	Username     string     `bun:"username,notnull"`
	PasswordHash *string    `bun:"password_hash"`
	Role         string     `bun:"role,notnull,default:'USER'"`
	Provider     *string    `bun:"provider"` // third-party provider name for provisioned accounts
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	LastLoginAt  *time.Time `bun:"last_login_at"`
}

// HasPassword reports whether the account can sign in with a password.
func (u *User) HasPassword() bool {
	return u != nil && u.PasswordHash != nil && *u.PasswordHash != ""
}
