package bunx

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string for primary keys. It works
// on both PostgreSQL and SQLite, unlike gen_random_uuid().
//
// It panics only if the system entropy source fails.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
