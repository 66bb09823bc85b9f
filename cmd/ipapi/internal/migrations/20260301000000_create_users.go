package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/globalip/ipapi/cmd/ipapi/internal/db/models"
)

func init() {
	Migrations.MustRegister(up_20260301000000, down_20260301000000)
}

// up_20260301000000 creates the users table
func up_20260301000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [up] creating users table...")

	if _, err := db.NewCreateTable().
		Model((*models.User)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}

	if _, err := db.NewCreateIndex().
		Model((*models.User)(nil)).
		Index("idx_users_role").
		Column("role").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create users role index: %w", err)
	}

	// SQLite cannot add a CHECK constraint to an existing table.
	if db.Dialect().Name() == dialect.PG {
		for _, stmt := range []string{
			`ALTER TABLE users DROP CONSTRAINT IF EXISTS users_role_check`,
			`ALTER TABLE users ADD CONSTRAINT users_role_check CHECK (role IN ('USER', 'ANALYST', 'ADMIN'))`,
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to add users role check: %w", err)
			}
		}
	}

	fmt.Println(" OK")
	return nil
}

// down_20260301000000 drops the users table
func down_20260301000000(ctx context.Context, db *bun.DB) error {
	fmt.Print(" [down] dropping users table...")

	if _, err := db.NewDropTable().
		Model((*models.User)(nil)).
		IfExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop users table: %w", err)
	}

	fmt.Println(" OK")
	return nil
}
