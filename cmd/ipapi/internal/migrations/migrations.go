// Package migrations holds the schema history applied by "ipapi db migrate".
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is the registry every migration file adds itself to.
var Migrations = migrate.NewMigrations()
