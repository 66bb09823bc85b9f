// Package cmdutil holds wiring shared by the CLI subcommands.
package cmdutil

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/globalip/ipapi/cmd/ipapi/internal/config"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/bunx"
	"github.com/globalip/ipapi/cmd/ipapi/internal/repository"
)

// OpenUserRepository connects to the configured database and returns the
// account repository. Callers close the returned DB with bunx.Close.
func OpenUserRepository(ctx context.Context, cfg *config.Config) (*bun.DB, *repository.BunUserRepository, error) {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, repository.NewBunUserRepository(db), nil
}
