package users

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/globalip/ipapi/cmd/ipapi/cmd/cmdutil"
	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/config"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/bunx"
	"github.com/globalip/ipapi/cmd/ipapi/internal/repository"
)

// devAccount is a well-known development login.
type devAccount struct {
	Email    string
	Username string
	Password string
	Role     auth.Role
}

// DevAccounts are created by seed-dev. Never run against production data.
var DevAccounts = []devAccount{
	{Email: "admin@test.com", Username: "admin", Password: "admin123", Role: auth.RoleAdmin},
	{Email: "analyst@test.com", Username: "analyst", Password: "analyst123", Role: auth.RoleAnalyst},
	{Email: "user@test.com", Username: "user", Password: "user123", Role: auth.RoleUser},
}

var seedDevCmd = &cobra.Command{
	Use:   "seed-dev",
	Short: "Create the development test accounts",
	Long: `Creates admin@test.com, analyst@test.com and user@test.com with well-known
passwords. Existing accounts are left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx := cmd.Context()
		db, repo, err := cmdutil.OpenUserRepository(ctx, cfg)
		if err != nil {
			return err
		}
		defer bunx.Close(db)

		return seedAccounts(ctx, repo, cmd.OutOrStdout())
	},
}

// seedStore is the slice of the user repository seeding needs.
type seedStore interface {
	accountCreator
	ExistsByIdentity(ctx context.Context, identity string) (bool, error)
}

func seedAccounts(ctx context.Context, repo seedStore, out io.Writer) error {
	for _, acct := range DevAccounts {
		exists, err := repo.ExistsByIdentity(ctx, acct.Email)
		if err != nil {
			return fmt.Errorf("check %s: %w", acct.Email, err)
		}
		if exists {
			fmt.Fprintf(out, "skipped %s (exists)\n", acct.Email)
			continue
		}
		if _, err := createAccount(ctx, repo, acct.Email, acct.Username, acct.Password, acct.Role); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				fmt.Fprintf(out, "skipped %s (exists)\n", acct.Email)
				continue
			}
			return fmt.Errorf("create %s: %w", acct.Email, err)
		}
		fmt.Fprintf(out, "created %s with role %s\n", acct.Email, acct.Role)
	}
	return nil
}
