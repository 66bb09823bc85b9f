package users

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/globalip/ipapi/cmd/ipapi/cmd/cmdutil"
	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/config"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/bunx"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/models"
	"github.com/globalip/ipapi/cmd/ipapi/internal/repository"
)

var (
	emailFlag    string
	usernameFlag string
	passwordFlag string
	roleFlag     string
	stdinFlag    bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a local password account",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Validate required flags
		if emailFlag == "" {
			return fmt.Errorf("--email flag is required")
		}
		if usernameFlag == "" {
			return fmt.Errorf("--username flag is required")
		}

		role, err := auth.ParseRole(roleFlag)
		if err != nil {
			return fmt.Errorf("invalid --role: %w", err)
		}

		password := passwordFlag
		if stdinFlag {
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
			if scanner.Scan() {
				password = scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}
		if password == "" {
			return fmt.Errorf("password is required (use --password or --stdin)")
		}

		if _, err := mail.ParseAddress(emailFlag); err != nil {
			return fmt.Errorf("invalid email format: %w", err)
		}

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

		user, err := createAccount(ctx, repo, emailFlag, usernameFlag, password, role)
		if err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return fmt.Errorf("user %s already exists", strings.ToLower(emailFlag))
			}
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s) with role %s\n", user.Email, user.ID, user.Role)
		return nil
	},
}

// accountCreator is the slice of the user repository account creation needs.
type accountCreator interface {
	Create(ctx context.Context, user *models.User) error
}

func createAccount(ctx context.Context, repo accountCreator, email, username, password string, role auth.Role) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	h := string(hash)

	user := &models.User{
		Email:        email,
		Username:     username,
		PasswordHash: &h,
		Role:         role.String(),
	}
	if err := repo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
