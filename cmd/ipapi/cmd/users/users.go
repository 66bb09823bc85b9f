package users

import "github.com/spf13/cobra"

// UsersCmd is the parent command for account management operations
var UsersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage local accounts",
	Long:  `Commands for managing local password accounts directly against the database.`,
}

func init() {
	createCmd.Flags().StringVar(&emailFlag, "email", "", "Email address of the user")
	createCmd.Flags().StringVar(&usernameFlag, "username", "", "Username/display name of the user")
	createCmd.Flags().StringVar(&passwordFlag, "password", "", "Password for the user (use --stdin to avoid shell history)")
	createCmd.Flags().StringVar(&roleFlag, "role", "USER", "Role to assign: USER, ANALYST or ADMIN")
	createCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin instead of --password flag")

	UsersCmd.AddCommand(createCmd, seedDevCmd)
}
