package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/globalip/ipapi/cmd/ipapi/cmd/users"
	"github.com/globalip/ipapi/cmd/ipapi/internal/config"
	"github.com/globalip/ipapi/cmd/ipapi/internal/logging"
)

var (
	cfg        *config.Config
	logger     *logrus.Logger
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "ipapi",
	Short: "IP portfolio API server",
	Long: `ipapi serves the patent and trademark portfolio API. It issues bearer
tokens for password, one-time code and third-party logins and gates every
route by role.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}

		var err error
		// serve runs the full Validate; db and users only need storage.
		cfg, err = config.LoadStorage()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger = logging.New(cfg.Debug, cfg.LogFormat)
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("db-url", "", "Database connection URL (env: IPAPI_DATABASE_URL)")
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (env: IPAPI_SERVER_ADDR)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: IPAPI_DEBUG)")

	_ = viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("db-url"))
	_ = viper.BindPFlag("server_addr", rootCmd.PersistentFlags().Lookup("server-addr"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(users.UsersCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
