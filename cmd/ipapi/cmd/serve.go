package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/globalip/ipapi/cmd/ipapi/internal/auth"
	"github.com/globalip/ipapi/cmd/ipapi/internal/config"
	"github.com/globalip/ipapi/cmd/ipapi/internal/db/bunx"
	ipmiddleware "github.com/globalip/ipapi/cmd/ipapi/internal/middleware"
	"github.com/globalip/ipapi/cmd/ipapi/internal/otp"
	"github.com/globalip/ipapi/cmd/ipapi/internal/repository"
	"github.com/globalip/ipapi/cmd/ipapi/internal/server"
	"github.com/globalip/ipapi/cmd/ipapi/internal/services/iam"
	"github.com/globalip/ipapi/cmd/ipapi/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long:  `Starts the HTTP server with the login endpoints, the role-gated API and file serving.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Connect to database
		db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)
		logger.WithField("type", bunx.DetectDatabaseType(cfg.DatabaseURL)).Info("connected to database")

		userRepo := repository.NewBunUserRepository(db)

		tokens, err := auth.NewTokenService([]byte(cfg.Token.SigningKey), cfg.Token.Issuer, cfg.Token.TTL)
		if err != nil {
			return fmt.Errorf("configure token service: %w", err)
		}

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := telemetry.NewMetrics(registry)

		// Login code registry
		codes, closeCodes, err := newCodeRegistry(ctx, cfg.OTP)
		if err != nil {
			return err
		}
		defer closeCodes()

		policy, err := newRolePolicy(cfg.Security)
		if err != nil {
			return fmt.Errorf("configure role policy: %w", err)
		}

		var relyingParty *auth.RelyingParty
		iamCfg := iam.Config{}
		if ext := cfg.ExternalIdP; ext != nil {
			relyingParty, err = auth.NewRelyingParty(ctx, ext)
			if err != nil {
				return fmt.Errorf("failed to create relying party: %w", err)
			}
			defaultRole, err := auth.ParseRole(ext.DefaultRole)
			if err != nil {
				return fmt.Errorf("external_idp.default_role: %w", err)
			}
			iamCfg = iam.Config{
				ExternalProvider:    ext.Provider,
				ExternalDefaultRole: defaultRole,
				AutoProvision:       ext.AutoProvision,
			}
			logger.WithField("issuer", ext.Issuer).Info("external identity provider enabled")
		}

		iamService, err := iam.NewService(iam.Dependencies{
			Users:    userRepo,
			Tokens:   tokens,
			Codes:    codes,
			Delivery: iam.LogDelivery{Logger: logger},
			Logger:   logger,
			Metrics:  metrics,
		}, iamCfg)
		if err != nil {
			return fmt.Errorf("create IAM service: %w", err)
		}

		authn, err := ipmiddleware.NewAuthnMiddleware(cfg.Security, ipmiddleware.AuthnDependencies{
			Tokens:   tokens,
			Resolver: auth.NewResolver(userRepo),
			Logger:   logger,
			Metrics:  metrics,
		})
		if err != nil {
			return fmt.Errorf("configure authentication middleware: %w", err)
		}
		authz, err := ipmiddleware.NewAuthzMiddleware(cfg.Security, ipmiddleware.AuthzDependencies{
			Policy: policy,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("configure authorization middleware: %w", err)
		}

		corsOpts := server.DefaultCORSOptions(cfg.CORSAllowedOrigins)
		h2cHandler := server.NewH2CHandler(server.RouterOptions{
			IAMService:   iamService,
			RelyingParty: relyingParty,
			Metrics:      metrics,
			Logger:       logger,
			Authn:        authn,
			Authz:        authz,
			CORSOptions:  &corsOpts,
			FilesRoot:    cfg.Files.Root,
			Health: server.HealthInfo{
				ExternalIdP: relyingParty != nil,
				OTPBackend:  cfg.OTP.Backend,
			},
		})

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      h2cHandler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.WithFields(logrus.Fields{
				"addr": cfg.ServerAddr,
				"url":  cfg.ServerURL,
			}).Info("starting server")
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			logger.WithField("signal", sig.String()).Info("shutting down gracefully")

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}

			logger.Info("server stopped")
			return nil
		}
	},
}

// newCodeRegistry builds the configured login code registry. The returned
// func releases its resources.
func newCodeRegistry(ctx context.Context, cfg config.OTPConfig) (otp.Registry, func(), error) {
	opts := []otp.Option{otp.WithTTL(cfg.TTL)}

	if cfg.Backend == "redis" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse otp.redis_url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.WithField("addr", redisOpts.Addr).Info("login codes stored in redis")
		reg := otp.NewRedisRegistry(client, opts, otp.WithRetention(cfg.Retention))
		return reg, func() { _ = client.Close() }, nil
	}

	mem := otp.NewMemoryRegistry(opts...)
	if cfg.SweepInterval <= 0 {
		return mem, func() {}, nil
	}
	sweeper, err := otp.NewSweeper(mem, cfg.SweepInterval, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("configure login code sweeper: %w", err)
	}
	sweeper.Start()
	return mem, sweeper.Stop, nil
}

// newRolePolicy builds the role policy from configuration, falling back to
// the built-in table when none is configured.
func newRolePolicy(cfg config.SecurityConfig) (*auth.RolePolicy, error) {
	if len(cfg.Policy) == 0 {
		return auth.NewRolePolicy(auth.DefaultPolicyRules())
	}
	rules := make([]auth.PolicyRule, 0, len(cfg.Policy))
	for i, rc := range cfg.Policy {
		roles, err := auth.ParseRoles(rc.Roles)
		if err != nil {
			return nil, fmt.Errorf("security.policy[%d]: %w", i, err)
		}
		rules = append(rules, auth.PolicyRule{Prefix: rc.Prefix, Roles: roles})
	}
	return auth.NewRolePolicy(rules)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
