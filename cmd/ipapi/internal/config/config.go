package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "IPAPI"

// Config holds the application configuration
type Config struct {
	// Database connection string (DSN)
	DatabaseURL string `mapstructure:"database_url"`

	// Server bind address (host:port)
	ServerAddr string `mapstructure:"server_addr"`

	// Externally visible base URL, used for OAuth redirects
	ServerURL string `mapstructure:"server_url"`

	// Maximum database connection pool size
	MaxDBConnections int `mapstructure:"max_db_connections"`

	// Enable debug logging
	Debug bool `mapstructure:"debug"`

	// Log output format: json or text
	LogFormat string `mapstructure:"log_format"`

	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`

	Token    TokenConfig    `mapstructure:"token"`
	OTP      OTPConfig      `mapstructure:"otp"`
	Security SecurityConfig `mapstructure:"security"`
	Files    FilesConfig    `mapstructure:"files"`

	// ExternalIdP is nil unless an external identity provider issuer is set.
	ExternalIdP *ExternalIdPConfig `mapstructure:"-"`
}

// TokenConfig configures bearer token issuance.
type TokenConfig struct {
	// HMAC key, at least 32 bytes
	SigningKey string        `mapstructure:"signing_key"`
	Issuer     string        `mapstructure:"issuer"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// OTPConfig configures the login code registry.
type OTPConfig struct {
	TTL time.Duration `mapstructure:"ttl"`

	// Backend is "memory" (single replica) or "redis".
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`

	// How long redis keeps expired records so verification can report expiry.
	Retention time.Duration `mapstructure:"retention"`

	// Memory backend only. Zero disables the periodic sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SecurityConfig describes route classification and the role policy.
type SecurityConfig struct {
	PublicPrefixes    []string `mapstructure:"public_prefixes"`
	ProtectedPrefixes []string `mapstructure:"protected_prefixes"`
	FilePrefixes      []string `mapstructure:"file_prefixes"`
	TokenQueryParam   string   `mapstructure:"token_query_param"`

	// Ordered rules, first match wins. Empty selects the built-in table.
	Policy []PolicyRuleConfig `mapstructure:"policy"`
}

// PolicyRuleConfig grants Roles access to paths under Prefix. No roles means
// any authenticated principal.
type PolicyRuleConfig struct {
	Prefix string   `mapstructure:"prefix"`
	Roles  []string `mapstructure:"roles"`
}

// FilesConfig locates files served under the file prefixes.
type FilesConfig struct {
	Root string `mapstructure:"root"`
}

// ExternalIdPConfig holds configuration for the third-party identity provider
// used by the OAuth login flow.
type ExternalIdPConfig struct {
	Issuer       string   `mapstructure:"issuer"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURI  string   `mapstructure:"redirect_uri"`
	Scopes       []string `mapstructure:"scopes"`

	// Short provider name, used to build fallback identities such as
	// "<login>@github.oauth" when the IdP returns no email.
	Provider string `mapstructure:"provider"`

	// Role placed in tokens issued after a third-party login.
	DefaultRole string `mapstructure:"default_role"`

	// Create a local USER record on first third-party login.
	AutoProvision bool `mapstructure:"auto_provision"`

	// Allow cookies over plain HTTP (local development).
	InsecureCookies bool `mapstructure:"insecure_cookies"`
}

// Built-in route classification.
var (
	DefaultPublicPrefixes = []string{
		"/api/auth/login",
		"/api/auth/request-code",
		"/api/auth/request-login",
		"/api/auth/verify-code",
		"/api/auth/verify-login",
		"/api/registration",
		"/api/analyst-registration/",
		"/oauth2/",
		"/public/",
		"/api/test/public",
		"/api/test/ping",
		"/health",
		"/metrics",
	}
	DefaultProtectedPrefixes = []string{
		"/api/admin/",
		"/api/analyst/",
		"/api/analytics/",
		"/api/reports/",
		"/api/user/",
		"/api/ip/",
		"/Admin/",
		"/Users/",
	}
	DefaultFilePrefixes = []string{
		"/api/files/",
		"/uploads/",
	}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("server_addr", "localhost:8080")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("max_db_connections", 25)
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "json")
	v.SetDefault("cors_allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("token.signing_key", "")
	v.SetDefault("token.issuer", "ipapi")
	v.SetDefault("token.ttl", 15*time.Minute)

	v.SetDefault("otp.ttl", 5*time.Minute)
	v.SetDefault("otp.backend", "memory")
	v.SetDefault("otp.redis_url", "")
	v.SetDefault("otp.retention", time.Hour)
	v.SetDefault("otp.sweep_interval", time.Minute)

	v.SetDefault("security.public_prefixes", DefaultPublicPrefixes)
	v.SetDefault("security.protected_prefixes", DefaultProtectedPrefixes)
	v.SetDefault("security.file_prefixes", DefaultFilePrefixes)
	v.SetDefault("security.token_query_param", "token")
	v.SetDefault("security.policy", []PolicyRuleConfig{})

	v.SetDefault("files.root", "./uploads")

	// Registered so AutomaticEnv can populate the nested struct.
	v.SetDefault("external_idp.issuer", "")
	v.SetDefault("external_idp.client_id", "")
	v.SetDefault("external_idp.client_secret", "")
	v.SetDefault("external_idp.redirect_uri", "")
	v.SetDefault("external_idp.scopes", []string{"openid", "profile", "email"})
	v.SetDefault("external_idp.provider", "oidc")
	v.SetDefault("external_idp.default_role", "USER")
	v.SetDefault("external_idp.auto_provision", true)
	v.SetDefault("external_idp.insecure_cookies", false)
}

// Load reads configuration from the global viper instance. Values come from,
// in increasing precedence: defaults, the config file (if one was read),
// IPAPI_* environment variables and bound command-line flags.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration from v and runs the full Validate.
func LoadFrom(v *viper.Viper) (*Config, error) {
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStorage reads configuration from the global viper instance and only
// requires the settings database commands need. Callers that serve traffic
// must still run Validate.
func LoadStorage() (*Config, error) {
	cfg, err := decode(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStorage(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))

	// AllSettings only sees nested env overrides through registered leaf
	// keys, so decode everything in one pass instead of UnmarshalKey.
	var raw struct {
		Config      `mapstructure:",squash"`
		ExternalIdP ExternalIdPConfig `mapstructure:"external_idp"`
	}
	if err := v.Unmarshal(&raw, hooks); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg := &raw.Config
	if raw.ExternalIdP.Issuer != "" {
		ext := raw.ExternalIdP
		cfg.ExternalIdP = &ext
	}
	return cfg, nil
}

// ValidateStorage checks the settings every command needs.
func (c *Config) ValidateStorage() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	return nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if c.Token.SigningKey == "" {
		return fmt.Errorf("token.signing_key is required")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("token.ttl must be positive")
	}
	if c.OTP.TTL <= 0 {
		return fmt.Errorf("otp.ttl must be positive")
	}

	switch c.OTP.Backend {
	case "memory":
	case "redis":
		if c.OTP.RedisURL == "" {
			return fmt.Errorf("otp.redis_url is required when otp.backend is redis")
		}
	default:
		return fmt.Errorf("otp.backend must be memory or redis, got %q", c.OTP.Backend)
	}

	for i, rule := range c.Security.Policy {
		if !strings.HasPrefix(rule.Prefix, "/") {
			return fmt.Errorf("security.policy[%d]: prefix %q must start with /", i, rule.Prefix)
		}
	}

	if ext := c.ExternalIdP; ext != nil {
		if ext.ClientID == "" {
			return fmt.Errorf("external_idp.client_id is required when external_idp.issuer is set")
		}
		if ext.ClientSecret == "" {
			return fmt.Errorf("external_idp.client_secret is required when external_idp.issuer is set")
		}
		if ext.RedirectURI == "" {
			return fmt.Errorf("external_idp.redirect_uri is required when external_idp.issuer is set")
		}
	}
	return nil
}
