// Package config loads server configuration.
//
// Sources, lowest precedence first:
//
//	defaults → config.yaml (".", "/etc/storefront" or --config) → STOREFRONT_* env → flags
//
// Env names are the key path upper-cased with "." replaced by "_", so
// session.secret is STOREFRONT_SESSION_SECRET.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "STOREFRONT"

// MinSecretLength is the shortest accepted session signing secret.
const MinSecretLength = 16

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Session   SessionConfig   `mapstructure:"session"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", c.Level, err)
	}
	return level, nil
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
}

type AuthConfig struct {
	MaxAuthAge time.Duration `mapstructure:"max_auth_age"`
}

type SessionConfig struct {
	Secret       string        `mapstructure:"secret"`
	Lifetime     time.Duration `mapstructure:"lifetime"`
	Issuer       string        `mapstructure:"issuer"`
	CookieName   string        `mapstructure:"cookie_name"`
	CookieDomain string        `mapstructure:"cookie_domain"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
}

type IdentityConfig struct {
	Backend     string        `mapstructure:"backend"`
	EmailDomain string        `mapstructure:"email_domain"`
	SupabaseURL string        `mapstructure:"supabase_url"`
	ServiceKey  string        `mapstructure:"service_key"`
	MaxPages    int           `mapstructure:"max_pages"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ReplayConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

type RateLimitConfig struct {
	LoginRPS   float64 `mapstructure:"login_rps"`
	LoginBurst int     `mapstructure:"login_burst"`
}

// Database drivers and identity backends.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendLocal    = "local"
	BackendSupabase = "supabase"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/storefront.db")
	v.SetDefault("database.dsn", "")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("auth.max_auth_age", 5*time.Minute)

	v.SetDefault("session.secret", "")
	v.SetDefault("session.lifetime", 7*24*time.Hour)
	v.SetDefault("session.issuer", "storefront")
	v.SetDefault("session.cookie_name", "session-token")
	v.SetDefault("session.cookie_domain", "")
	v.SetDefault("session.cookie_secure", true)

	v.SetDefault("identity.backend", BackendLocal)
	v.SetDefault("identity.email_domain", "telegram.local")
	v.SetDefault("identity.supabase_url", "")
	v.SetDefault("identity.service_key", "")
	v.SetDefault("identity.max_pages", 50)
	v.SetDefault("identity.timeout", 10*time.Second)

	v.SetDefault("replay.enabled", false)
	v.SetDefault("replay.redis_addr", "localhost:6379")
	v.SetDefault("replay.redis_password", "")
	v.SetDefault("replay.redis_db", 0)

	v.SetDefault("ratelimit.login_rps", 1.0)
	v.SetDefault("ratelimit.login_burst", 5)
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"port":       "server.port",
	"log-level":  "log.level",
	"log-format": "log.format",
	"db-driver":  "database.driver",
	"db-path":    "database.path",
	"db-dsn":     "database.dsn",
	"identity":   "identity.backend",
	"replay":     "replay.enabled",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("storefront", pflag.ContinueOnError)
	fs.String("config", "", "Path to a config file (default: ./config.yaml or /etc/storefront/config.yaml)")
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("log-level", "info", "Log level (debug|info|warn|error)")
	fs.String("log-format", "text", "Log format (text|json)")
	fs.String("db-driver", DriverSQLite, "Account store (sqlite|postgres)")
	fs.String("db-path", "data/storefront.db", "SQLite database file")
	fs.String("db-dsn", "", "Postgres connection string")
	fs.String("identity", BackendLocal, "Identity backend (local|supabase)")
	fs.Bool("replay", false, "Reject reused initData via Redis")
	fs.Bool("insecure-cookie", false, "Send the session cookie over plain HTTP (local development only)")
	return fs
}

// Load parses args and reads every configuration source. The returned
// config has been validated.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("config: binding --%s: %w", name, err)
		}
	}

	if err := readConfigFile(v, fs); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	// --insecure-cookie wins over every other source.
	if insecure, _ := fs.GetBool("insecure-cookie"); insecure {
		cfg.Session.CookieSecure = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: reading %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/storefront")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config: reading config file: %w", err)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	for key, d := range map[string]time.Duration{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"auth.max_auth_age":       c.Auth.MaxAuthAge,
		"session.lifetime":        c.Session.Lifetime,
		"identity.timeout":        c.Identity.Timeout,
	} {
		if d <= 0 {
			add("%s must be positive, got %s", key, d)
		}
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Telegram.BotToken == "" {
		add("telegram.bot_token is required (STOREFRONT_TELEGRAM_BOT_TOKEN)")
	}
	if len(c.Session.Secret) < MinSecretLength {
		add("session.secret must be at least %d bytes (STOREFRONT_SESSION_SECRET)", MinSecretLength)
	}
	if c.Session.CookieName == "" {
		add("session.cookie_name must not be empty")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			add("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			add("database.dsn is required for the postgres driver")
		}
	default:
		add("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.Identity.Backend {
	case BackendLocal:
	case BackendSupabase:
		if c.Identity.SupabaseURL == "" {
			add("identity.supabase_url is required for the supabase backend")
		}
		if c.Identity.ServiceKey == "" {
			add("identity.service_key is required for the supabase backend")
		}
	default:
		add("identity.backend must be local or supabase, got %q", c.Identity.Backend)
	}
	if c.Identity.MaxPages <= 0 {
		add("identity.max_pages must be positive, got %d", c.Identity.MaxPages)
	}

	if c.Replay.Enabled && c.Replay.RedisAddr == "" {
		add("replay.redis_addr is required when replay.enabled is set")
	}

	if c.RateLimit.LoginRPS <= 0 {
		add("ratelimit.login_rps must be positive, got %g", c.RateLimit.LoginRPS)
	}
	if c.RateLimit.LoginBurst <= 0 {
		add("ratelimit.login_burst must be positive, got %d", c.RateLimit.LoginBurst)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
