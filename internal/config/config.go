package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Log         LogConfig      `mapstructure:"log"`
	Security    SecurityConfig `mapstructure:"security"`
	Email       EmailConfig    `mapstructure:"email"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds every request context, and with it every DB call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is a single
// host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, entry := range s.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Password     PasswordConfig     `mapstructure:"password"`
	PIN          PINConfig          `mapstructure:"pin"`
	Tokens       TokenConfig        `mapstructure:"tokens"`
	Activation   ActivationConfig   `mapstructure:"activation"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// PasswordConfig holds password hashing configuration.
// Only operator tooling hashes passwords; the server only verifies them.
type PasswordConfig struct {
	MinLength         int    `mapstructure:"min_length"`
	Argon2Memory      uint32 `mapstructure:"argon2_memory"`
	Argon2Iterations  uint32 `mapstructure:"argon2_iterations"`
	Argon2Parallelism uint8  `mapstructure:"argon2_parallelism"`
}

// PINConfig holds offline PIN policy and scrypt parameters
type PINConfig struct {
	MinLength  int  `mapstructure:"min_length"`
	MaxLength  int  `mapstructure:"max_length"`
	DigitsOnly bool `mapstructure:"digits_only"`

	ScryptN      int `mapstructure:"scrypt_n"`
	ScryptR      int `mapstructure:"scrypt_r"`
	ScryptP      int `mapstructure:"scrypt_p"`
	ScryptKeyLen int `mapstructure:"scrypt_key_length"`

	// MaxConcurrentHashes caps simultaneous scrypt computations per process.
	MaxConcurrentHashes int64 `mapstructure:"max_concurrent_hashes"`

	MaxUnlockAttempts int           `mapstructure:"max_unlock_attempts"`
	UnlockWindow      time.Duration `mapstructure:"unlock_window"`
}

// TokenConfig holds JWT and refresh token configuration
type TokenConfig struct {
	AccessTokenTTL   time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL  time.Duration `mapstructure:"refresh_token_ttl"`
	SigningAlgorithm string        `mapstructure:"signing_algorithm"`
	Issuer           string        `mapstructure:"issuer"`
	// Pepper keys the HMAC used for activation and refresh token hashes.
	Pepper string `mapstructure:"pepper"`
	// KeyRotationPeriod is how long a signing key stays active.
	KeyRotationPeriod time.Duration `mapstructure:"key_rotation_period"`
}

// ActivationConfig holds device activation settings
type ActivationConfig struct {
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	AttemptWindow time.Duration `mapstructure:"attempt_window"`
}

// RateLimitingConfig holds HTTP rate limiting configuration
type RateLimitingConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DefaultLimit  int           `mapstructure:"default_limit"`
	DefaultWindow time.Duration `mapstructure:"default_window"`
}

// EmailConfig holds email sending configuration
type EmailConfig struct {
	// Provider is "gmail" or "log"
	Provider string           `mapstructure:"provider"`
	AppName  string           `mapstructure:"app_name"`
	Gmail    GmailEmailConfig `mapstructure:"gmail"`
}

// GmailEmailConfig holds Gmail API configuration
type GmailEmailConfig struct {
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	// ClientID, ClientSecret and RefreshToken are the alternative to a service account
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	RefreshToken  string `mapstructure:"refresh_token"`
	SenderAddress string `mapstructure:"sender_address"`
	SenderName    string `mapstructure:"sender_name"`
}

// IsDevelopment reports whether the process runs in a development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "" || c.Environment == "development"
}

// Validate checks the configuration for values the core cannot work with
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}

	pin := c.Security.PIN
	if pin.MinLength < 4 {
		errs = append(errs, errors.New("security.pin.min_length must be at least 4"))
	}
	if pin.MaxLength < pin.MinLength {
		errs = append(errs, errors.New("security.pin.max_length must not be less than min_length"))
	}
	if pin.ScryptN < 2 || pin.ScryptN&(pin.ScryptN-1) != 0 {
		errs = append(errs, errors.New("security.pin.scrypt_n must be a power of two greater than 1"))
	}
	if pin.ScryptR <= 0 || pin.ScryptP <= 0 || pin.ScryptKeyLen < 16 {
		errs = append(errs, errors.New("security.pin scrypt r, p must be positive and key length at least 16"))
	}
	if pin.MaxUnlockAttempts <= 0 || pin.UnlockWindow <= 0 {
		errs = append(errs, errors.New("security.pin unlock attempts and window must be positive"))
	}

	tok := c.Security.Tokens
	if tok.AccessTokenTTL <= 0 || tok.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("security.tokens TTLs must be positive"))
	}
	if tok.RefreshTokenTTL < tok.AccessTokenTTL {
		errs = append(errs, errors.New("security.tokens.refresh_token_ttl must not be shorter than access_token_ttl"))
	}
	switch tok.SigningAlgorithm {
	case "hybrid", "ed25519":
	default:
		errs = append(errs, fmt.Errorf("security.tokens.signing_algorithm %q is not supported", tok.SigningAlgorithm))
	}
	if tok.Pepper == "" && !c.IsDevelopment() {
		errs = append(errs, errors.New("security.tokens.pepper is required outside development"))
	}

	act := c.Security.Activation
	if act.SessionTTL <= 0 || act.AttemptWindow <= 0 || act.MaxAttempts <= 0 {
		errs = append(errs, errors.New("security.activation values must be positive"))
	}

	switch c.Email.Provider {
	case "log", "gmail":
	default:
		errs = append(errs, fmt.Errorf("email.provider %q is not supported", c.Email.Provider))
	}

	return errors.Join(errs...)
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration using the given viper instance
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/carevisit")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CAREVISIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"http://localhost:8081"})
	v.SetDefault("server.trusted_proxies", []string{"127.0.0.1", "::1"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "carevisit")
	v.SetDefault("database.user", "carevisit")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.migrations_path", "migrations")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Password defaults
	v.SetDefault("security.password.min_length", 12)
	v.SetDefault("security.password.argon2_memory", 65536)
	v.SetDefault("security.password.argon2_iterations", 3)
	v.SetDefault("security.password.argon2_parallelism", 4)

	// PIN defaults
	v.SetDefault("security.pin.min_length", 6)
	v.SetDefault("security.pin.max_length", 12)
	v.SetDefault("security.pin.digits_only", true)
	v.SetDefault("security.pin.scrypt_n", 32768)
	v.SetDefault("security.pin.scrypt_r", 8)
	v.SetDefault("security.pin.scrypt_p", 1)
	v.SetDefault("security.pin.scrypt_key_length", 32)
	v.SetDefault("security.pin.max_concurrent_hashes", 4)
	v.SetDefault("security.pin.max_unlock_attempts", 5)
	v.SetDefault("security.pin.unlock_window", "15m")

	// Token defaults
	v.SetDefault("security.tokens.access_token_ttl", "15m")
	v.SetDefault("security.tokens.refresh_token_ttl", "720h")
	v.SetDefault("security.tokens.signing_algorithm", "hybrid")
	v.SetDefault("security.tokens.issuer", "carevisit")
	v.SetDefault("security.tokens.pepper", "")
	v.SetDefault("security.tokens.key_rotation_period", "2160h")

	// Activation defaults
	v.SetDefault("security.activation.session_ttl", "15m")
	v.SetDefault("security.activation.max_attempts", 5)
	v.SetDefault("security.activation.attempt_window", "15m")

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.default_limit", 10)
	v.SetDefault("security.rate_limiting.default_window", "15m")

	// Email defaults
	v.SetDefault("email.provider", "log")
	v.SetDefault("email.app_name", "CareVisit")
	v.SetDefault("email.gmail.sender_address", "")
	v.SetDefault("email.gmail.sender_name", "CareVisit")
}
