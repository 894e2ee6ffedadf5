// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/jrsteele09/go-session-authority/token"
)

const (
	EnvDev = "DEV"

	HasherBcrypt   = "bcrypt"
	HasherArgon2id = "argon2id"

	// DefaultTokenSecret is only accepted when ENV is DEV.
	DefaultTokenSecret = "dev-only-token-secret-change-me-0123456789"
	MinSecretLength    = 32
)

type Config struct {
	Env      string `env:"ENV" envDefault:"DEV"`
	Port     string `env:"PORT" envDefault:"8080"`
	AppName  string `env:"APP_NAME" envDefault:"Session Authority"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	TokenSecret       string `env:"TOKEN_SECRET" envDefault:"dev-only-token-secret-change-me-0123456789"`
	SigningKeyFile    string `env:"TOKEN_SIGNING_KEY_FILE"` // PEM; switches signing to RS/ES and serves JWKS
	SigningKeyID      string `env:"TOKEN_SIGNING_KEY_ID" envDefault:"primary"`
	Issuer            string `env:"TOKEN_ISSUER" envDefault:"session-authority"`
	Audience          string `env:"TOKEN_AUDIENCE"`
	AccessTokenTTL    string `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL   string `env:"REFRESH_TOKEN_TTL" envDefault:"7d"`
	SweepEvery        string `env:"SWEEP_INTERVAL" envDefault:"10m"`
	AllowLegacyTokens bool   `env:"ALLOW_LEGACY_REFRESH_TOKENS"`

	PasswordHasher string `env:"PASSWORD_HASHER" envDefault:"bcrypt"`
	BcryptCost     int    `env:"BCRYPT_COST" envDefault:"12"`

	DatabaseURL   string `env:"DATABASE_URL"` // empty uses the in-memory account store
	RedisAddr     string `env:"REDIS_ADDR"`   // empty uses the in-memory refresh store
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"sa"`

	OIDCIssuer       string `env:"OIDC_ISSUER"`
	OIDCClientID     string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret string `env:"OIDC_CLIENT_SECRET"`
	OIDCRedirectURL  string `env:"OIDC_REDIRECT_URL"`

	AdminAPIKey     string        `env:"ADMIN_API_KEY"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the process environment and validates the result.
func Load() (*Config, error) {
	return load(env.Options{})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, errors.Wrap(err, "[config.Load] parse env")
	}
	cfg.Env = strings.ToUpper(strings.TrimSpace(cfg.Env))
	cfg.PasswordHasher = strings.ToLower(strings.TrimSpace(cfg.PasswordHasher))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SigningKeyFile == "" {
		if !c.IsDev() && c.TokenSecret == DefaultTokenSecret {
			return errors.New("[config.Load] TOKEN_SECRET must be set outside DEV")
		}
		if len(c.TokenSecret) < MinSecretLength {
			return errors.Errorf("[config.Load] TOKEN_SECRET must be at least %d bytes", MinSecretLength)
		}
	} else if _, err := os.Stat(c.SigningKeyFile); err != nil {
		return errors.Wrap(err, "[config.Load] TOKEN_SIGNING_KEY_FILE")
	}

	switch c.PasswordHasher {
	case HasherBcrypt, HasherArgon2id:
	default:
		return errors.Errorf("[config.Load] unknown PASSWORD_HASHER %q", c.PasswordHasher)
	}
	if c.OIDCIssuer != "" && c.OIDCClientID == "" {
		return errors.New("[config.Load] OIDC_CLIENT_ID is required with OIDC_ISSUER")
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == EnvDev
}

// Addr returns the listen address, always with a leading colon.
func (c *Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// AccessTTL falls back to the default when ACCESS_TOKEN_TTL is unparseable.
func (c *Config) AccessTTL() time.Duration {
	return token.ParseTTL(c.AccessTokenTTL, token.DefaultAccessTTL)
}

func (c *Config) RefreshTTL() time.Duration {
	return token.ParseTTL(c.RefreshTokenTTL, token.DefaultRefreshTTL)
}

func (c *Config) SweepInterval() time.Duration {
	return token.ParseTTL(c.SweepEvery, token.DefaultSweepInterval)
}

func (c *Config) OIDCEnabled() bool {
	return c.OIDCIssuer != ""
}
