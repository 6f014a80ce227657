package config

import (
	"crypto/rsa"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

type Config struct {
	Env            string        `mapstructure:"BULK_ENV"`
	ServerURL      string        `mapstructure:"BULK_SERVER_URL"`
	TokenURL       string        `mapstructure:"BULK_TOKEN_URL"`
	ClientID       string        `mapstructure:"BULK_CLIENT_ID"`
	ClientURL      string        `mapstructure:"BULK_CLIENT_URL"`
	PrivateKeyFile string        `mapstructure:"BULK_PRIVATE_KEY_FILE"`
	KeyID          string        `mapstructure:"BULK_KEY_ID"`
	PollInterval   time.Duration `mapstructure:"BULK_POLL_INTERVAL"`
	RequestTimeout time.Duration `mapstructure:"BULK_REQUEST_TIMEOUT"`
	OutputDir      string        `mapstructure:"BULK_OUTPUT_DIR"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MockPort       string        `mapstructure:"MOCK_PORT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("BULK_ENV", "production")
	v.SetDefault("BULK_POLL_INTERVAL", "500ms")
	v.SetDefault("BULK_REQUEST_TIMEOUT", "60s")
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("MOCK_PORT", "9090")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("BULK_ENV")
	v.BindEnv("BULK_SERVER_URL")
	v.BindEnv("BULK_TOKEN_URL")
	v.BindEnv("BULK_CLIENT_ID")
	v.BindEnv("BULK_CLIENT_URL")
	v.BindEnv("BULK_PRIVATE_KEY_FILE")
	v.BindEnv("BULK_KEY_ID")
	v.BindEnv("BULK_POLL_INTERVAL")
	v.BindEnv("BULK_REQUEST_TIMEOUT")
	v.BindEnv("BULK_OUTPUT_DIR")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MOCK_PORT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings an export run needs. The mock server only
// reads MOCK_PORT and does not call it.
func (c *Config) Validate() error {
	if err := requireAbsoluteURL("BULK_SERVER_URL", c.ServerURL); err != nil {
		return err
	}
	if err := requireAbsoluteURL("BULK_TOKEN_URL", c.TokenURL); err != nil {
		return err
	}
	if c.ClientID == "" {
		return fmt.Errorf("BULK_CLIENT_ID is required")
	}
	if c.ClientURL == "" {
		return fmt.Errorf("BULK_CLIENT_URL is required")
	}
	if c.PrivateKeyFile == "" {
		return fmt.Errorf("BULK_PRIVATE_KEY_FILE is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("BULK_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("BULK_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// LoadPrivateKey reads and parses the PEM encoded RSA signing key.
func (c *Config) LoadPrivateKey() (*rsa.PrivateKey, error) {
	pem, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read BULK_PRIVATE_KEY_FILE: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse BULK_PRIVATE_KEY_FILE: %w", err)
	}
	return key, nil
}

func requireAbsoluteURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
	}
	return nil
}
