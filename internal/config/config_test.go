package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		ServerURL:      "https://fhir.example.com/r4",
		TokenURL:       "https://auth.example.com/token",
		ClientID:       "client-1",
		ClientURL:      "https://client.example.com",
		PrivateKeyFile: "/keys/client.pem",
		PollInterval:   500 * time.Millisecond,
		RequestTimeout: 60 * time.Second,
		DBMaxConns:     4,
		DBMinConns:     1,
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("expected default poll interval 500ms, got %s", cfg.PollInterval)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("expected default request timeout 60s, got %s", cfg.RequestTimeout)
	}
	if cfg.MockPort != "9090" {
		t.Errorf("expected default mock port 9090, got %s", cfg.MockPort)
	}
	if cfg.DBMaxConns != 4 {
		t.Errorf("expected default max conns 4, got %d", cfg.DBMaxConns)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("BULK_SERVER_URL", "https://fhir.example.com/r4")
	t.Setenv("BULK_CLIENT_ID", "client-1")
	t.Setenv("BULK_POLL_INTERVAL", "2s")
	t.Setenv("DB_MAX_CONNS", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ServerURL != "https://fhir.example.com/r4" {
		t.Errorf("expected BULK_SERVER_URL to be set, got %s", cfg.ServerURL)
	}
	if cfg.ClientID != "client-1" {
		t.Errorf("expected BULK_CLIENT_ID to be set, got %s", cfg.ClientID)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %s", cfg.PollInterval)
	}
	if cfg.DBMaxConns != 10 {
		t.Errorf("expected max conns 10, got %d", cfg.DBMaxConns)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server url", func(c *Config) { c.ServerURL = "" }},
		{"relative server url", func(c *Config) { c.ServerURL = "/fhir" }},
		{"missing token url", func(c *Config) { c.TokenURL = "" }},
		{"relative token url", func(c *Config) { c.TokenURL = "token" }},
		{"missing client id", func(c *Config) { c.ClientID = "" }},
		{"missing client url", func(c *Config) { c.ClientURL = "" }},
		{"missing key file", func(c *Config) { c.PrivateKeyFile = "" }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"min above max conns", func(c *Config) { c.DBMinConns = 8 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadPrivateKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "client.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}

	c := &Config{PrivateKeyFile: path}
	got, err := c.LoadPrivateKey()
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	if !got.Equal(key) {
		t.Error("loaded key does not match the written key")
	}
}

func TestLoadPrivateKey_Errors(t *testing.T) {
	c := &Config{PrivateKeyFile: filepath.Join(t.TempDir(), "missing.pem")}
	if _, err := c.LoadPrivateKey(); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	c.PrivateKeyFile = bad
	if _, err := c.LoadPrivateKey(); err == nil {
		t.Error("expected error for malformed PEM")
	}
}
