package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Session.TTL != 15*time.Minute {
		t.Errorf("Session.TTL = %s, want 15m", cfg.Session.TTL)
	}
	if cfg.Session.SweepInterval != 5*time.Minute {
		t.Errorf("Session.SweepInterval = %s, want 5m", cfg.Session.SweepInterval)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "vm" }, true},
		{"local backend", func(c *Config) { c.Sandbox.Backend = "local" }, false},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"memory_mb < 64", func(c *Config) { c.Sandbox.DefaultLimits.MemoryMB = 8 }, true},
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }, true},
		{"zero sweep interval", func(c *Config) { c.Session.SweepInterval = 0 }, true},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Session.DefaultTimeout = 2 * time.Hour
			c.Session.MaxTimeout = time.Hour
		}, true},
		{"max_parallel 0", func(c *Config) { c.Session.MaxParallel = 0 }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"sqlite with dsn", func(c *Config) {
			c.Store.Driver = "sqlite"
			c.Store.DSN = "file:sessions.db"
		}, false},
		{"unknown store", func(c *Config) {
			c.Store.Driver = "mongo"
			c.Store.DSN = "x"
		}, true},
		{"minio without bucket", func(c *Config) {
			c.Source.Driver = "minio"
			c.Source.Minio.Endpoint = "localhost:9000"
		}, true},
		{"TLS enabled without cert", func(c *Config) { c.TLS.Enabled = true }, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
session:
  ttl: 30m
  sweep_interval: 1m
sandbox:
  backend: docker
store:
  driver: sqlite
  dsn: "file:test.db"
source:
  driver: dir
  root: /srv/targets
  env:
    NODE_ENV: development
  target_env:
    repo-a:
      API_URL: http://localhost:4000
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Errorf("Session.TTL = %s, want 30m", cfg.Session.TTL)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("Sandbox.Backend = %q, want docker", cfg.Sandbox.Backend)
	}
	if cfg.Source.TargetEnv["repo-a"]["API_URL"] != "http://localhost:4000" {
		t.Errorf("target env not loaded: %v", cfg.Source.TargetEnv)
	}
	// Unset fields keep their defaults.
	if cfg.Session.MaxParallel != 4 {
		t.Errorf("Session.MaxParallel = %d, want default 4", cfg.Session.MaxParallel)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("SANDBOX_BACKEND", "local")
	t.Setenv("STORE_DSN", "redis://localhost:6379/0")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "local" {
		t.Errorf("Sandbox.Backend = %q, want local", cfg.Sandbox.Backend)
	}
	if cfg.Store.DSN != "redis://localhost:6379/0" {
		t.Errorf("Store.DSN = %q", cfg.Store.DSN)
	}
}

func TestLoad_BadPortEnv(t *testing.T) {
	t.Setenv("PORT", "eighty")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for non-numeric PORT")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	if got := cfg.Address(); got != "127.0.0.1:3000" {
		t.Errorf("Address() = %q, want %q", got, "127.0.0.1:3000")
	}
}
