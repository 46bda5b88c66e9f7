package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Session  SessionConfig  `yaml:"session"`
	Store    StoreConfig    `yaml:"store"`
	Source   SourceConfig   `yaml:"source"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	Pool     PoolConfig     `yaml:"pool"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	MaxInFlight     int           `yaml:"max_in_flight"`
}

type SandboxConfig struct {
	Backend          string        `yaml:"backend"` // auto, containerd, docker or local
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	DockerHost       string        `yaml:"docker_host"`
	PublicHost       string        `yaml:"public_host"` // host part of preview endpoints
	WorkRoot         string        `yaml:"work_root"`   // host dir for containerd/local workspaces
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Network          bool          `yaml:"network"`
	DefaultLimits    DefaultLimits `yaml:"default_limits"`
	MaxTreeFiles     int           `yaml:"max_tree_files"`
	MaxTreeBytes     int64         `yaml:"max_tree_bytes"`
	BootRetryBackoff time.Duration `yaml:"boot_retry_backoff"`
}

type DefaultLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

// SessionConfig governs leases, eviction and execution deadlines.
type SessionConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxParallel    int           `yaml:"max_parallel"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	MaxTargets     int           `yaml:"max_targets"`
}

// StoreConfig selects where session snapshots are persisted.
type StoreConfig struct {
	Driver     string        `yaml:"driver"` // memory, postgres, redis or sqlite
	DSN        string        `yaml:"dsn"`
	MaxConns   int32         `yaml:"max_conns"`
	BufferSize int           `yaml:"buffer_size"`
	RedisTTL   time.Duration `yaml:"redis_ttl"`
}

// SourceConfig selects the file-tree provider and static environment.
type SourceConfig struct {
	Driver    string                       `yaml:"driver"` // dir or minio
	Root      string                       `yaml:"root"`
	Minio     MinioConfig                  `yaml:"minio"`
	Env       map[string]string            `yaml:"env"`        // applies to every target
	TargetEnv map[string]map[string]string `yaml:"target_env"` // per target id
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	SeccompProfile       string   `yaml:"seccomp_profile"`
	BlockedEnvKeys       []string `yaml:"blocked_env_keys"`
}

// PoolConfig controls pre-booted sandboxes per toolchain image.
type PoolConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinIdle     int           `yaml:"min_idle"`
	RefillDelay time.Duration `yaml:"refill_delay"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults; environment overrides are applied either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT must be an integer, got %q", v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	return nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // output streams and ?wait=true outlive any fixed deadline
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  32 << 20,
			MaxInFlight:     256,
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "sandbox",
			PublicHost:       "127.0.0.1",
			WorkRoot:         os.TempDir(),
			MaxConcurrent:    64,
			Network:          true,
			DefaultLimits: DefaultLimits{
				CPUShares: 1024,
				MemoryMB:  1024,
				PidsLimit: 256,
				DiskMB:    512,
			},
			MaxTreeFiles:     10000,
			MaxTreeBytes:     64 << 20,
			BootRetryBackoff: time.Second,
		},
		Session: SessionConfig{
			TTL:            15 * time.Minute,
			SweepInterval:  5 * time.Minute,
			DefaultTimeout: 5 * time.Minute,
			MaxTimeout:     30 * time.Minute,
			MaxParallel:    4,
			MaxOutputBytes: 4 << 20,
			MaxTargets:     16,
		},
		Store: StoreConfig{
			Driver:     "memory",
			MaxConns:   10,
			BufferSize: 1000,
			RedisTTL:   24 * time.Hour,
		},
		Source: SourceConfig{
			Driver: "dir",
			Root:   "targets",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			SeccompProfile: "strict",
		},
		Pool: PoolConfig{
			Enabled:     false,
			MinIdle:     1,
			RefillDelay: 2 * time.Second,
			MaxAge:      10 * time.Minute,
		},
	}
}

var (
	validBackends = []string{"auto", "containerd", "docker", "local"}
	validStores   = []string{"memory", "postgres", "redis", "sqlite"}
	validSources  = []string{"dir", "minio"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if !oneOf(c.Sandbox.Backend, validBackends) {
		return fmt.Errorf("sandbox.backend must be one of %s, got %q", strings.Join(validBackends, ", "), c.Sandbox.Backend)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 64 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 64")
	}
	if c.Sandbox.MaxTreeBytes < 1 || c.Sandbox.MaxTreeFiles < 1 {
		return fmt.Errorf("sandbox.max_tree_bytes and sandbox.max_tree_files must be >= 1")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be positive")
	}
	if c.Session.DefaultTimeout <= 0 || c.Session.DefaultTimeout > c.Session.MaxTimeout {
		return fmt.Errorf("session.default_timeout (%s) must be positive and <= max_timeout (%s)",
			c.Session.DefaultTimeout, c.Session.MaxTimeout)
	}
	if c.Session.MaxParallel < 1 {
		return fmt.Errorf("session.max_parallel must be >= 1")
	}
	if c.Session.MaxOutputBytes < 1024 {
		return fmt.Errorf("session.max_output_bytes must be >= 1024")
	}
	if !oneOf(c.Store.Driver, validStores) {
		return fmt.Errorf("store.driver must be one of %s, got %q", strings.Join(validStores, ", "), c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
	}
	if !oneOf(c.Source.Driver, validSources) {
		return fmt.Errorf("source.driver must be one of %s, got %q", strings.Join(validSources, ", "), c.Source.Driver)
	}
	if c.Source.Driver == "minio" && (c.Source.Minio.Endpoint == "" || c.Source.Minio.Bucket == "") {
		return fmt.Errorf("source.minio.endpoint and source.minio.bucket are required for the minio driver")
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
	}
	if len(c.Security.AllowedKeys) == 0 && !c.Security.AllowUnauthenticated {
		log.Warn().Msg("no API keys configured and allow_unauthenticated is false: every API request will be rejected")
	}
	if c.Store.Driver == "postgres" && strings.Contains(c.Store.DSN, "sslmode=disable") {
		log.Warn().Msg("store DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
