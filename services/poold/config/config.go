package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen          = ":8480"
	defaultChainTimeout    = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultMaxConnections  = 1024

	// EnvJWTSecret overrides auth.hmac_secret so the secret can stay out of
	// the file.
	EnvJWTSecret = "POOLD_JWT_SECRET"
)

// Config captures the runtime settings for the pool daemon.
type Config struct {
	ListenAddress   string          `yaml:"listen"`
	MaxConnections  int             `yaml:"max_connections"`
	DataDir         string          `yaml:"data_dir"`
	PauseStore      string          `yaml:"pause_store"`
	PoolConfig      string          `yaml:"pool_config"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	TLS             TLSConfig       `yaml:"tls"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Journal         JournalConfig   `yaml:"journal"`
	Chain           ChainConfig     `yaml:"chain"`
	Log             LogConfig       `yaml:"log"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// Limit is one token bucket: sustained rate and burst.
type Limit struct {
	RatePerSecond float64 `yaml:"rps"`
	Burst         int     `yaml:"burst"`
}

// RateLimitConfig holds per route group limits. A zero rate disables
// throttling for that group.
type RateLimitConfig struct {
	TrustProxy bool  `yaml:"trust_proxy"`
	Read       Limit `yaml:"read"`
	Write      Limit `yaml:"write"`
	Admin      Limit `yaml:"admin"`
}

// JournalConfig selects the event journal database. An empty driver disables
// the journal.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Enabled reports whether committed events should be journaled.
func (cfg JournalConfig) Enabled() bool { return cfg.Driver != "" }

// ChainConfig points at the JSON-RPC node serving oracle and vault reads.
type ChainConfig struct {
	RPCURL        string        `yaml:"rpc_url"`
	Token         string        `yaml:"token"`
	Timeout       time.Duration `yaml:"timeout"`
	TLSCAFile     string        `yaml:"tls_ca_file"`
	AllowInsecure bool          `yaml:"allow_insecure"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize(os.Getenv)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize(getenv func(string) string) {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.PauseStore = strings.TrimSpace(cfg.PauseStore)
	cfg.PoolConfig = strings.TrimSpace(cfg.PoolConfig)
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)

	if secret := strings.TrimSpace(getenv(EnvJWTSecret)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)

	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)

	cfg.Chain.RPCURL = strings.TrimSpace(cfg.Chain.RPCURL)
	cfg.Chain.Token = strings.TrimSpace(cfg.Chain.Token)
	cfg.Chain.TLSCAFile = strings.TrimSpace(cfg.Chain.TLSCAFile)
	if cfg.Chain.Timeout <= 0 {
		cfg.Chain.Timeout = defaultChainTimeout
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.File = strings.TrimSpace(cfg.Log.File)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.PoolConfig == "" {
		return fmt.Errorf("pool_config is required")
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmac_secret or %s is required", EnvJWTSecret)
	}
	if len(cfg.Auth.HMACSecret) < 16 {
		return fmt.Errorf("auth: hmac secret must be at least 16 bytes")
	}
	for name, limit := range map[string]Limit{"read": cfg.RateLimit.Read, "write": cfg.RateLimit.Write, "admin": cfg.RateLimit.Admin} {
		if limit.RatePerSecond < 0 || limit.Burst < 0 {
			return fmt.Errorf("rate_limit.%s: values must not be negative", name)
		}
	}
	switch cfg.Journal.Driver {
	case "":
	case "sqlite", "postgres":
		if cfg.Journal.DSN == "" {
			return fmt.Errorf("journal: dsn required for driver %q", cfg.Journal.Driver)
		}
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain: rpc_url is required")
	}
	if cfg.Chain.AllowInsecure && cfg.Chain.TLSCAFile != "" {
		return fmt.Errorf("chain: tls_ca_file and allow_insecure are mutually exclusive")
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the listener should serve TLS.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}
