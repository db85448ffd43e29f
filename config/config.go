// Package config loads CADP service configuration from defaults, an
// optional YAML file, and environment-variable overrides, in that order of
// precedence (later wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a CADP node.
type Config struct {
	// Server configures the admin/metrics HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Registry configures the agent registry.
	Registry RegistryConfig `yaml:"registry"`

	// Trust configures the trust chain.
	Trust TrustConfig `yaml:"trust"`

	// Redis configures the optional Redis-backed record store. The
	// registry stays in-memory when Addr is empty.
	Redis RedisConfig `yaml:"redis"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RegistryConfig configures the agent registry.
type RegistryConfig struct {
	DefaultTTLSeconds int64         `yaml:"default_ttl_seconds"`
	MaxRecords        int           `yaml:"max_records"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	ProbeConcurrency  int           `yaml:"probe_concurrency"`
}

// TrustConfig configures the trust chain.
type TrustConfig struct {
	CertificateValidity time.Duration `yaml:"certificate_validity"`
	IssuedAtTolerance   time.Duration `yaml:"issued_at_tolerance"`
}

// RedisConfig configures the optional Redis record store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Development enables the human-friendly console encoder.
	Development bool `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8470",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Registry: RegistryConfig{
			DefaultTTLSeconds: 3600,
			MaxRecords:        10000,
			CleanupInterval:   60 * time.Second,
			ProbeTimeout:      5 * time.Second,
			ProbeConcurrency:  16,
		},
		Trust: TrustConfig{
			CertificateValidity: 365 * 24 * time.Hour,
			IssuedAtTolerance:   60 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Loader builds a Config. Precedence: defaults, then the YAML file, then
// environment variables.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a Loader with the default env prefix "CADP".
func NewLoader() *Loader {
	return &Loader{envPrefix: "CADP"}
}

// WithConfigPath sets the YAML file to load; missing files are an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment-variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", l.configPath, err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	var err error
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("config: %s_%s: %w", l.envPrefix, key, perr)
				return
			}
			*dst = n
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
			n, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil {
				err = fmt.Errorf("config: %s_%s: %w", l.envPrefix, key, perr)
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("config: %s_%s: %w", l.envPrefix, key, perr)
				return
			}
			*dst = b
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(l.envPrefix + "_" + key); ok {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("config: %s_%s: %w", l.envPrefix, key, perr)
				return
			}
			*dst = d
		}
	}

	setString("SERVER_ADDR", &cfg.Server.Addr)
	setDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	setDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	setDuration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	setInt64("REGISTRY_DEFAULT_TTL_SECONDS", &cfg.Registry.DefaultTTLSeconds)
	setInt("REGISTRY_MAX_RECORDS", &cfg.Registry.MaxRecords)
	setDuration("REGISTRY_CLEANUP_INTERVAL", &cfg.Registry.CleanupInterval)
	setDuration("REGISTRY_PROBE_TIMEOUT", &cfg.Registry.ProbeTimeout)
	setInt("REGISTRY_PROBE_CONCURRENCY", &cfg.Registry.ProbeConcurrency)

	setDuration("TRUST_CERTIFICATE_VALIDITY", &cfg.Trust.CertificateValidity)
	setDuration("TRUST_ISSUED_AT_TOLERANCE", &cfg.Trust.IssuedAtTolerance)

	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("REDIS_DB", &cfg.Redis.DB)

	setString("LOG_LEVEL", &cfg.Log.Level)
	setBool("LOG_DEVELOPMENT", &cfg.Log.Development)

	return err
}
