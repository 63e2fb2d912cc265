// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keypass Contributors

// Package config loads keypass configuration.
//
// Sources, lowest precedence first:
//  1. built-in defaults (Defaults)
//  2. the YAML file passed with --config
//  3. environment variables for secrets and the database URL
//  4. command-line flags that were set explicitly
package config

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/keypass/keypass/internal/auth"
	"github.com/keypass/keypass/internal/logging"
	"github.com/keypass/keypass/pkg/errutil"
)

// Backend names.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Environment variables read by Load.
const (
	EnvDatabaseURL       = "KEYPASS_DATABASE_URL"
	EnvDatabaseURLLegacy = "DATABASE_URL"
	EnvAccessSecret      = "KEYPASS_ACCESS_SECRET"
	EnvRefreshSecret     = "KEYPASS_REFRESH_SECRET"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errutil.Define(errutil.ErrValidation, "invalid configuration")

// Config is the full process configuration.
type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Auth      AuthConfig      `koanf:"auth"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Audit     AuditConfig     `koanf:"audit"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// StoreConfig selects and tunes the credential store backend.
type StoreConfig struct {
	Backend          string        `koanf:"backend"`
	DatabaseURL      string        `koanf:"database_url"`
	StatementTimeout time.Duration `koanf:"statement_timeout"`
	MaxConns         int32         `koanf:"max_conns"`
	MinConns         int32         `koanf:"min_conns"`
	ConnectAttempts  uint64        `koanf:"connect_attempts"`
	ConnectBackoff   time.Duration `koanf:"connect_backoff"`
	PurgeInterval    time.Duration `koanf:"purge_interval"`
}

// AuthConfig holds token signing material and password hashing cost.
type AuthConfig struct {
	Issuer        string        `koanf:"issuer"`
	AccessSecret  string        `koanf:"access_secret"`
	RefreshSecret string        `koanf:"refresh_secret"`
	AccessTTL     time.Duration `koanf:"access_ttl"`
	RefreshTTL    time.Duration `koanf:"refresh_ttl"`
	Argon2        Argon2Config  `koanf:"argon2"`
}

// Argon2Config is the argon2id cost. Zero fields use the hasher defaults.
type Argon2Config struct {
	Time      uint32 `koanf:"time"`
	MemoryKiB uint32 `koanf:"memory_kib"`
	Threads   uint8  `koanf:"threads"`
}

// RateLimitConfig holds the fixed-window budgets.
type RateLimitConfig struct {
	LoginMax    int           `koanf:"login_max"`
	LoginWindow time.Duration `koanf:"login_window"`
	ResetMax    int           `koanf:"reset_max"`
	ResetWindow time.Duration `koanf:"reset_window"`
}

// AuditConfig tunes the audit sink.
type AuditConfig struct {
	QueueSize    int           `koanf:"queue_size"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// LogConfig selects log output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig configures the observability server. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Backend:          BackendPostgres,
			StatementTimeout: 5 * time.Second,
			MaxConns:         10,
			MinConns:         1,
			ConnectAttempts:  5,
			ConnectBackoff:   500 * time.Millisecond,
			PurgeInterval:    time.Hour,
		},
		Auth: AuthConfig{
			Issuer:     "keypass",
			AccessTTL:  auth.DefaultAccessTTL,
			RefreshTTL: auth.DefaultRefreshTTL,
		},
		RateLimit: RateLimitConfig{
			LoginMax:    auth.DefaultLoginLimit.Max,
			LoginWindow: auth.DefaultLoginLimit.Window,
			ResetMax:    auth.DefaultResetLimit.Max,
			ResetWindow: auth.DefaultResetLimit.Window,
		},
		Audit: AuditConfig{
			QueueSize:    1024,
			WriteTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9100",
		},
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"backend":      "store.backend",
	"database-url": "store.database_url",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"metrics-addr": "metrics.addr",
}

// RegisterFlags adds the configuration flags to flags with Defaults as values.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("backend", d.Store.Backend, "credential store backend (postgres|memory)")
	flags.String("database-url", "", "PostgreSQL connection URL (prefer "+EnvDatabaseURL+")")
	flags.String("log-level", d.Log.Level, "log level (debug|info|warn|error)")
	flags.String("log-format", d.Log.Format, "log format (json|text)")
	flags.String("metrics-addr", d.Metrics.Addr, "observability listen address, empty to disable")
}

// Load builds a Config from path (optional), the environment and flags
// (optional). The result is not validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			code := "CONFIG_LOAD_FAILED"
			if errors.Is(err, fs.ErrNotExist) {
				code = "CONFIG_NOT_FOUND"
			}
			return nil, oops.Code(code).With("path", path).Wrap(err)
		}
	}

	if err := loadEnv(k); err != nil {
		return nil, err
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := Defaults()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrap(errors.Join(ErrInvalidConfig, err))
	}
	return &cfg, nil
}

func loadEnv(k *koanf.Koanf) error {
	sources := []struct {
		key  string
		envs []string
	}{
		{"store.database_url", []string{EnvDatabaseURL, EnvDatabaseURLLegacy}},
		{"auth.access_secret", []string{EnvAccessSecret}},
		{"auth.refresh_secret", []string{EnvRefreshSecret}},
	}
	for _, src := range sources {
		for _, env := range src.envs {
			if v, ok := os.LookupEnv(env); ok && v != "" {
				if err := k.Set(src.key, v); err != nil {
					return oops.Code("CONFIG_LOAD_FAILED").With("env", env).Wrap(err)
				}
				break
			}
		}
	}
	return nil
}

// TokenConfig converts the auth section for auth.NewTokenService.
func (c *Config) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		Issuer:        c.Auth.Issuer,
		AccessSecret:  []byte(c.Auth.AccessSecret),
		RefreshSecret: []byte(c.Auth.RefreshSecret),
		AccessTTL:     c.Auth.AccessTTL,
		RefreshTTL:    c.Auth.RefreshTTL,
	}
}

// Argon2Params converts the hashing cost for auth.NewArgon2idHasherWithParams.
func (c *Config) Argon2Params() auth.Argon2Params {
	return auth.Argon2Params{
		Time:    c.Auth.Argon2.Time,
		Memory:  c.Auth.Argon2.MemoryKiB,
		Threads: c.Auth.Argon2.Threads,
	}
}

// LoginLimit returns the login rate limit.
func (c *Config) LoginLimit() auth.RateLimit {
	return auth.RateLimit{Max: c.RateLimit.LoginMax, Window: c.RateLimit.LoginWindow}
}

// ResetLimit returns the reset request rate limit.
func (c *Config) ResetLimit() auth.RateLimit {
	return auth.RateLimit{Max: c.RateLimit.ResetMax, Window: c.RateLimit.ResetWindow}
}

// LogOptions returns logging options for the named service.
func (c *Config) LogOptions(service, version string) logging.Options {
	return logging.Options{Service: service, Version: version, Format: c.Log.Format, Level: c.Log.Level}
}

// ValidateStore checks only what opening the store needs. Commands that
// never issue tokens, such as migrate, use this instead of Validate.
func (c *Config) ValidateStore() error {
	switch c.Store.Backend {
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return invalid("store.database_url", "required for the postgres backend")
		}
	case BackendMemory:
	default:
		return invalid("store.backend", "must be postgres or memory")
	}
	if c.Store.StatementTimeout <= 0 {
		return invalid("store.statement_timeout", "must be positive")
	}
	if c.Store.MaxConns < 1 || c.Store.MinConns < 0 || c.Store.MinConns > c.Store.MaxConns {
		return invalid("store.max_conns", "need 0 <= min_conns <= max_conns and max_conns >= 1")
	}
	if c.Store.ConnectAttempts < 1 {
		return invalid("store.connect_attempts", "must be at least 1")
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	tc := c.TokenConfig()
	if err := tc.Validate(); err != nil {
		return oops.Code("CONFIG_INVALID").With("section", "auth").Wrap(err)
	}
	if c.RateLimit.LoginMax < 1 || c.RateLimit.LoginWindow <= 0 {
		return invalid("ratelimit.login_max", "login budget must be positive")
	}
	if c.RateLimit.ResetMax < 1 || c.RateLimit.ResetWindow <= 0 {
		return invalid("ratelimit.reset_max", "reset budget must be positive")
	}
	if c.Audit.QueueSize < 1 || c.Audit.WriteTimeout <= 0 {
		return invalid("audit.queue_size", "queue size and write timeout must be positive")
	}
	if _, err := logging.Setup(c.LogOptions("", ""), io.Discard); err != nil {
		return oops.Code("CONFIG_INVALID").With("section", "log").Wrap(err)
	}
	return nil
}

func invalid(key, reason string) error {
	return oops.Code("CONFIG_INVALID").With("key", key).With("reason", reason).Wrap(ErrInvalidConfig)
}
