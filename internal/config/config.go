// Package config loads the ATM configuration from TOML with environment
// overrides. Durations are written as Go duration strings ("5m") and money as
// decimal strings ("500.00").
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata" // ledger.timezone must resolve on hosts without zoneinfo

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmcore/atm/internal/domain"
)

// Environment overrides, applied after the file.
const (
	EnvDBPath      = "ATM_DB_PATH"
	EnvLogLevel    = "ATM_LOG_LEVEL"
	EnvIdleTimeout = "ATM_SESSION_IDLE_TIMEOUT"
	EnvHome        = "ATM_HOME"
)

// Config is the full configuration file.
type Config struct {
	Store    StoreConfig            `toml:"store"`
	Session  SessionConfig          `toml:"session"`
	Security SecurityConfig         `toml:"security"`
	Ledger   LedgerConfig           `toml:"ledger"`
	Limits   map[string]LimitConfig `toml:"limits"`
	Log      LogConfig              `toml:"log"`
	Metrics  MetricsConfig          `toml:"metrics"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // sqlite or memory
	Path   string `toml:"path"`   // data directory for sqlite
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	IdleTimeout  string `toml:"idle_timeout"`
	ReapInterval string `toml:"reap_interval"`
}

// SecurityConfig is the lockout policy.
type SecurityConfig struct {
	MaxAttempts     int    `toml:"max_attempts"`
	LockoutDuration string `toml:"lockout_duration"`
	BcryptCost      int    `toml:"bcrypt_cost"`
}

// LedgerConfig tunes the ledger and engine.
type LedgerConfig struct {
	LockTimeout        string `toml:"lock_timeout"`
	EnforceDailyLimits bool   `toml:"enforce_daily_limits"`
	Timezone           string `toml:"timezone"`
	PageSize           int    `toml:"page_size"`
	MaxRetries         int    `toml:"max_retries"`
	RetryBackoff       string `toml:"retry_backoff"`
}

// LimitConfig is the policy of one account type.
type LimitConfig struct {
	Daily     string `toml:"daily"`
	Overdraft string `toml:"overdraft"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// MetricsConfig controls the ops HTTP listener.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	limits := make(map[string]LimitConfig)
	for t, p := range domain.DefaultPolicies() {
		limits[string(t)] = LimitConfig{
			Daily:     domain.FormatMoney(p.DailyLimit),
			Overdraft: domain.FormatMoney(p.Overdraft),
		}
	}
	return Config{
		Store:   StoreConfig{Driver: "sqlite", Path: DefaultHome()},
		Session: SessionConfig{IdleTimeout: "5m", ReapInterval: "30s"},
		Security: SecurityConfig{
			MaxAttempts:     3,
			LockoutDuration: "5m",
			BcryptCost:      10,
		},
		Ledger: LedgerConfig{
			LockTimeout:        "2s",
			EnforceDailyLimits: true,
			Timezone:           "UTC",
			PageSize:           100,
			MaxRetries:         3,
			RetryBackoff:       "5ms",
		},
		Limits:  limits,
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: false, Addr: "127.0.0.1:9464"},
	}
}

// DefaultHome is $ATM_HOME, or ~/.atm.
func DefaultHome() string {
	if h := os.Getenv(EnvHome); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atm"
	}
	return filepath.Join(home, ".atm")
}

// DefaultPath is the config file inside DefaultHome.
func DefaultPath() string {
	return filepath.Join(DefaultHome(), "config.toml")
}

// ─── Loading ────────────────────────────────────────────────────────────────

// Load reads path over the defaults. A missing file is not an error. A
// .env file in the working directory is loaded first; variables already set
// in the environment win over it.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvIdleTimeout); v != "" {
		c.Session.IdleTimeout = v
	}
}

// Validate checks every field that Load cannot type-check.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite or memory", c.Store.Driver))
	}

	for name, s := range map[string]string{
		"session.idle_timeout":      c.Session.IdleTimeout,
		"session.reap_interval":     c.Session.ReapInterval,
		"security.lockout_duration": c.Security.LockoutDuration,
		"ledger.lock_timeout":       c.Ledger.LockTimeout,
		"ledger.retry_backoff":      c.Ledger.RetryBackoff,
	} {
		if _, err := parseDuration(name, s); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Security.MaxAttempts < 1 {
		errs = append(errs, errors.New("security.max_attempts must be at least 1"))
	}
	if c.Ledger.MaxRetries < 0 {
		errs = append(errs, errors.New("ledger.max_retries must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Policies(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ─── Typed Accessors ────────────────────────────────────────────────────────

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", field, s)
	}
	return d, nil
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// IdleTimeout is session.idle_timeout. Call after Validate.
func (c Config) IdleTimeout() time.Duration { return mustDuration(c.Session.IdleTimeout) }

// ReapInterval is session.reap_interval.
func (c Config) ReapInterval() time.Duration { return mustDuration(c.Session.ReapInterval) }

// LockoutDuration is security.lockout_duration.
func (c Config) LockoutDuration() time.Duration { return mustDuration(c.Security.LockoutDuration) }

// LockTimeout is ledger.lock_timeout.
func (c Config) LockTimeout() time.Duration { return mustDuration(c.Ledger.LockTimeout) }

// RetryBackoff is ledger.retry_backoff.
func (c Config) RetryBackoff() time.Duration { return mustDuration(c.Ledger.RetryBackoff) }

// Location resolves ledger.timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Ledger.Timezone)
	if err != nil {
		return nil, fmt.Errorf("ledger.timezone: %w", err)
	}
	return loc, nil
}

// Policies builds the account-type policy table from [limits.*]. Types and
// fields missing from the file keep their defaults.
func (c Config) Policies() (domain.Policies, error) {
	p := domain.DefaultPolicies()
	for name, lc := range c.Limits {
		t, err := domain.ParseAccountType(name)
		if err != nil {
			return nil, fmt.Errorf("limits.%s: %w", name, err)
		}
		pol := p[t]
		if lc.Daily != "" {
			if pol.DailyLimit, err = decimal.NewFromString(lc.Daily); err != nil {
				return nil, fmt.Errorf("limits.%s.daily: %w", name, err)
			}
		}
		if lc.Overdraft != "" {
			if pol.Overdraft, err = decimal.NewFromString(lc.Overdraft); err != nil {
				return nil, fmt.Errorf("limits.%s.overdraft: %w", name, err)
			}
		}
		p[t] = pol
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
