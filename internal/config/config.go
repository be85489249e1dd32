// Package config loads service configuration. Values come from an optional
// YAML file merged with CARELOCK_* environment variables; the environment
// always wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Defaults for non-secret settings.
const (
	DefaultListenAddr           = ":8080"
	DefaultSessionCeiling       = 8 * time.Hour
	DefaultEmergencyWindow      = 1 * time.Hour
	DefaultFailedLoginThreshold = 5
	DefaultFailedLoginWindow    = 15 * time.Minute
	DefaultSweepInterval        = 5 * time.Minute
	DefaultRateLimitPerSecond   = 20
	DefaultRateLimitBurst       = 40
)

var (
	ErrMissingTokenSecret = errors.New("CARELOCK_TOKEN_SECRET is required")
	ErrInvalidDuration    = errors.New("invalid duration value")
)

// Config holds every tunable the service reads at startup.
type Config struct {
	ListenAddr string `koanf:"listen_addr"`
	PostgresDSN string `koanf:"postgres_dsn"`

	// TokenSecret signs session tokens (HS256).
	TokenSecret string `koanf:"token_secret"`

	// SessionCeiling is the absolute session lifetime; activity refresh
	// never extends a session past issue time + ceiling.
	SessionCeiling time.Duration `koanf:"session_ceiling"`

	// EmergencyWindow is how long an approved break-glass grant stays usable.
	EmergencyWindow time.Duration `koanf:"emergency_window"`

	// EmergencyApprovalRequired makes new grants start as pending instead of
	// approved. The policy store can override this at runtime.
	EmergencyApprovalRequired bool `koanf:"emergency_approval_required"`

	// Security event detection thresholds.
	FailedLoginThreshold int           `koanf:"failed_login_threshold"`
	FailedLoginWindow    time.Duration `koanf:"failed_login_window"`

	// SweepInterval drives the background grant sweep and revocation purge.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	RateLimitPerSecond int `koanf:"rate_limit_per_second"`
	RateLimitBurst     int `koanf:"rate_limit_burst"`
}

// Load reads configuration from the optional YAML file at path and the
// environment. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		ListenAddr:                stringValue(k, "listen_addr", "CARELOCK_LISTEN_ADDR", DefaultListenAddr),
		PostgresDSN:               stringValue(k, "postgres_dsn", "CARELOCK_PG_DSN", ""),
		TokenSecret:               stringValue(k, "token_secret", "CARELOCK_TOKEN_SECRET", ""),
		EmergencyApprovalRequired: boolValue(k, "emergency_approval_required", "CARELOCK_EMERGENCY_APPROVAL_REQUIRED", false),
	}

	var err error
	if cfg.SessionCeiling, err = durationValue(k, "session_ceiling", "CARELOCK_SESSION_CEILING", DefaultSessionCeiling); err != nil {
		return nil, err
	}
	if cfg.EmergencyWindow, err = durationValue(k, "emergency_window", "CARELOCK_EMERGENCY_WINDOW", DefaultEmergencyWindow); err != nil {
		return nil, err
	}
	if cfg.FailedLoginWindow, err = durationValue(k, "failed_login_window", "CARELOCK_FAILED_LOGIN_WINDOW", DefaultFailedLoginWindow); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationValue(k, "sweep_interval", "CARELOCK_SWEEP_INTERVAL", DefaultSweepInterval); err != nil {
		return nil, err
	}
	if cfg.FailedLoginThreshold, err = intValue(k, "failed_login_threshold", "CARELOCK_FAILED_LOGIN_THRESHOLD", DefaultFailedLoginThreshold); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerSecond, err = intValue(k, "rate_limit_per_second", "CARELOCK_RATE_LIMIT_PER_SECOND", DefaultRateLimitPerSecond); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = intValue(k, "rate_limit_burst", "CARELOCK_RATE_LIMIT_BURST", DefaultRateLimitBurst); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports configuration the service cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TokenSecret) == "" {
		return ErrMissingTokenSecret
	}
	return nil
}

func stringValue(k *koanf.Koanf, key, env, def string) string {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	if v := strings.TrimSpace(k.String(key)); v != "" {
		return v
	}
	return def
}

func boolValue(k *koanf.Koanf, key, env string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	if k.Exists(key) {
		return k.Bool(key)
	}
	return def
}

func intValue(k *koanf.Koanf, key, env string, def int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer: %w", env, err)
		}
		return n, nil
	}
	if k.Exists(key) {
		return k.Int(key), nil
	}
	return def, nil
}

func durationValue(k *koanf.Koanf, key, env string, def time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w: %v", env, ErrInvalidDuration, err)
		}
		return d, nil
	}
	if k.Exists(key) {
		if s := k.String(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return 0, fmt.Errorf("%s: %w: %v", key, ErrInvalidDuration, err)
			}
			return d, nil
		}
	}
	return def, nil
}
