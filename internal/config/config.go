package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Config is the top-level mailsync configuration, loaded from TOML.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Aurinko  AurinkoConfig  `toml:"aurinko"`
	Sync     SyncConfig     `toml:"sync"`
	NATS     NATSConfig     `toml:"nats"`
	Auth     AuthConfig     `toml:"auth"`
	Logging  LoggingConfig  `toml:"logging"`
}

type ServerConfig struct {
	Addr        string `toml:"addr"`
	PublicURL   string `toml:"public_url"` // used to build the OAuth return URL
	AppRedirect string `toml:"app_redirect"`
}

type DatabaseConfig struct {
	Path         string `toml:"path"`
	BusyTimeout  string `toml:"busy_timeout"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

type AurinkoConfig struct {
	BaseURL        string `toml:"base_url"`
	ClientID       string `toml:"client_id"`
	ClientSecret   string `toml:"client_secret"`
	RequestTimeout string `toml:"request_timeout"`
	DaysWithin     int    `toml:"days_within"`
	BodyType       string `toml:"body_type"`
}

type SyncConfig struct {
	PollInterval       string  `toml:"poll_interval"`
	PollConcurrency    int     `toml:"poll_concurrency"`
	WindowPollInterval string  `toml:"window_poll_interval"`
	WindowMaxAttempts  int     `toml:"window_max_attempts"`
	MaxPages           int     `toml:"max_pages"`
	LeaseTTL           string  `toml:"lease_ttl"`
	MaxMalformedRatio  float64 `toml:"max_malformed_ratio"`
	RetryMaxAttempts   int     `toml:"retry_max_attempts"`
	RetryInitial       string  `toml:"retry_initial_interval"`
	RetryMax           string  `toml:"retry_max_interval"`
}

type NATSConfig struct {
	URL            string `toml:"url"`
	Stream         string `toml:"stream"`
	DispatchBatch  int    `toml:"dispatch_batch"`
	DispatchIdle   string `toml:"dispatch_idle"`
	PublishBackoff string `toml:"publish_backoff"`
}

type AuthConfig struct {
	JWKSURL string `toml:"jwks_url"` // empty disables caller authentication
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a configuration usable for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			PublicURL:   "http://localhost:8080",
			AppRedirect: "/mail",
		},
		Database: DatabaseConfig{
			Path:         "data/mailsync.db",
			BusyTimeout:  "5s",
			MaxOpenConns: 10,
		},
		Aurinko: AurinkoConfig{
			BaseURL:        "https://api.aurinko.io/v1",
			RequestTimeout: "30s",
			DaysWithin:     2,
			BodyType:       "html",
		},
		Sync: SyncConfig{
			PollInterval:       "30s",
			PollConcurrency:    4,
			WindowPollInterval: "1s",
			WindowMaxAttempts:  30,
			MaxPages:           500,
			LeaseTTL:           "10m",
			MaxMalformedRatio:  0.5,
			RetryMaxAttempts:   4,
			RetryInitial:       "500ms",
			RetryMax:           "10s",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Stream:         "MAIL_INDEX",
			DispatchBatch:  100,
			DispatchIdle:   "500ms",
			PublishBackoff: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path on top of DefaultConfig, applies
// environment overrides and validates the result. A missing file is not an
// error; defaults and environment are used instead.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.WithField("path", path).Warn("config file not found, using defaults")
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			md, err := toml.Decode(string(content), &cfg)
			if err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
			for _, key := range md.Undecoded() {
				log.WithField("key", key.String()).Warn("unknown configuration key ignored")
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and deployment-specific settings from MAILSYNC_* variables.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	setString("MAILSYNC_SERVER_ADDR", &cfg.Server.Addr)
	setString("MAILSYNC_PUBLIC_URL", &cfg.Server.PublicURL)
	setString("MAILSYNC_DATABASE_PATH", &cfg.Database.Path)
	setString("MAILSYNC_AURINKO_BASE_URL", &cfg.Aurinko.BaseURL)
	setString("MAILSYNC_AURINKO_CLIENT_ID", &cfg.Aurinko.ClientID)
	setString("MAILSYNC_AURINKO_CLIENT_SECRET", &cfg.Aurinko.ClientSecret)
	setString("MAILSYNC_NATS_URL", &cfg.NATS.URL)
	setString("MAILSYNC_JWKS_URL", &cfg.Auth.JWKSURL)
	setString("MAILSYNC_LOG_LEVEL", &cfg.Logging.Level)

	if v, ok := os.LookupEnv("MAILSYNC_AURINKO_DAYS_WITHIN"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Aurinko.DaysWithin = n
		}
	}
}

// Validate checks value ranges and that every duration parses.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Aurinko.BaseURL == "" {
		errs = append(errs, errors.New("aurinko.base_url is required"))
	}
	if c.Aurinko.DaysWithin <= 0 {
		errs = append(errs, errors.New("aurinko.days_within must be positive"))
	}
	if c.Sync.WindowMaxAttempts <= 0 {
		errs = append(errs, errors.New("sync.window_max_attempts must be positive"))
	}
	if c.Sync.MaxPages <= 0 {
		errs = append(errs, errors.New("sync.max_pages must be positive"))
	}
	if c.Sync.PollConcurrency <= 0 {
		errs = append(errs, errors.New("sync.poll_concurrency must be positive"))
	}
	if c.Sync.MaxMalformedRatio < 0 || c.Sync.MaxMalformedRatio > 1 {
		errs = append(errs, errors.New("sync.max_malformed_ratio must be between 0 and 1"))
	}

	durations := map[string]string{
		"database.busy_timeout":       c.Database.BusyTimeout,
		"aurinko.request_timeout":     c.Aurinko.RequestTimeout,
		"sync.poll_interval":          c.Sync.PollInterval,
		"sync.window_poll_interval":   c.Sync.WindowPollInterval,
		"sync.lease_ttl":              c.Sync.LeaseTTL,
		"sync.retry_initial_interval": c.Sync.RetryInitial,
		"sync.retry_max_interval":     c.Sync.RetryMax,
		"nats.dispatch_idle":          c.NATS.DispatchIdle,
		"nats.publish_backoff":        c.NATS.PublishBackoff,
	}
	for key, value := range durations {
		if _, err := parseDuration(value, 0); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	return d, nil
}

// mustDuration is used by the getters below after Validate has passed.
func mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := parseDuration(s, fallback)
	if err != nil {
		return fallback
	}
	return d
}

func (d DatabaseConfig) GetBusyTimeout() time.Duration { return mustDuration(d.BusyTimeout, 5*time.Second) }

func (a AurinkoConfig) GetRequestTimeout() time.Duration {
	return mustDuration(a.RequestTimeout, 30*time.Second)
}

func (s SyncConfig) GetPollInterval() time.Duration { return mustDuration(s.PollInterval, 30*time.Second) }

func (s SyncConfig) GetWindowPollInterval() time.Duration {
	return mustDuration(s.WindowPollInterval, time.Second)
}

func (s SyncConfig) GetLeaseTTL() time.Duration { return mustDuration(s.LeaseTTL, 10*time.Minute) }

func (s SyncConfig) GetRetryInitial() time.Duration {
	return mustDuration(s.RetryInitial, 500*time.Millisecond)
}

func (s SyncConfig) GetRetryMax() time.Duration { return mustDuration(s.RetryMax, 10*time.Second) }

// GetRetryCount converts retry_max_attempts, which counts the first try, into
// the number of retries after it.
func (s SyncConfig) GetRetryCount() int {
	if s.RetryMaxAttempts < 1 {
		return 0
	}
	return s.RetryMaxAttempts - 1
}

func (n NATSConfig) GetDispatchIdle() time.Duration {
	return mustDuration(n.DispatchIdle, 500*time.Millisecond)
}

func (n NATSConfig) GetPublishBackoff() time.Duration {
	return mustDuration(n.PublishBackoff, 10*time.Second)
}
