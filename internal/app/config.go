package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Credential store modes.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Config struct {
	Env       string `env:"ENV" envDefault:"dev"`         // Environment (dev, staging, prod)
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`  // debug, info, warn, error
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // json, text

	APIBaseURL     string        `env:"API_BASE_URL" envDefault:"http://localhost:5000/api"`
	RealtimeURL    string        `env:"REALTIME_URL" envDefault:"ws://localhost:5000/ws"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	RefreshInterval   time.Duration `env:"SESSION_REFRESH_INTERVAL" envDefault:"15m"`
	RefreshFromExpiry bool          `env:"SESSION_REFRESH_FROM_EXPIRY" envDefault:"false"`

	RealtimeBaseDelay   time.Duration `env:"REALTIME_BASE_DELAY" envDefault:"1s"`
	RealtimeMaxDelay    time.Duration `env:"REALTIME_MAX_DELAY" envDefault:"30s"`
	RealtimeMaxAttempts int           `env:"REALTIME_MAX_ATTEMPTS" envDefault:"5"`
	RealtimeDialTimeout time.Duration `env:"REALTIME_DIAL_TIMEOUT" envDefault:"10s"`
	// RealtimeTypingRate is the number of typing_start signals allowed per
	// second.
	RealtimeTypingRate float64 `env:"REALTIME_TYPING_RATE" envDefault:"1"`

	CredentialStore  string `env:"CREDENTIAL_STORE" envDefault:"sqlite"` // memory, sqlite
	CredentialDBFile string `env:"CREDENTIAL_DB_FILE" envDefault:"backoffice.db"`
	// CredentialSecret, when set, seals stored tokens at rest.
	CredentialSecret string `env:"CREDENTIAL_SECRET"`

	// Optional non-interactive login used when no stored session exists.
	Email    string `env:"BACKOFFICE_EMAIL"`
	Password string `env:"BACKOFFICE_PASSWORD"`
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return parseConfig(env.Options{})
}

func parseConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, cfg.Validate()
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *Config) Sanitize() {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	c.RealtimeURL = strings.TrimSpace(c.RealtimeURL)
	c.CredentialStore = strings.ToLower(strings.TrimSpace(c.CredentialStore))

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.RefreshInterval < time.Minute {
		c.RefreshInterval = time.Minute
	}
	if c.RealtimeBaseDelay <= 0 {
		c.RealtimeBaseDelay = time.Second
	}
	if c.RealtimeMaxDelay < c.RealtimeBaseDelay {
		c.RealtimeMaxDelay = c.RealtimeBaseDelay
	}
	if c.RealtimeMaxAttempts <= 0 {
		c.RealtimeMaxAttempts = 5
	}
	if c.RealtimeDialTimeout <= 0 {
		c.RealtimeDialTimeout = 10 * time.Second
	}
	if c.RealtimeTypingRate <= 0 {
		c.RealtimeTypingRate = 1
	}
}

// Validate reports settings that cannot be repaired.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}
	if c.RealtimeURL == "" {
		return errors.New("REALTIME_URL is required")
	}
	switch c.CredentialStore {
	case StoreMemory:
	case StoreSQLite:
		if c.CredentialDBFile == "" {
			return errors.New("CREDENTIAL_DB_FILE is required for the sqlite credential store")
		}
	default:
		return fmt.Errorf("unknown CREDENTIAL_STORE %q (want %s or %s)", c.CredentialStore, StoreMemory, StoreSQLite)
	}
	return nil
}
