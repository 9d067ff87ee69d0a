package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Application credentials.
	APIKey  string `env:"CHAT_API_KEY"`
	BaseURL string `env:"CHAT_BASE_URL" envDefault:"https://chat.example.com"`

	// Websocket endpoint. Derived from BaseURL when empty.
	WSURL string `env:"CHAT_WS_URL"`

	// Identity the client connects as.
	UserID    string `env:"CHAT_USER_ID"`
	UserToken string `env:"CHAT_USER_TOKEN"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Transport tuning.
	EnableWSFallback             bool          `env:"ENABLE_WS_FALLBACK" envDefault:"true"`
	WSConnectTimeout             time.Duration `env:"WS_CONNECT_TIMEOUT" envDefault:"15s"`
	WSConnectTimeoutWithFallback time.Duration `env:"WS_CONNECT_TIMEOUT_WITH_FALLBACK" envDefault:"6s"`
	HealthCheckInterval          time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"25s"`
	UnhealthyAfter               time.Duration `env:"UNHEALTHY_AFTER" envDefault:"35s"`
	MaxReconnectAttempts         int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"20"`
	RecoverStateOnReconnect      bool          `env:"RECOVER_STATE_ON_RECONNECT" envDefault:"true"`

	// Channel list behavior.
	LockChannelOrder   bool `env:"LOCK_CHANNEL_ORDER" envDefault:"false"`
	AbortInFlightQuery bool `env:"ABORT_IN_FLIGHT_QUERY" envDefault:"false"`

	// Local state database. Defaults to ~/.chatsync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Optional YAML query profile; reloaded on change.
	QueryProfile string `env:"QUERY_PROFILE"`

	// Prometheus listener. Empty disables the endpoint.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:""`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file carries user tokens.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		wsURL, err := DeriveWSURL(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("deriving websocket url: %w", err)
		}

		cfg.WSURL = wsURL
	}

	if cfg.QueryProfile != "" {
		abs, err := filepath.Abs(cfg.QueryProfile)
		if err != nil {
			return nil, fmt.Errorf("resolving query profile path: %w", err)
		}

		cfg.QueryProfile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("CHAT_API_KEY is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.UserToken == "" {
		return fmt.Errorf("CHAT_USER_TOKEN is required")
	}

	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.HealthCheckInterval <= 0 || c.UnhealthyAfter <= c.HealthCheckInterval {
		return fmt.Errorf("UNHEALTHY_AFTER must be greater than HEALTH_CHECK_INTERVAL")
	}

	return nil
}

// DeriveWSURL maps an http(s) base URL onto the websocket connect endpoint.
func DeriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/connect"

	return u.String(), nil
}

// DefaultStatePath returns ~/.chatsync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ConnectTimeout returns the per-attempt dial timeout. Attempts are shorter
// when a fallback transport can take over.
func (c *Config) ConnectTimeout() time.Duration {
	if c.EnableWSFallback {
		return c.WSConnectTimeoutWithFallback
	}

	return c.WSConnectTimeout
}

// ReloadUserToken rereads CHAT_USER_TOKEN, preferring a rotated value in
// the .env file over the process environment captured at startup.
func ReloadUserToken() (string, error) {
	if vars, err := godotenv.Read(); err == nil {
		if tok := vars["CHAT_USER_TOKEN"]; tok != "" {
			return tok, nil
		}
	}

	if tok := os.Getenv("CHAT_USER_TOKEN"); tok != "" {
		return tok, nil
	}

	return "", fmt.Errorf("CHAT_USER_TOKEN is not set")
}
