// Package config provides the portal client configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// LocalAPIBase is the backend address used when the portal runs on a
// developer machine.
const LocalAPIBase = "http://127.0.0.1:8000"

// RewriteAPIPrefix is the same-origin path the hosting platform rewrites to
// the backend.
const RewriteAPIPrefix = "/api"

// DevCookieSecret signs page-server cookies when COOKIE_SECRET is unset. It
// is only accepted for a development origin.
const DevCookieSecret = "change-me-marutha-page-secret"

// Config holds all client configuration.
type Config struct {
	PageOrigin   string
	APIBase      string // explicit override; empty means resolve from PageOrigin
	Addr         string
	StaticDir    string
	StateDriver  string // "sqlite3" or "postgres"
	StatePath    string
	CookieSecret string
	LogLevel     slog.Level
	Reconnect    ReconnectConfig
}

// ReconnectConfig is the real-time channel reconnection policy.
type ReconnectConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		PageOrigin:   getEnv("PAGE_ORIGIN", "http://localhost:8080"),
		APIBase:      getEnv("API_BASE_URL", ""),
		Addr:         getEnv("ADDR", ":8080"),
		StaticDir:    getEnv("STATIC_DIR", "static"),
		StateDriver:  getEnv("STATE_DRIVER", "sqlite3"),
		StatePath:    getEnv("STATE_PATH", "./data/marutha.db"),
		CookieSecret: getEnv("COOKIE_SECRET", DevCookieSecret),
		LogLevel:     getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Reconnect: ReconnectConfig{
			Base:        getEnvDuration("RECONNECT_BASE", 500*time.Millisecond),
			Max:         getEnvDuration("RECONNECT_MAX", 30*time.Second),
			MaxAttempts: getEnvInt("RECONNECT_ATTEMPTS", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.PageOrigin == "" {
		return fmt.Errorf("PAGE_ORIGIN cannot be empty")
	}
	if _, err := url.Parse(c.PageOrigin); err != nil {
		return fmt.Errorf("PAGE_ORIGIN is not a URL: %w", err)
	}
	if c.Addr == "" {
		return fmt.Errorf("ADDR cannot be empty")
	}
	switch c.StateDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("STATE_DRIVER must be sqlite3 or postgres, got %q", c.StateDriver)
	}
	if c.StatePath == "" {
		return fmt.Errorf("STATE_PATH cannot be empty")
	}
	if c.CookieSecret == "" {
		return fmt.Errorf("COOKIE_SECRET cannot be empty")
	}
	if c.Reconnect.Base <= 0 || c.Reconnect.Max < c.Reconnect.Base {
		return fmt.Errorf("RECONNECT_BASE must be > 0 and <= RECONNECT_MAX")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be > 0")
	}
	return nil
}

// ValidateServe checks the settings only the page server needs. Outside
// development the cookie secret must be set explicitly.
func (c *Config) ValidateServe() error {
	if c.StaticDir == "" {
		return fmt.Errorf("STATIC_DIR cannot be empty")
	}
	if !c.IsDevelopment() && c.CookieSecret == DevCookieSecret {
		return fmt.Errorf("COOKIE_SECRET must be set for %s", c.PageOrigin)
	}
	return nil
}

// ResolveAPIBase picks the backend base for the host the pages are served
// from.
func ResolveAPIBase(hostname string) string {
	switch strings.ToLower(hostname) {
	case "localhost", "127.0.0.1":
		return LocalAPIBase
	}
	return RewriteAPIPrefix
}

// APIBaseURL returns the absolute backend base URL.
func (c *Config) APIBaseURL() string {
	if c.APIBase != "" {
		return strings.TrimRight(c.APIBase, "/")
	}
	origin, err := url.Parse(c.PageOrigin)
	if err != nil {
		return LocalAPIBase
	}
	base := ResolveAPIBase(origin.Hostname())
	if strings.HasPrefix(base, "/") {
		return strings.TrimRight(origin.Scheme+"://"+origin.Host, "/") + base
	}
	return base
}

// RealtimeURL returns the event-stream endpoint derived from the API base.
func (c *Config) RealtimeURL() string {
	return RealtimeURL(c.APIBaseURL())
}

// RealtimeURL maps an http(s) API base onto its ws(s) event-stream endpoint.
func RealtimeURL(apiBase string) string {
	u, err := url.Parse(apiBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// IsDevelopment returns true when the pages are served from a local host.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.PageOrigin, "localhost") ||
		strings.Contains(c.PageOrigin, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
