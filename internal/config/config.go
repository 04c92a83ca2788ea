package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Join event names understood by chat servers.
const (
	JoinEventMulti  = "joinChat"
	JoinEventLegacy = "join"
)

// Config represents the global ~/.chatsync/config.toml, overlaid by
// CHATSYNC_* environment variables.
type Config struct {
	DefaultProfile string `toml:"default_profile" env:"CHATSYNC_PROFILE"`

	// ServerURL is the REST base URL. WebsocketURL defaults to the same
	// host with a ws(s) scheme and the /ws path.
	ServerURL    string `toml:"server_url" env:"CHATSYNC_SERVER_URL"`
	WebsocketURL string `toml:"ws_url" env:"CHATSYNC_WS_URL"`

	JoinEvent    string `toml:"join_event" env:"CHATSYNC_JOIN_EVENT"`
	LeaveOnClose bool   `toml:"leave_on_close" env:"CHATSYNC_LEAVE_ON_CLOSE"`

	ReconnectMin Duration `toml:"reconnect_min" env:"CHATSYNC_RECONNECT_MIN"`
	ReconnectMax Duration `toml:"reconnect_max" env:"CHATSYNC_RECONNECT_MAX"`
	IdleTimeout  Duration `toml:"idle_timeout" env:"CHATSYNC_IDLE_TIMEOUT"`
	DedupWindow  Duration `toml:"dedup_window" env:"CHATSYNC_DEDUP_WINDOW"`

	MaxMessageLength int    `toml:"max_message_length" env:"CHATSYNC_MAX_MESSAGE_LENGTH"`
	LogLevel         string `toml:"log_level" env:"CHATSYNC_LOG_LEVEL"`
}

// Duration is a time.Duration that reads and writes as "1s" style strings.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile:   "main",
		ServerURL:        "http://localhost:8000",
		JoinEvent:        JoinEventMulti,
		ReconnectMin:     Duration(time.Second),
		ReconnectMax:     Duration(30 * time.Second),
		IdleTimeout:      Duration(90 * time.Second),
		DedupWindow:      Duration(2 * time.Second),
		MaxMessageLength: 5000,
		LogLevel:         "info",
	}
}

// Load reads config from the given path on top of the defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv reads the config file if present, then applies a .env file
// and CHATSYNC_* environment variables, and validates the result.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := LoadOverlay(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadOverlay is LoadWithEnv without validation, for callers that only
// read a few keys, such as profile resolution in the CLI.
func LoadOverlay(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks the values the session depends on.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url %q must be an http(s) URL", c.ServerURL)
	}
	if c.WebsocketURL != "" {
		w, err := url.Parse(c.WebsocketURL)
		if err != nil || (w.Scheme != "ws" && w.Scheme != "wss") || w.Host == "" {
			return fmt.Errorf("ws_url %q must be a ws(s) URL", c.WebsocketURL)
		}
	}
	if c.JoinEvent != JoinEventMulti && c.JoinEvent != JoinEventLegacy {
		return fmt.Errorf("join_event must be %q or %q, got %q", JoinEventMulti, JoinEventLegacy, c.JoinEvent)
	}
	if c.ReconnectMin <= 0 {
		return fmt.Errorf("reconnect_min must be positive")
	}
	if c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect_max (%s) is below reconnect_min (%s)", c.ReconnectMax.Std(), c.ReconnectMin.Std())
	}
	if c.DedupWindow < 0 {
		return fmt.Errorf("dedup_window cannot be negative")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("max_message_length must be positive")
	}
	return nil
}

// WSURL returns the websocket URL, derived from ServerURL when unset.
func (c *Config) WSURL() string {
	if c.WebsocketURL != "" {
		return c.WebsocketURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
