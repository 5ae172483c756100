// Package config loads the client configuration from YAML.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Retry is the jitter window of the connection supervisor.
type Retry struct {
	MinMS    int `yaml:"min_ms"`
	SpreadMS int `yaml:"spread_ms"`
}

// Gateway throttles outbound identity calls.
type Gateway struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Config is the whole client configuration.
type Config struct {
	GatewayURL   string `yaml:"gateway_url"`
	PusherURL    string `yaml:"pusher_url"`
	StartRoomURL string `yaml:"start_room_url"`
	LoginPath    string `yaml:"login_path"`
	// StorePath is a SQLite DSN. Empty keeps credentials in memory.
	StorePath string `yaml:"store_path"`
	// RedisAddr enables the remote last-room cache.
	RedisAddr string `yaml:"redis_addr"`

	Retry            Retry         `yaml:"retry"`
	Gateway          Gateway       `yaml:"gateway"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	LogLevel         string        `yaml:"log_level"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		GatewayURL:   "http://pusher.workadventure.localhost",
		PusherURL:    "ws://pusher.workadventure.localhost",
		StartRoomURL: "/_/global/maps.workadventure.localhost/Floor0/floor0.json",
		LoginPath:    "/login",
		Retry: Retry{
			MinMS:    4000,
			SpreadMS: 2000,
		},
		Gateway: Gateway{
			RequestsPerSecond: 10,
			Burst:             5,
		},
		HandshakeTimeout: 10 * time.Second,
		LogLevel:         "info",
	}
}

// Load reads path over Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: open")
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads YAML from r over Default and validates the result.
func Decode(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read")
	}

	cfg := Default()
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, errors.Wrap(err, "config: decode")
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the client cannot run with.
func (c Config) Validate() error {
	if err := validateURL("gateway_url", c.GatewayURL); err != nil {
		return err
	}
	if err := validateURL("pusher_url", c.PusherURL); err != nil {
		return err
	}
	if c.Retry.MinMS <= 0 {
		return errors.Errorf("config: retry.min_ms must be positive, got %d", c.Retry.MinMS)
	}
	if c.Retry.SpreadMS <= 0 {
		return errors.Errorf("config: retry.spread_ms must be positive, got %d", c.Retry.SpreadMS)
	}
	if c.Gateway.RequestsPerSecond < 0 || c.Gateway.Burst < 0 {
		return errors.New("config: gateway limits must not be negative")
	}
	if c.HandshakeTimeout < 0 {
		return errors.New("config: handshake_timeout must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func validateURL(key, raw string) error {
	if raw == "" {
		return errors.Errorf("config: %s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "config: invalid %s", key)
	}
	if u.Scheme == "" || u.Host == "" {
		return errors.Errorf("config: %s must be absolute, got %q", key, raw)
	}
	return nil
}

// RetryMin is the lower bound of the retry delay.
func (c Config) RetryMin() time.Duration {
	return time.Duration(c.Retry.MinMS) * time.Millisecond
}

// RetrySpread is the width of the retry window.
func (c Config) RetrySpread() time.Duration {
	return time.Duration(c.Retry.SpreadMS) * time.Millisecond
}

// Level parses LogLevel. Empty means info.
func (c Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, errors.Wrapf(err, "config: invalid log_level %q", c.LogLevel)
	}
	return level, nil
}
