// Package config loads the server configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingOwner    = errors.New("owner is required")
	ErrInvalidFee      = errors.New("fee_percent must be between 0 and 100")
	ErrInvalidPort     = errors.New("port must be between 0 and 65535")
	ErrMissingSecret   = errors.New("jwt_secret is required when http is enabled")
	ErrAccountIsOwner  = errors.New("account must differ from owner")
	ErrInvalidLogLevel = errors.New("invalid log level")
)

type Config struct {
	Owner           string        `yaml:"owner"`            // identity that deployed the engine and receives fees
	Account         string        `yaml:"account"`          // ledger account holding payments in flight and fees
	FeePercent      int64         `yaml:"fee_percent"`      // platform fee taken on every sale
	DefaultDuration time.Duration `yaml:"default_duration"` // auction length when created with zero duration
	JWTSecret       string        `yaml:"jwt_secret"`       // signs caller tokens for TCP sessions and HTTP

	Listen  Listen  `yaml:"listen"`
	Workers uint    `yaml:"workers"` // TCP connection workers
	Journal Journal `yaml:"journal"`
	HTTP    HTTP    `yaml:"http"`
	Log     Log     `yaml:"log"`

	// Balances minted when the journal is empty.
	Genesis []Allocation `yaml:"genesis"`
}

type Listen struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type Journal struct {
	Path           string `yaml:"path"` // empty keeps everything in memory
	SyncEveryWrite bool   `yaml:"sync_every_write"`
}

type HTTP struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"` // overrides the top level secret for HTTP
}

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"` // human readable console output
}

type Allocation struct {
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"` // base units
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		Account:         "aucengine",
		FeePercent:      10,
		DefaultDuration: 2 * 24 * time.Hour,
		Listen: Listen{
			Address: "0.0.0.0",
			Port:    9001,
		},
		Workers: 10,
		HTTP: HTTP{
			Address: "0.0.0.0",
			Port:    9002,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Owner == "" {
		return ErrMissingOwner
	}
	if c.Account == c.Owner {
		return ErrAccountIsOwner
	}
	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidFee, c.FeePercent)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen: %w", ErrInvalidPort)
	}
	if c.HTTP.Enabled {
		if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("http: %w", ErrInvalidPort)
		}
		if c.HTTPSecret() == "" {
			return ErrMissingSecret
		}
	}
	if _, err := c.Log.ParseLevel(); err != nil {
		return err
	}
	return nil
}

// HTTPSecret is the secret HTTP tokens are verified with.
func (c Config) HTTPSecret() string {
	if c.HTTP.JWTSecret != "" {
		return c.HTTP.JWTSecret
	}
	return c.JWTSecret
}

func (l Log) ParseLevel() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("%w %q", ErrInvalidLogLevel, l.Level)
	}
	return level, nil
}
