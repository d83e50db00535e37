// Package config loads the alertflow YAML configuration and watches it for
// changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Hook      HookConfig      `yaml:"hook"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// ERPSchema creates the reference ERP tables; for local runs only.
	ERPSchema bool `yaml:"erp_schema"`
	Seed      bool `yaml:"seed"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SchedulerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	DefaultTimezone string   `yaml:"default_timezone"`
	StopTimeout     Duration `yaml:"stop_timeout"`
}

type DeliveryConfig struct {
	BatchSize      int               `yaml:"batch_size"`
	MaxAttempts    int               `yaml:"max_attempts"`
	RatePerHour    int               `yaml:"rate_per_hour"`
	RetryBase      Duration          `yaml:"retry_base"`
	RetryMax       Duration          `yaml:"retry_max"`
	StaleAfter     Duration          `yaml:"stale_after"`
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`
	WebhookTimeout Duration          `yaml:"webhook_timeout"`
}

type HookConfig struct {
	Delay Duration `yaml:"delay"`
}

func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "alertflow.db"},
		Log:      LogConfig{Level: "info", Format: "console"},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			DefaultTimezone: "America/Santiago",
			StopTimeout:     Duration(30 * time.Second),
		},
		Delivery: DeliveryConfig{
			BatchSize:      10,
			MaxAttempts:    3,
			RatePerHour:    50,
			RetryBase:      Duration(time.Minute),
			RetryMax:       Duration(time.Hour),
			StaleAfter:     Duration(10 * time.Minute),
			WebhookTimeout: Duration(30 * time.Second),
		},
		Hook: HookConfig{Delay: Duration(500 * time.Millisecond)},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := decode(b, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func decode(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: must be console or json, got %q", c.Log.Format))
	}
	if _, err := time.LoadLocation(c.Scheduler.DefaultTimezone); err != nil || c.Scheduler.DefaultTimezone == "" {
		errs = append(errs, fmt.Errorf("scheduler.default_timezone: invalid %q", c.Scheduler.DefaultTimezone))
	}
	if c.Delivery.BatchSize <= 0 {
		errs = append(errs, errors.New("delivery.batch_size must be > 0"))
	}
	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, errors.New("delivery.max_attempts must be > 0"))
	}
	if c.Delivery.RatePerHour < 0 {
		errs = append(errs, errors.New("delivery.rate_per_hour must be >= 0"))
	}
	if c.Delivery.RetryMax < c.Delivery.RetryBase {
		errs = append(errs, errors.New("delivery.retry_max must be >= delivery.retry_base"))
	}
	return errors.Join(errs...)
}

// LogLevel is the parsed log level; invalid levels read as info.
func (c *Config) LogLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
