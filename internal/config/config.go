// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Remote sources selectable with SOURCE.
const (
	SourceHTML = "html"
	SourceFeed = "feed"
)

// Config holds the application configuration.
type Config struct {
	BoardURL           string        `env:"BOARD_URL,required,notEmpty"`
	DatabasePath       string        `env:"DATABASE_PATH"        envDefault:"./data/island.db"`
	LogLevel           string        `env:"LOG_LEVEL"            envDefault:"info"`
	ListenAddr         string        `env:"LISTEN_ADDR"          envDefault:":8080"`
	PageSize           int           `env:"PAGE_SIZE"            envDefault:"20"`
	PrefetchDistance   int           `env:"PREFETCH_DISTANCE"    envDefault:"20"`
	Source             string        `env:"SOURCE"               envDefault:"html"`
	SectionRefreshSpec string        `env:"SECTION_REFRESH_SPEC" envDefault:"@every 1h"`
	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT"         envDefault:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.BoardURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BOARD_URL %q must be an absolute url", c.BoardURL)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	if c.PrefetchDistance < 0 {
		return fmt.Errorf("PREFETCH_DISTANCE must not be negative, got %d", c.PrefetchDistance)
	}
	switch c.Source {
	case SourceHTML, SourceFeed:
	default:
		return fmt.Errorf("invalid SOURCE %q, use: %s, %s", c.Source, SourceHTML, SourceFeed)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}
	return nil
}

// Level maps LogLevel to a slog level. Unknown values fall back to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
