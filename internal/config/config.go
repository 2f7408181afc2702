// Package config loads the gateway configuration: YAML file first, then
// environment overrides. The result is a frozen value constructed once at
// startup; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/tradegate/internal/hitl"
)

// HITL holds the approval-gate knobs.
type HITL struct {
	Enabled               bool    `yaml:"enabled"`
	TimeoutSeconds        int     `yaml:"timeout_seconds"`
	SlippageMaxPercent    string  `yaml:"slippage_max_percent"`
	AllowedOperators      []string `yaml:"allowed_operators"`
	ExpiryIntervalSeconds int     `yaml:"expiry_interval_seconds"`
}

// Database holds connection-pool settings for the approval store.
type Database struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// Redis holds event-bus settings. Empty Addr selects the in-process bus.
type Redis struct {
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

// HTTPServer holds listener settings.
type HTTPServer struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	JWTSecret    string        `yaml:"jwt_secret"`
}

// Upstreams holds the external collaborators.
type Upstreams struct {
	GuardianURL   string `yaml:"guardian_url"`
	MarketDataURL string `yaml:"marketdata_url"`
	ChatWebhook   string `yaml:"chat_webhook"`
	DeepLinkURL   string `yaml:"deeplink_url"`
}

// Config is the full frozen gateway configuration.
type Config struct {
	HITL      HITL       `yaml:"hitl"`
	Database  Database   `yaml:"database"`
	Redis     Redis      `yaml:"redis"`
	Server    HTTPServer `yaml:"server"`
	Upstreams Upstreams  `yaml:"upstreams"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		HITL: HITL{
			Enabled:               true,
			TimeoutSeconds:        300,
			SlippageMaxPercent:    "0.5",
			ExpiryIntervalSeconds: 30,
		},
		Database: Database{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
		Redis: Redis{Prefix: "tradegate:events:"},
		Server: HTTPServer{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads the optional YAML file at path, applies environment overrides,
// and validates. Missing required settings return SEC-040.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HITL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HITL.Enabled = b
		}
	}
	if v := os.Getenv("HITL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HITL.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("HITL_SLIPPAGE_MAX_PERCENT"); v != "" {
		cfg.HITL.SlippageMaxPercent = v
	}
	if v := os.Getenv("HITL_ALLOWED_OPERATORS"); v != "" {
		cfg.HITL.AllowedOperators = splitOperators(v)
	}
	if v := os.Getenv("HITL_EXPIRY_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HITL.ExpiryIntervalSeconds = n
		}
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("GUARDIAN_URL"); v != "" {
		cfg.Upstreams.GuardianURL = v
	}
	if v := os.Getenv("MARKETDATA_URL"); v != "" {
		cfg.Upstreams.MarketDataURL = v
	}
	if v := os.Getenv("CHAT_WEBHOOK_URL"); v != "" {
		cfg.Upstreams.ChatWebhook = v
	}
	if v := os.Getenv("DEEPLINK_BASE_URL"); v != "" {
		cfg.Upstreams.DeepLinkURL = v
	}
}

func splitOperators(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate enforces required settings and value ranges.
func (c Config) Validate() error {
	if c.Database.DSN == "" {
		return hitl.Errf(hitl.CodeMissingConfig, "database DSN is required (PG_DSN)")
	}
	if len(c.HITL.AllowedOperators) == 0 {
		return hitl.Errf(hitl.CodeMissingConfig, "allowed operator set is required (HITL_ALLOWED_OPERATORS)")
	}
	if c.Server.JWTSecret == "" {
		return hitl.Errf(hitl.CodeMissingConfig, "JWT secret is required (JWT_SECRET)")
	}
	if c.Upstreams.GuardianURL == "" {
		return hitl.Errf(hitl.CodeMissingConfig, "guardian URL is required (GUARDIAN_URL)")
	}
	if c.Upstreams.MarketDataURL == "" {
		return hitl.Errf(hitl.CodeMissingConfig, "market-data URL is required (MARKETDATA_URL)")
	}
	if c.HITL.TimeoutSeconds <= 0 {
		return hitl.Errf(hitl.CodeMissingConfig, "timeout seconds must be positive")
	}
	if c.HITL.ExpiryIntervalSeconds <= 0 {
		return hitl.Errf(hitl.CodeMissingConfig, "expiry interval must be positive")
	}
	if _, err := decimal.NewFromString(c.HITL.SlippageMaxPercent); err != nil {
		return hitl.Errf(hitl.CodeMissingConfig, "slippage max percent %q is not a decimal", c.HITL.SlippageMaxPercent)
	}
	return nil
}

// Timeout returns the approval window as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HITL.TimeoutSeconds) * time.Second
}

// ExpiryInterval returns the expiry worker tick as a duration.
func (c Config) ExpiryInterval() time.Duration {
	return time.Duration(c.HITL.ExpiryIntervalSeconds) * time.Second
}

// SlippageMax returns the parsed slippage threshold. Validate guarantees it
// parses.
func (c Config) SlippageMax() decimal.Decimal {
	d, _ := decimal.NewFromString(c.HITL.SlippageMaxPercent)
	return d
}

// OperatorSet returns the authorized operator ids as a set.
func (c Config) OperatorSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.HITL.AllowedOperators))
	for _, op := range c.HITL.AllowedOperators {
		set[op] = struct{}{}
	}
	return set
}
