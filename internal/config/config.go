// Package config loads service configuration from an optional TOML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/atmx/lending-engine/internal/model"
)

type Config struct {
	Server struct {
		Port           string        `toml:"port"`
		RequestTimeout time.Duration `toml:"request_timeout"`
	} `toml:"server"`

	Storage struct {
		DatabaseURL string        `toml:"database_url"`
		RedisURL    string        `toml:"redis_url"`
		CacheTTL    time.Duration `toml:"cache_ttl"`
		LevelDBPath string        `toml:"leveldb_path"`
		SQLitePath  string        `toml:"sqlite_path"`
	} `toml:"storage"`

	Ltv model.LtvPolicy `toml:"ltv"`

	Oracle struct {
		InitialPrice    uint64        `toml:"initial_price"`
		FeedURL         string        `toml:"feed_url"`
		Asset           string        `toml:"asset"`
		Currency        string        `toml:"currency"`
		Timeout         time.Duration `toml:"timeout"`
		RefreshInterval time.Duration `toml:"refresh_interval"`
	} `toml:"oracle"`

	Gateway struct {
		URL             string        `toml:"url"`
		Timeout         time.Duration `toml:"timeout"`
		TransferTimeout time.Duration `toml:"transfer_timeout"`
		RateLimit       float64       `toml:"rate_limit"`
		Burst           int           `toml:"burst"`
	} `toml:"gateway"`

	Auth struct {
		JWTSecret string   `toml:"jwt_secret"`
		Admins    []string `toml:"admins"`
	} `toml:"auth"`
}

// Load reads the file at path (skipped when empty), applies environment
// overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	applyEnv(&cfg, getenv)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Port, "PORT")
	set(&cfg.Storage.DatabaseURL, "DATABASE_URL")
	set(&cfg.Storage.RedisURL, "REDIS_URL")
	set(&cfg.Storage.LevelDBPath, "LEVELDB_PATH")
	set(&cfg.Storage.SQLitePath, "SQLITE_PATH")
	set(&cfg.Auth.JWTSecret, "JWT_SECRET")
	set(&cfg.Oracle.FeedURL, "PRICE_FEED_URL")
	set(&cfg.Gateway.URL, "GATEWAY_URL")
	if v := getenv("LENDING_ADMINS"); v != "" {
		cfg.Auth.Admins = strings.Split(v, ",")
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Ltv.Numerator == 0 && cfg.Ltv.Denominator == 0 {
		def := model.DefaultLtvPolicy()
		cfg.Ltv.Numerator, cfg.Ltv.Denominator = def.Numerator, def.Denominator
	}
	if cfg.Ltv.Units == "" {
		cfg.Ltv.Units = model.UnitsValue
	}
	if cfg.Oracle.InitialPrice == 0 {
		cfg.Oracle.InitialPrice = 100
	}
	if cfg.Oracle.Asset == "" {
		cfg.Oracle.Asset = "chain-key-bitcoin"
	}
	if cfg.Oracle.Currency == "" {
		cfg.Oracle.Currency = "usd"
	}
	if cfg.Oracle.Timeout <= 0 {
		cfg.Oracle.Timeout = 10 * time.Second
	}
	if cfg.Gateway.Timeout <= 0 {
		cfg.Gateway.Timeout = 30 * time.Second
	}
	if cfg.Gateway.TransferTimeout <= 0 {
		cfg.Gateway.TransferTimeout = cfg.Gateway.Timeout
	}
	if cfg.Gateway.RateLimit == 0 {
		cfg.Gateway.RateLimit = 10
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 5
	}
	cfg.Auth.Admins = normalizeAdmins(cfg.Auth.Admins)
}

func validate(cfg *Config) error {
	if err := cfg.Ltv.Validate(); err != nil {
		return fmt.Errorf("ltv %d/%d %q: %w", cfg.Ltv.Numerator, cfg.Ltv.Denominator, cfg.Ltv.Units, err)
	}
	if cfg.Storage.DatabaseURL != "" && cfg.Storage.LevelDBPath != "" {
		return errors.New("storage.database_url and storage.leveldb_path are mutually exclusive")
	}
	if cfg.Oracle.RefreshInterval > 0 && cfg.Oracle.FeedURL == "" {
		return errors.New("oracle.refresh_interval set but oracle.feed_url empty")
	}
	if cfg.Gateway.RateLimit < 0 {
		return errors.New("gateway.rate_limit must not be negative")
	}
	return nil
}

func normalizeAdmins(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		id := strings.TrimSpace(s)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
