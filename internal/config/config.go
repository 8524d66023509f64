// Package config loads server configuration from a YAML file, .env files and
// the environment, in increasing order of precedence.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/secretapproval/internal/crypto"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "APPROVALS_"

// DefaultFile is read when no config path is given.
const DefaultFile = "config.yaml"

// Config is the secretapprovald configuration.
type Config struct {
	ListenAddr     string              `yaml:"listen_addr" env:"LISTEN_ADDR" validate:"required"`
	DBUrl          string              `yaml:"db_url" env:"DB_URL" validate:"required"`
	RedisURL       string              `yaml:"redis_url" env:"REDIS_URL"`
	RootKey        string              `yaml:"root_key" env:"ROOT_KEY" validate:"required,base64"`
	RequestMode    string              `yaml:"request_mode" env:"REQUEST_MODE" validate:"oneof=upsert multiple"`
	SaltCacheTTL   time.Duration       `yaml:"salt_cache_ttl" env:"SALT_CACHE_TTL" validate:"gte=0"`
	RateLimitRPS   float64             `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS" validate:"gte=0"`
	RateLimitBurst int                 `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST" validate:"gte=0"`
	LogLevel       string              `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	BlindIndex     crypto.Argon2Params `yaml:"blind_index" envPrefix:"BLIND_INDEX_"`
}

// Default returns the configuration used for unset keys.
func Default() Config {
	return Config{
		ListenAddr:     ":8300",
		RequestMode:    "multiple",
		SaltCacheTTL:   10 * time.Minute,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		LogLevel:       "info",
		BlindIndex:     crypto.DefaultArgon2Params,
	}
}

// Load reads path (DefaultFile when empty), applies .env files and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}
	if err := loadDotEnv(".env", ".env.local"); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("file", path).Msg("config file not found, using defaults")
	} else {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.DBUrl == "" {
		cfg.DBUrl = os.Getenv("DATABASE_URL")
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.RootKeyBytes(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RootKeyBytes decodes the base64 root key.
func (c *Config) RootKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.RootKey)
	if err != nil {
		return nil, fmt.Errorf("decoding root_key: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("root_key must decode to %d bytes, got %d", crypto.KeySize, len(key))
	}
	return key, nil
}

// loadDotEnv loads the files that exist. Variables already set win.
func loadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
