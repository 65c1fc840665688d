package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TOKENBRIDGE_"

type Config struct {
	Primary       Primary              `koanf:"primary"`
	Server        ServerConfig         `koanf:"server"`
	Storage       StorageConfig        `koanf:"storage"`
	Observability *ObservabilityConfig `koanf:"observability"`
}

type Primary struct {
	Env string `koanf:"env" validate:"required"`
}

type ServerConfig struct {
	Port               string   `koanf:"port" validate:"required"`
	ReadTimeout        int      `koanf:"read_timeout" validate:"required,min=1"`
	WriteTimeout       int      `koanf:"write_timeout" validate:"required,min=1"`
	IdleTimeout        int      `koanf:"idle_timeout" validate:"required,min=1"`
	BodyLimit          string   `koanf:"body_limit" validate:"required"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins" validate:"required,min=1"`
}

type StorageConfig struct {
	DataDir      string `koanf:"data_dir" validate:"required"`
	HistoryLimit int    `koanf:"history_limit" validate:"required,min=1"`
}

// LoadConfig loads the configuration from the environment using koanf.
// A .env file is honored when present. Nested keys use a double
// underscore, e.g. TOKENBRIDGE_SERVER__PORT.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if cfg.Observability == nil {
		cfg.Observability = DefaultObservabilityConfig()
	}
	cfg.Observability.ServiceName = "tokenbridge"
	cfg.Observability.Environment = cfg.Primary.Env
	if err := cfg.Observability.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observability config: %w", err)
	}
	return cfg, nil
}

// applyDefaults fills the fields a bare deployment does not need to set.
func (c *Config) applyDefaults() {
	if c.Primary.Env == "" {
		c.Primary.Env = "development"
	}
	if c.Server.Port == "" {
		c.Server.Port = "4000"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60
	}
	if c.Server.BodyLimit == "" {
		c.Server.BodyLimit = "10M"
	}
	if len(c.Server.CORSAllowedOrigins) == 0 {
		// "null" is the origin browser plugin sandboxes report.
		c.Server.CORSAllowedOrigins = []string{"http://localhost:3000", "null"}
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.HistoryLimit == 0 {
		c.Storage.HistoryLimit = 10
	}
}
