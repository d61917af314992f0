package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Broker   Broker   `yaml:"broker"`
	Outbox   Outbox   `yaml:"outbox"`
}

type Database struct {
	URL      string `yaml:"url" validate:"required"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`
}

type Redis struct {
	URL      string `yaml:"url" validate:"required_without=Addr"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Broker struct {
	URL                  string        `yaml:"url" validate:"required"`
	Name                 string        `yaml:"name"`
	Stream               string        `yaml:"stream" validate:"required"`
	Subject              string        `yaml:"subject" validate:"required"`
	DeadSubject          string        `yaml:"dead_subject" validate:"required,nefield=Subject"`
	StreamMaxAge         time.Duration `yaml:"stream_max_age"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PublishTimeout       time.Duration `yaml:"publish_timeout"`
}

type Outbox struct {
	Interval time.Duration `yaml:"interval"`
	Grace    time.Duration `yaml:"grace"`
	Batch    int           `yaml:"batch" validate:"gte=0"`
}

// Path returns CONFIG_PATH when set, otherwise def.
func Path(def string) string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return def
}

func MustLoad(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("config: cannot read file %q: %v", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Parse decodes yaml, applies environment overrides and defaults, then validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Broker.Name == "" {
		cfg.Broker.Name = "taskdispatch-api"
	}
	if cfg.Broker.ReconnectInterval <= 0 {
		cfg.Broker.ReconnectInterval = 5 * time.Second
	}
	if cfg.Outbox.Interval <= 0 {
		cfg.Outbox.Interval = 30 * time.Second
	}
	if cfg.Outbox.Grace <= 0 {
		cfg.Outbox.Grace = 10 * time.Second
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("CACHE_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("RECONNECT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			log.Printf("config: ignoring RECONNECT_INTERVAL=%q: %v", v, err)
		} else {
			cfg.Broker.ReconnectInterval = d
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
}
