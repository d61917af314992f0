package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	GRPCAddr        string        `yaml:"grpc_addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	MinIO    MinIO    `yaml:"minio"`
	Broker   Broker   `yaml:"broker"`
	Worker   Worker   `yaml:"worker"`
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

// MinIO is optional. With no endpoint the dead letters only go to the
// broker subject.
type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" validate:"required_with=Endpoint"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required_with=Endpoint"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket" validate:"required_with=Endpoint"`
	BasePath        string `yaml:"base_path"`
}

type Broker struct {
	URL                  string        `yaml:"url" validate:"required"`
	Name                 string        `yaml:"name"`
	Stream               string        `yaml:"stream" validate:"required"`
	Subject              string        `yaml:"subject" validate:"required"`
	DeadSubject          string        `yaml:"dead_subject" validate:"required,nefield=Subject"`
	Consumer             string        `yaml:"consumer" validate:"required"`
	StreamMaxAge         time.Duration `yaml:"stream_max_age"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PublishTimeout       time.Duration `yaml:"publish_timeout"`
	Prefetch             int           `yaml:"prefetch" validate:"gte=0"`
	AckWait              time.Duration `yaml:"ack_wait"`
}

type Worker struct {
	WorkDuration  time.Duration `yaml:"work_duration"`
	WorkJitter    time.Duration `yaml:"work_jitter"`
	FailRate      float64       `yaml:"fail_rate" validate:"gte=0,lte=1"`
	ExecTimeout   time.Duration `yaml:"exec_timeout"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	MaxAttempts   int           `yaml:"max_attempts" validate:"gte=0"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

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

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Broker.Name == "" {
		cfg.Broker.Name = "taskdispatch-worker"
	}
	if cfg.Broker.ReconnectInterval <= 0 {
		cfg.Broker.ReconnectInterval = 5 * time.Second
	}
	if cfg.Broker.Prefetch <= 0 {
		cfg.Broker.Prefetch = 1
	}
	if cfg.Broker.AckWait <= 0 {
		cfg.Broker.AckWait = 30 * time.Second
	}
	if cfg.Worker.WorkDuration <= 0 {
		cfg.Worker.WorkDuration = 5 * time.Second
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = 5
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
	if v := os.Getenv("PREFETCH_COUNT"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			log.Printf("config: ignoring PREFETCH_COUNT=%q: %v", v, err)
		} else {
			cfg.Broker.Prefetch = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
}
