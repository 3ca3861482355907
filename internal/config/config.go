package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every application setting.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
}

type HTTPConfig struct {
	Port        int           `yaml:"port"`
	StreamDelay time.Duration `yaml:"stream_delay"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Storage and bus drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverNone     = "none"
)

type StorageConfig struct {
	Driver string `yaml:"driver"` // memory | postgres | redis
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	UseTLS   bool   `yaml:"use_tls"`
}

type PubSubConfig struct {
	Driver             string        `yaml:"driver"` // none | memory | rabbitmq
	Topic              string        `yaml:"topic"`
	Subscription       string        `yaml:"subscription"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
	MaxInFlight        int           `yaml:"max_in_flight"`
	MaxAttempts        int           `yaml:"max_attempts"` // 0 = redeliver forever
	DeadLetterExchange string        `yaml:"dead_letter_exchange"`
}

// Default returns a config that runs fully in-process.
func Default() Config {
	return Config{
		HTTP:    HTTPConfig{Port: 8080, StreamDelay: 500 * time.Millisecond},
		Log:     LogConfig{Level: "info"},
		Storage: StorageConfig{Driver: DriverMemory},
		Database: DatabaseConfig{
			Port:     5432,
			MaxConns: 10,
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		RabbitMQ: RabbitMQConfig{Port: 5672, VHost: "/"},
		PubSub: PubSubConfig{
			Driver:         DriverMemory,
			Topic:          "orders",
			Subscription:   "orders-processing",
			PublishTimeout: 5 * time.Second,
			MaxInFlight:    1000,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read configuration file: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML over Default() and validates the result.
func Parse(b []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", c.HTTP.Port))
	}
	if c.HTTP.StreamDelay <= 0 {
		errs = append(errs, fmt.Errorf("http.stream_delay must be positive: %s", c.HTTP.StreamDelay))
	}

	switch c.Storage.Driver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Database == "" {
			errs = append(errs, errors.New("database config incomplete"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == DriverRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	switch c.PubSub.Driver {
	case DriverNone:
	case DriverMemory, DriverRabbitMQ:
		if c.PubSub.Topic == "" || c.PubSub.Subscription == "" {
			errs = append(errs, errors.New("pubsub.topic and pubsub.subscription are required"))
		}
		if c.PubSub.MaxInFlight <= 0 {
			errs = append(errs, errors.New("pubsub.max_in_flight must be positive"))
		}
		if c.PubSub.PublishTimeout <= 0 {
			errs = append(errs, errors.New("pubsub.publish_timeout must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown pubsub.driver %q", c.PubSub.Driver))
	}
	if c.PubSub.Driver == DriverRabbitMQ && (c.RabbitMQ.Host == "" || c.RabbitMQ.User == "") {
		errs = append(errs, errors.New("rabbitmq config incomplete"))
	}
	if c.PubSub.MaxAttempts < 0 {
		errs = append(errs, errors.New("pubsub.max_attempts must not be negative"))
	}
	return errors.Join(errs...)
}
