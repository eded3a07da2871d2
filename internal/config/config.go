// Package config loads pipeline configuration from a YAML file with
// environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the delivery pipeline.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SparkPost SparkPostConfig `yaml:"sparkpost"`
	Mailgun   MailgunConfig   `yaml:"mailgun"`
	SES       SESConfig       `yaml:"ses"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Queue     QueueConfig     `yaml:"queue"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SparkPostConfig holds SparkPost API settings.
type SparkPostConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	WebhookSecret  string `yaml:"webhook_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the request timeout as a duration.
func (c SparkPostConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MailgunConfig holds Mailgun API settings.
type MailgunConfig struct {
	APIKey         string `yaml:"api_key"`
	Domain         string `yaml:"domain"`
	BaseURL        string `yaml:"base_url"`
	WebhookSecret  string `yaml:"webhook_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the request timeout as a duration.
func (c MailgunConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES settings.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	WebhookSecret   string `yaml:"webhook_secret"`
}

// DeliveryConfig selects the primary and fallback providers.
type DeliveryConfig struct {
	PrimaryProvider  string `yaml:"primary_provider"`
	FallbackProvider string `yaml:"fallback_provider"`
}

// QueueConfig sizes the worker pools and retry policy.
type QueueConfig struct {
	Name                string `yaml:"name"`
	SingleWorkers       int    `yaml:"single_workers"`
	BatchWorkers        int    `yaml:"batch_workers"`
	MaxAttempts         int    `yaml:"max_attempts"`
	BackoffBaseSeconds  int    `yaml:"backoff_base_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	BatchSendDelayMs    int    `yaml:"batch_send_delay_ms"`
}

// WebhookConfig holds webhook verification settings.
type WebhookConfig struct {
	// ToleranceMinutes bounds how far a signature timestamp may drift from
	// ingestion time before the call is treated as a replay.
	ToleranceMinutes int `yaml:"tolerance_minutes"`
}

// Tolerance returns the replay window as a duration.
func (c WebhookConfig) Tolerance() time.Duration {
	return time.Duration(c.ToleranceMinutes) * time.Minute
}

// SchedulerConfig controls the due-schedule scanner.
type SchedulerConfig struct {
	ScanIntervalSeconds int     `yaml:"scan_interval_seconds"`
	MaxRetries          int     `yaml:"max_retries"`
	PlanWindowDays      int     `yaml:"plan_window_days"`
	CostPerRecipient    float64 `yaml:"cost_per_recipient"`
}

// ScanInterval returns the scanner period as a duration.
func (c SchedulerConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// Load reads the YAML file at path and applies defaults. A missing file is
// not an error; defaults plus env overrides still produce a usable config.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv loads the YAML config and then overrides secrets and
// connection settings from the environment. A .env file is loaded first if
// present so local development matches deployed environments.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SPARKPOST_API_KEY"); v != "" {
		cfg.SparkPost.APIKey = v
	}
	if v := os.Getenv("SPARKPOST_WEBHOOK_SECRET"); v != "" {
		cfg.SparkPost.WebhookSecret = v
	}
	if v := os.Getenv("MAILGUN_API_KEY"); v != "" {
		cfg.Mailgun.APIKey = v
	}
	if v := os.Getenv("MAILGUN_DOMAIN"); v != "" {
		cfg.Mailgun.Domain = v
	}
	if v := os.Getenv("MAILGUN_WEBHOOK_SECRET"); v != "" {
		cfg.Mailgun.WebhookSecret = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SES_WEBHOOK_SECRET"); v != "" {
		cfg.SES.WebhookSecret = v
	}
	if v := os.Getenv("PRIMARY_PROVIDER"); v != "" {
		cfg.Delivery.PrimaryProvider = v
	}
	if v := os.Getenv("FALLBACK_PROVIDER"); v != "" {
		cfg.Delivery.FallbackProvider = v
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SparkPost.BaseURL == "" {
		cfg.SparkPost.BaseURL = "https://api.sparkpost.com/api/v1"
	}
	if cfg.SparkPost.TimeoutSeconds == 0 {
		cfg.SparkPost.TimeoutSeconds = 30
	}
	if cfg.Mailgun.BaseURL == "" {
		cfg.Mailgun.BaseURL = "https://api.mailgun.net"
	}
	if cfg.Mailgun.TimeoutSeconds == 0 {
		cfg.Mailgun.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.Delivery.PrimaryProvider == "" {
		cfg.Delivery.PrimaryProvider = "sparkpost"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "email-send"
	}
	if cfg.Queue.SingleWorkers == 0 {
		cfg.Queue.SingleWorkers = 8
	}
	if cfg.Queue.BatchWorkers == 0 {
		cfg.Queue.BatchWorkers = 2
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.BackoffBaseSeconds == 0 {
		cfg.Queue.BackoffBaseSeconds = 5
	}
	if cfg.Queue.PollIntervalSeconds == 0 {
		cfg.Queue.PollIntervalSeconds = 2
	}
	if cfg.Queue.BatchSendDelayMs == 0 {
		cfg.Queue.BatchSendDelayMs = 100
	}
	if cfg.Webhooks.ToleranceMinutes == 0 {
		cfg.Webhooks.ToleranceMinutes = 10
	}
	if cfg.Scheduler.ScanIntervalSeconds == 0 {
		cfg.Scheduler.ScanIntervalSeconds = 60
	}
	if cfg.Scheduler.MaxRetries == 0 {
		cfg.Scheduler.MaxRetries = 3
	}
	if cfg.Scheduler.PlanWindowDays == 0 {
		cfg.Scheduler.PlanWindowDays = 14
	}
	if cfg.Scheduler.CostPerRecipient == 0 {
		cfg.Scheduler.CostPerRecipient = 0.001
	}
}
