// Package config loads the service configuration from YAML with safe
// defaults. Connection credentials come from the environment (optionally
// bootstrapped from .env via godotenv in cmd/api).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Breakers BreakersConfig `yaml:"breakers"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Caches   CachesConfig   `yaml:"caches"`
	Alerting AlertingConfig `yaml:"alerting"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type DatabaseConfig struct {
	DSN         string        `yaml:"dsn"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxOpen     int           `yaml:"max_open"`
	MaxIdle     int           `yaml:"max_idle"`
}

type BreakerConfig struct {
	WindowSize           int           `yaml:"window_size"`
	MinimumCalls         int           `yaml:"minimum_calls"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"` // percent
	OpenDuration         time.Duration `yaml:"open_duration"`
	HalfOpenCalls        int           `yaml:"half_open_calls"`
}

type BreakersConfig struct {
	CounterStore BreakerConfig `yaml:"counter_store"`
	ConfigStore  BreakerConfig `yaml:"config_store"`
}

type IngestConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	CoreWorkers   int           `yaml:"core_workers"`
	MaxWorkers    int           `yaml:"max_workers"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	BatchSize     int           `yaml:"batch_size"`
}

type CacheConfig struct {
	MaxSize  int           `yaml:"max_size"`
	TTL      time.Duration `yaml:"ttl"`
	IdleTTL  time.Duration `yaml:"idle_ttl"`
	Disabled bool          `yaml:"disabled"`
}

type CachesConfig struct {
	PolicyByID   CacheConfig   `yaml:"policy_by_id"`
	PolicyByName CacheConfig   `yaml:"policy_by_name"`
	TenantByID   CacheConfig   `yaml:"tenant_by_id"`
	IPRuleByID   CacheConfig   `yaml:"ip_rule_by_id"`
	IPResolution CacheConfig   `yaml:"ip_resolution"`
	APIKeyByID   CacheConfig   `yaml:"api_key_by_id"`
	RuleListTTL  time.Duration `yaml:"rule_list_ttl"`
}

type AlertingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	Slack          SlackConfig   `yaml:"slack"`
	Webhook        WebhookConfig `yaml:"webhook"`
	Email          EmailConfig   `yaml:"email"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
}

type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type WebhookConfig struct {
	URL string `yaml:"url"`
}

type EmailConfig struct {
	SMTPAddr string   `yaml:"smtp_addr"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Default returns the configuration with every knob at its safe default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       20,
			CallTimeout:    50 * time.Millisecond,
			RetryAttempts:  3,
			RetryBackoff:   100 * time.Millisecond,
			ConnectTimeout: 3 * time.Second,
		},
		Database: DatabaseConfig{
			CallTimeout: 500 * time.Millisecond,
			MaxOpen:     25,
			MaxIdle:     5,
		},
		Breakers: BreakersConfig{
			CounterStore: BreakerConfig{
				WindowSize:           10,
				MinimumCalls:         5,
				FailureRateThreshold: 50,
				OpenDuration:         5 * time.Second,
				HalfOpenCalls:        3,
			},
			ConfigStore: BreakerConfig{
				WindowSize:           10,
				MinimumCalls:         5,
				FailureRateThreshold: 50,
				OpenDuration:         10 * time.Second,
				HalfOpenCalls:        3,
			},
		},
		Ingest: IngestConfig{
			QueueCapacity: 500,
			CoreWorkers:   2,
			MaxWorkers:    10,
			IdleTimeout:   60 * time.Second,
			BatchSize:     100,
		},
		Caches: CachesConfig{
			PolicyByID:   CacheConfig{MaxSize: 1000, TTL: 5 * time.Minute},
			PolicyByName: CacheConfig{MaxSize: 1000, TTL: 5 * time.Minute},
			TenantByID:   CacheConfig{MaxSize: 500, TTL: 10 * time.Minute},
			IPRuleByID:   CacheConfig{MaxSize: 5000, TTL: 2 * time.Minute},
			IPResolution: CacheConfig{MaxSize: 10000, TTL: 2 * time.Minute},
			APIKeyByID:   CacheConfig{MaxSize: 2000, TTL: 5 * time.Minute, IdleTTL: 3 * time.Minute},
			RuleListTTL:  5 * time.Minute,
		},
		Alerting: AlertingConfig{
			Enabled:        true,
			CheckInterval:  60 * time.Second,
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    10 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		cfg.applyEnv()
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides connection settings from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Alerting.Slack.WebhookURL = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		c.Alerting.Webhook.URL = v
	}
}
