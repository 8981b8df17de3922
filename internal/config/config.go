package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Enrich   EnrichConfig   `mapstructure:"enrich"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type WebhookConfig struct {
	// AppSecret is the shared secret used for HMAC signature
	// verification of deliveries.
	AppSecret string `mapstructure:"app_secret"`

	// VerifyToken is compared against hub.verify_token during the
	// subscription handshake.
	VerifyToken string `mapstructure:"verify_token"`

	MaxBodySize int64 `mapstructure:"max_body_size"`
}

type PipelineConfig struct {
	// Mode selects the hosting model: "async" acknowledges the
	// delivery after verification and processes afterwards; "sync"
	// completes the full pipeline before responding.
	Mode string `mapstructure:"mode"`

	QueueSize       int           `mapstructure:"queue_size"`
	Workers         int           `mapstructure:"workers"`
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout"`
}

type DatabaseConfig struct {
	// Type is "postgres" or "memory" (development only).
	Type string `mapstructure:"type"`
	URL  string `mapstructure:"url"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`

	ProfileCacheTTL time.Duration `mapstructure:"profile_cache_ttl"`

	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

type NATSConfig struct {
	// Enabled switches the quarantine backend from the database table
	// to a JetStream stream shared across instances.
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type EnrichConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	GraphURL    string        `mapstructure:"graph_url"`
	AccessToken string        `mapstructure:"access_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("webhook.max_body_size", 1048576)
	v.SetDefault("pipeline.mode", "async")
	v.SetDefault("pipeline.queue_size", 1024)
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.strategy_timeout", "3s")
	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.url", "postgres://localhost:5432/dm_ingest?sslmode=disable")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("redis.profile_cache_ttl", "12h")
	v.SetDefault("redis.rate_limit_requests", 200)
	v.SetDefault("redis.rate_limit_window", "1h")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.graph_url", "https://graph.instagram.com")
	v.SetDefault("enrich.timeout", "5s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dm-ingest")
	}

	// Environment variables override, e.g. INGEST_WEBHOOK_APP_SECRET
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Pipeline.Mode != "sync" && cfg.Pipeline.Mode != "async" {
		return nil, fmt.Errorf("invalid pipeline mode %q (supported: sync, async)", cfg.Pipeline.Mode)
	}

	return &cfg, nil
}
