// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from config.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Workers  WorkersConfig  `yaml:"workers"`
	Status   StatusConfig   `yaml:"status"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// DatabaseConfig holds connection settings for the session database.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// RedisConfig holds connection settings for the queue broker.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Queue backend names accepted in QueueConfig.Backend.
const (
	QueueBackendMemory  = "memory"
	QueueBackendRedis   = "redis"
	QueueBackendStreams = "redis-streams"
)

// QueueConfig selects and tunes the key-partitioned queue backend.
type QueueConfig struct {
	Backend         string `yaml:"backend"`           // memory, redis, redis-streams
	Capacity        int    `yaml:"capacity"`          // per-partition cap (memory backend)
	MaxConcurrency  int    `yaml:"max_concurrency"`   // concurrent partitions in the consumer
	PollIntervalSec int    `yaml:"poll_interval_sec"` // consumer poll cadence
}

// WorkersConfig tunes worker registry freshness checks.
type WorkersConfig struct {
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
}

// StatusConfig holds settings for the JSON status server.
type StatusConfig struct {
	Port int `yaml:"port"`
}

// AlertsConfig holds operator alert sink settings. Both sinks are optional.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack alert sink credentials.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// DiscordConfig holds Discord alert sink credentials.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" {
		c.Database.Database = "switchboard"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = QueueBackendStreams
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 1000
	}
	if c.Queue.MaxConcurrency == 0 {
		c.Queue.MaxConcurrency = 8
	}
	if c.Queue.PollIntervalSec == 0 {
		c.Queue.PollIntervalSec = 1
	}
	if c.Workers.HeartbeatTimeoutSec == 0 {
		c.Workers.HeartbeatTimeoutSec = 90
	}
	if c.Status.Port == 0 {
		c.Status.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Queue.Backend {
	case QueueBackendMemory, QueueBackendRedis, QueueBackendStreams:
	default:
		errs = append(errs, fmt.Sprintf("queue.backend %q is not one of memory, redis, redis-streams", c.Queue.Backend))
	}
	if c.Queue.Capacity < 0 {
		errs = append(errs, "queue.capacity must not be negative")
	}
	if c.Alerts.Slack.Token != "" && c.Alerts.Slack.Channel == "" {
		errs = append(errs, "alerts.slack.channel is required when a slack token is set")
	}
	if c.Alerts.Discord.Token != "" && c.Alerts.Discord.ChannelID == "" {
		errs = append(errs, "alerts.discord.channel_id is required when a discord token is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
