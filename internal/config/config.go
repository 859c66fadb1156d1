// Package config handles configuration loading for ot-sentinel.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ot-sentinel/internal/consumer"
	"ot-sentinel/internal/dedup"
	"ot-sentinel/internal/kafka"
	"ot-sentinel/internal/pipeline"
	"ot-sentinel/internal/redisconn"
	"ot-sentinel/internal/rules"
	"ot-sentinel/internal/schema"
)

// DefaultPath is read when OTS_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Transport kinds.
const (
	TransportRedis  = "redis"
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

// Rule sources.
const (
	RulesFromRedis = "redis"
	RulesFromFile  = "file"
)

// Config holds the complete application configuration.
type Config struct {
	Redis      redisconn.Config       `yaml:"redis"`
	Transport  string                 `yaml:"transport"`
	Kafka      *kafka.Config          `yaml:"kafka"`
	Streams    StreamsConfig          `yaml:"streams"`
	Rules      RulesConfig            `yaml:"rules"`
	Dedup      DedupConfig            `yaml:"dedup"`
	Runs       RunsConfig             `yaml:"runs"`
	Validation schema.ValidatorConfig `yaml:"validation"`
	Notifier   NotifierConfig         `yaml:"notifier"`
	Archive    ArchiveConfig          `yaml:"archive"`
	Metrics    MetricsConfig          `yaml:"metrics"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// StreamsConfig names the two logs and configures the consumer of each.
type StreamsConfig struct {
	Events    string          `yaml:"events"`
	Alerts    string          `yaml:"alerts"`
	Rules     consumer.Config `yaml:"rules"`
	Actions   consumer.Config `yaml:"actions"`
	ClaimIdle time.Duration   `yaml:"claim_idle"`
}

// RulesConfig selects where the ruleset is loaded from.
type RulesConfig struct {
	Source          string        `yaml:"source"`
	Key             string        `yaml:"key"`
	Path            string        `yaml:"path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DedupConfig holds the idempotency set settings.
type DedupConfig struct {
	Prefix    string        `yaml:"prefix"`
	Retention time.Duration `yaml:"retention"`
}

// RunsConfig holds agent run store settings. Zero retention keeps runs
// forever.
type RunsConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	rulesConsumer := consumer.DefaultConfig()
	rulesConsumer.Name = "rules"
	rulesConsumer.Stream = pipeline.EventStream
	rulesConsumer.Group = pipeline.RulesGroup
	rulesConsumer.Consumer = "rules-1"

	actionsConsumer := consumer.DefaultConfig()
	actionsConsumer.Name = "actions"
	actionsConsumer.Stream = pipeline.AlertStream
	actionsConsumer.Group = pipeline.ActionsGroup
	actionsConsumer.Consumer = "actions-1"

	return &Config{
		Redis:     redisconn.DefaultConfig(),
		Transport: TransportRedis,
		Kafka:     kafka.DefaultConfig(),
		Streams: StreamsConfig{
			Events:    pipeline.EventStream,
			Alerts:    pipeline.AlertStream,
			Rules:     rulesConsumer,
			Actions:   actionsConsumer,
			ClaimIdle: time.Minute,
		},
		Rules: RulesConfig{
			Source: RulesFromRedis,
			Key:    rules.DefaultKey,
			Path:   "rules/default.json",
		},
		Dedup: DedupConfig{
			Prefix:    dedup.DefaultPrefix,
			Retention: dedup.DefaultRetention,
		},
		Validation: schema.DefaultValidatorConfig(),
		Notifier:   DefaultNotifierConfig(),
		Archive:    DefaultArchiveConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from OTS_CONFIG_PATH (or DefaultPath) and applies
// environment overrides. A missing file yields the defaults.
func Load() (*Config, error) {
	path := os.Getenv("OTS_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("OTS_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("OTS_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if transport := os.Getenv("OTS_TRANSPORT"); transport != "" {
		c.Transport = strings.ToLower(transport)
	}

	// Redis
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Redis.DB = n
		}
	}

	// Kafka
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		if c.Kafka == nil {
			c.Kafka = kafka.DefaultConfig()
		}
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	// Rules
	if file := os.Getenv("OTS_RULES_FILE"); file != "" {
		c.Rules.Source = RulesFromFile
		c.Rules.Path = file
	}

	// Consumer names, so several replicas can share a group.
	if name := os.Getenv("OTS_RULES_CONSUMER"); name != "" {
		c.Streams.Rules.Consumer = name
	}
	if name := os.Getenv("OTS_ACTIONS_CONSUMER"); name != "" {
		c.Streams.Actions.Consumer = name
	}

	// Notifier
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		c.Notifier.Slack.Token = token
	}
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		c.Notifier.Slack.WebhookURL = url
	}
	if ch := os.Getenv("SLACK_DEFAULT_CHANNEL"); ch != "" {
		c.Notifier.Slack.DefaultChannel = ch
	}
	if sim := os.Getenv("OTS_NOTIFY_SIMULATE"); sim != "" {
		c.Notifier.Simulate = sim == "true" || sim == "1"
	}

	// Archive
	if enabled := os.Getenv("OTS_ARCHIVE_ENABLED"); enabled == "true" {
		c.Archive.ClickHouse.Enabled = true
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Archive.ClickHouse.Hosts = []string{host}
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Archive.ClickHouse.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Archive.ClickHouse.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Archive.ClickHouse.Password = pass
	}
	if bucket := os.Getenv("OTS_S3_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
		c.Archive.S3.Enabled = true
	}

	if addr := os.Getenv("OTS_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
	}
}

// splitAndTrim splits s by sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportRedis, TransportMemory:
	case TransportKafka:
		if c.Kafka == nil {
			return errors.New("kafka transport requires a kafka section")
		}
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if c.Streams.Events == "" || c.Streams.Alerts == "" {
		return errors.New("streams.events and streams.alerts are required")
	}
	if c.Streams.Events == c.Streams.Alerts {
		return errors.New("streams.events and streams.alerts must differ")
	}
	if err := c.Streams.Rules.Validate(); err != nil {
		return fmt.Errorf("streams.rules: %w", err)
	}
	if err := c.Streams.Actions.Validate(); err != nil {
		return fmt.Errorf("streams.actions: %w", err)
	}

	switch c.Rules.Source {
	case RulesFromRedis:
		if c.Transport == TransportMemory {
			return errors.New("rules.source redis is unavailable with the memory transport")
		}
	case RulesFromFile:
		if c.Rules.Path == "" {
			return errors.New("rules.path is required for file rules")
		}
	default:
		return fmt.Errorf("unknown rules.source %q", c.Rules.Source)
	}

	if c.Dedup.Retention <= 0 {
		return errors.New("dedup.retention must be positive")
	}
	if c.Runs.Retention < 0 {
		return errors.New("runs.retention must not be negative")
	}

	if err := c.Notifier.Validate(); err != nil {
		return err
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	return nil
}

// ConsumersFor returns the stream consumer configs with stream keys taken
// from the streams section.
func (c *Config) ConsumersFor() (rulesCfg, actionsCfg consumer.Config) {
	rulesCfg = c.Streams.Rules
	rulesCfg.Stream = c.Streams.Events
	actionsCfg = c.Streams.Actions
	actionsCfg.Stream = c.Streams.Alerts
	return rulesCfg, actionsCfg
}
