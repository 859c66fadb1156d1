package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ot-sentinel/internal/notify"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Transport != TransportRedis {
		t.Errorf("expected transport redis, got %s", cfg.Transport)
	}

	// Stream layout
	if cfg.Streams.Events != "sec:events" || cfg.Streams.Alerts != "sec:alerts" {
		t.Errorf("unexpected streams %s / %s", cfg.Streams.Events, cfg.Streams.Alerts)
	}
	if cfg.Streams.Rules.Group != "cg:rules" || cfg.Streams.Rules.Consumer != "rules-1" {
		t.Errorf("unexpected rules consumer %+v", cfg.Streams.Rules)
	}
	if cfg.Streams.Actions.Group != "cg:actions" || cfg.Streams.Actions.Consumer != "actions-1" {
		t.Errorf("unexpected actions consumer %+v", cfg.Streams.Actions)
	}
	if cfg.Streams.Rules.Count != 50 {
		t.Errorf("expected read count 50, got %d", cfg.Streams.Rules.Count)
	}
	if cfg.Streams.Rules.Block != 5*time.Second || cfg.Streams.Rules.RetryDelay != 5*time.Second {
		t.Errorf("expected 5s block and retry, got %v / %v", cfg.Streams.Rules.Block, cfg.Streams.Rules.RetryDelay)
	}

	if cfg.Rules.Key != "sec:rules" {
		t.Errorf("expected rules key sec:rules, got %s", cfg.Rules.Key)
	}
	if cfg.Notifier.Slack.DefaultChannel != "#ot-soc" {
		t.Errorf("expected default channel #ot-soc, got %s", cfg.Notifier.Slack.DefaultChannel)
	}
	if cfg.Archive.ClickHouse.Enabled || cfg.Archive.S3.Enabled {
		t.Error("expected archives disabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }, true},
		{"kafka transport", func(c *Config) { c.Transport = TransportKafka }, false},
		{"kafka without section", func(c *Config) { c.Transport = TransportKafka; c.Kafka = nil }, true},
		{"kafka without brokers", func(c *Config) { c.Transport = TransportKafka; c.Kafka.Brokers = nil }, true},
		{"memory transport with file rules", func(c *Config) {
			c.Transport = TransportMemory
			c.Rules.Source = RulesFromFile
		}, false},
		{"memory transport with redis rules", func(c *Config) { c.Transport = TransportMemory }, true},
		{"same stream twice", func(c *Config) { c.Streams.Alerts = c.Streams.Events }, true},
		{"missing events stream", func(c *Config) { c.Streams.Events = "" }, true},
		{"missing consumer name", func(c *Config) { c.Streams.Actions.Consumer = "" }, true},
		{"zero read count", func(c *Config) { c.Streams.Rules.Count = 0 }, true},
		{"unknown rules source", func(c *Config) { c.Rules.Source = "ldap" }, true},
		{"file rules without path", func(c *Config) { c.Rules.Source = RulesFromFile; c.Rules.Path = "" }, true},
		{"zero dedup retention", func(c *Config) { c.Dedup.Retention = 0 }, true},
		{"negative run retention", func(c *Config) { c.Runs.Retention = -time.Hour }, true},
		{"zero notifier timeout", func(c *Config) { c.Notifier.Timeout = 0 }, true},
		{"bad slack webhook", func(c *Config) { c.Notifier.Slack.WebhookURL = "ftp://hooks" }, true},
		{"bad webhook endpoint", func(c *Config) {
			c.Notifier.Webhooks = map[string]notify.WebhookEndpoint{"soar": {URL: "not a url"}}
		}, true},
		{"good webhook endpoint", func(c *Config) {
			c.Notifier.Webhooks = map[string]notify.WebhookEndpoint{"soar": {URL: "https://soar.local/hook"}}
		}, false},
		{"clickhouse without hosts", func(c *Config) {
			c.Archive.ClickHouse.Enabled = true
			c.Archive.ClickHouse.Hosts = nil
		}, true},
		{"s3 without bucket", func(c *Config) {
			c.Archive.S3.Enabled = true
			c.Archive.S3.Bucket = ""
		}, true},
		{"disabled s3 is not validated", func(c *Config) { c.Archive.S3.Bucket = "" }, false},
		{"metrics without addr", func(c *Config) { c.Metrics.Addr = "" }, true},
		{"invalid log level", func(c *Config) { c.Logging.Level = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ,c ", []string{"a", "b", "c"}},
		{"a,,b", []string{"a", "b"}},
		{"", []string{}},
		{"single", []string{"single"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := splitAndTrim(tt.input, ",")
			if len(result) != len(tt.expected) {
				t.Fatalf("splitAndTrim(%q) = %v, expected %v", tt.input, result, tt.expected)
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("splitAndTrim(%q)[%d] = %q, expected %q", tt.input, i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("log level override", func(t *testing.T) {
		t.Setenv("OTS_LOG_LEVEL", "debug")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
		}
	})

	t.Run("transport override", func(t *testing.T) {
		t.Setenv("OTS_TRANSPORT", "KAFKA")
		t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Transport != TransportKafka {
			t.Errorf("expected kafka transport, got %s", cfg.Transport)
		}
		if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
			t.Errorf("unexpected brokers %v", cfg.Kafka.Brokers)
		}
	})

	t.Run("redis override", func(t *testing.T) {
		t.Setenv("REDIS_ADDR", "redis.plant:6380")
		t.Setenv("REDIS_DB", "3")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Redis.Addr != "redis.plant:6380" || cfg.Redis.DB != 3 {
			t.Errorf("unexpected redis config %+v", cfg.Redis)
		}
	})

	t.Run("rules file override", func(t *testing.T) {
		t.Setenv("OTS_RULES_FILE", "/etc/ots/rules.json")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Rules.Source != RulesFromFile || cfg.Rules.Path != "/etc/ots/rules.json" {
			t.Errorf("unexpected rules config %+v", cfg.Rules)
		}
	})

	t.Run("slack credentials", func(t *testing.T) {
		t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
		t.Setenv("OTS_NOTIFY_SIMULATE", "true")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Notifier.Slack.Token != "xoxb-test" {
			t.Errorf("expected token from env, got %q", cfg.Notifier.Slack.Token)
		}
		if !cfg.Notifier.Simulate {
			t.Error("expected simulate to be set")
		}
	})

	t.Run("consumer name override", func(t *testing.T) {
		t.Setenv("OTS_ACTIONS_CONSUMER", "actions-7")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Streams.Actions.Consumer != "actions-7" {
			t.Errorf("expected consumer actions-7, got %s", cfg.Streams.Actions.Consumer)
		}
	})

	t.Run("s3 bucket enables archive", func(t *testing.T) {
		t.Setenv("OTS_S3_BUCKET", "plant-a-runs")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Archive.S3.Enabled || cfg.Archive.S3.Bucket != "plant-a-runs" {
			t.Errorf("unexpected s3 config %+v", cfg.Archive.S3)
		}
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
transport: memory
streams:
  events: plant:events
  alerts: plant:alerts
  rules:
    consumer: rules-9
    count: 10
rules:
  source: file
  path: /srv/rules.json
notifier:
  timeout: 3s
  slack:
    default_channel: "#plant-a"
  webhooks:
    soar:
      url: https://soar.local/hook
      headers:
        X-Token: abc
dedup:
  retention: 2h
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Transport != TransportMemory || cfg.Streams.Events != "plant:events" {
		t.Errorf("unexpected transport/streams %s %+v", cfg.Transport, cfg.Streams)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Streams.Rules.Group != "cg:rules" || cfg.Streams.Rules.Consumer != "rules-9" || cfg.Streams.Rules.Count != 10 {
		t.Errorf("unexpected rules consumer %+v", cfg.Streams.Rules)
	}
	if cfg.Notifier.Timeout != 3*time.Second || cfg.Notifier.Slack.DefaultChannel != "#plant-a" {
		t.Errorf("unexpected notifier %+v", cfg.Notifier)
	}
	if cfg.Notifier.Slack.APIBaseURL != "https://slack.com/api" {
		t.Errorf("expected default api base url, got %q", cfg.Notifier.Slack.APIBaseURL)
	}
	if cfg.Notifier.Webhooks["soar"].Headers["X-Token"] != "abc" {
		t.Errorf("unexpected webhooks %+v", cfg.Notifier.Webhooks)
	}
	if cfg.Dedup.Retention != 2*time.Hour {
		t.Errorf("expected 2h retention, got %v", cfg.Dedup.Retention)
	}

	rulesCfg, actionsCfg := cfg.ConsumersFor()
	if rulesCfg.Stream != "plant:events" || actionsCfg.Stream != "plant:alerts" {
		t.Errorf("ConsumersFor streams = %s / %s", rulesCfg.Stream, actionsCfg.Stream)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("OTS_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != TransportRedis {
		t.Errorf("expected defaults, got transport %s", cfg.Transport)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("transport: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("shipped config invalid: %v", err)
	}
	if cfg.Rules.RefreshInterval != 30*time.Second {
		t.Errorf("refresh interval = %v", cfg.Rules.RefreshInterval)
	}
	if _, ok := cfg.Notifier.Webhooks["soar"]; !ok {
		t.Error("soar webhook missing")
	}
}
