package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"ot-sentinel/internal/notify"
	"ot-sentinel/internal/storage"
	"ot-sentinel/internal/storage/s3"
)

// NotifierConfig holds configuration for outbound notification integrations.
type NotifierConfig struct {
	// Timeout bounds each action execution.
	Timeout time.Duration `yaml:"timeout"`

	// Simulate clears the Slack credentials so Slack notifications are logged
	// instead of posted.
	Simulate bool `yaml:"simulate"`

	Slack     notify.SlackConfig                `yaml:"slack"`
	Webhooks  map[string]notify.WebhookEndpoint `yaml:"webhooks"`
	PagerDuty notify.PagerDutyConfig            `yaml:"pagerduty"`
}

// DefaultNotifierConfig returns the default notifier configuration.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Timeout: 15 * time.Second,
		Slack:   notify.DefaultSlackConfig(),
		PagerDuty: notify.PagerDutyConfig{
			EventsURL: notify.DefaultPagerDutyURL,
			Timeout:   10 * time.Second,
		},
	}
}

// Validate validates the notifier configuration.
func (n NotifierConfig) Validate() error {
	if n.Timeout <= 0 {
		return errors.New("notifier.timeout must be positive")
	}
	if n.Slack.WebhookURL != "" {
		if err := validURL(n.Slack.WebhookURL); err != nil {
			return fmt.Errorf("notifier.slack.webhook_url: %w", err)
		}
	}
	for name, ep := range n.Webhooks {
		if err := validURL(ep.URL); err != nil {
			return fmt.Errorf("notifier.webhooks.%s: %w", name, err)
		}
	}
	return nil
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ArchiveConfig holds the analytics and cold storage settings.
type ArchiveConfig struct {
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
	StepWriter storage.StepWriterConfig `yaml:"step_writer"`
	Retention  storage.RetentionConfig  `yaml:"retention"`
	S3         s3.Config                `yaml:"s3"`
	Runs       s3.ArchiverConfig        `yaml:"runs"`
}

// DefaultArchiveConfig returns the default archive configuration. Both
// backends are disabled.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		ClickHouse: storage.DefaultClickHouseConfig(),
		StepWriter: storage.DefaultStepWriterConfig(),
		Retention:  storage.DefaultRetentionConfig(),
		S3:         *s3.DefaultConfig(),
		Runs:       *s3.DefaultArchiverConfig(),
	}
}

// Validate validates the enabled archive backends.
func (a ArchiveConfig) Validate() error {
	if a.ClickHouse.Enabled {
		if len(a.ClickHouse.Hosts) == 0 {
			return errors.New("archive.clickhouse.hosts is required")
		}
		if a.ClickHouse.Database == "" {
			return errors.New("archive.clickhouse.database is required")
		}
		if a.StepWriter.BatchSize <= 0 {
			return errors.New("archive.step_writer.batch_size must be positive")
		}
	}
	if a.S3.Enabled {
		if err := a.S3.Validate(); err != nil {
			return fmt.Errorf("archive.s3: %w", err)
		}
	}
	return nil
}
