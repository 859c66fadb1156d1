package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTL settings for the archive tables.
type RetentionConfig struct {
	StepsTTL      time.Duration `yaml:"steps_ttl"`
	QuarantineTTL time.Duration `yaml:"quarantine_ttl"`
}

// DefaultRetentionConfig keeps steps for a year and quarantined messages for
// thirty days.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		StepsTTL:      365 * 24 * time.Hour,
		QuarantineTTL: 30 * 24 * time.Hour,
	}
}

// RetentionManager applies data retention policies.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, config RetentionConfig) *RetentionManager {
	return &RetentionManager{
		client: client,
		config: config,
	}
}

type tablePolicy struct {
	table  string
	column string
	ttl    time.Duration
}

func (r *RetentionManager) policies() []tablePolicy {
	return []tablePolicy{
		{"agent_steps", "ts", r.config.StepsTTL},
		{"message_quarantine", "quarantined_at", r.config.QuarantineTTL},
	}
}

// ttlStatement renders the ALTER statement for a policy, or "" when the
// policy is disabled.
func ttlStatement(p tablePolicy) string {
	if p.ttl <= 0 {
		return ""
	}

	days := int(p.ttl.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf(
		"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
		sanitizeTableName(p.table), sanitizeTableName(p.column), days,
	)
}

// ApplyTTLs updates table TTLs to the configured retention. Run it after
// migrations. Failures are logged and do not stop startup.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, p := range r.policies() {
		query := ttlStatement(p)
		if query == "" {
			continue
		}

		if err := r.client.Exec(ctx, query); err != nil {
			slog.Warn("failed to apply TTL policy",
				"table", p.table,
				"error", err,
			)
			continue
		}

		slog.Info("applied retention policy",
			"table", p.table,
			"ttl", p.ttl,
		)
	}

	return nil
}

// sanitizeTableName ensures an identifier contains only safe characters.
func sanitizeTableName(name string) string {
	var result []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			result = append(result, b)
		}
	}
	return string(result)
}
