package notify

import (
	"context"
	"log/slog"
	"strings"

	"ot-sentinel/internal/action"
	"ot-sentinel/internal/schema"
)

// Log writes alerts to the structured log. It is the notifier of last
// resort and is useful during development.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log notifier. A nil logger uses slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Kind() action.Kind { return action.KindLog }
func (l *Log) Tool() string      { return "log" }
func (l *Log) Action() string    { return "write" }

// Notify logs the alert at the descriptor's level.
func (l *Log) Notify(ctx context.Context, d action.Descriptor, alert *schema.Alert) Result {
	l.logger.Log(ctx, logLevel(d.Target), "ALERT "+headline(alert),
		"incident_id", alert.ID,
		"rule", alert.Rule,
		"severity", alert.EffectiveSeverity(),
		"asset_id", alert.Asset.ID,
		"count", alert.Count,
	)
	return Result{Success: true}
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
