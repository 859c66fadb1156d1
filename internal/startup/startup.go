// Package startup provides preflight diagnostics for the pipeline workers.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"ot-sentinel/internal/config"
)

// DefaultPingTimeout bounds each reachability check.
const DefaultPingTimeout = 5 * time.Second

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// PingFunc checks that a dependency is reachable.
type PingFunc func(ctx context.Context) error

type ping struct {
	name    string
	details map[string]string
	check   PingFunc
}

// Diagnostics runs the static configuration checks and any registered
// reachability checks.
type Diagnostics struct {
	cfg         *config.Config
	configPath  string
	logger      *slog.Logger
	pings       []ping
	pingTimeout time.Duration
	results     []DiagnosticResult
}

// NewDiagnostics creates a new diagnostics runner. configPath is the file the
// configuration was loaded from, or empty when only defaults were used.
func NewDiagnostics(cfg *config.Config, configPath string, logger *slog.Logger) *Diagnostics {
	return &Diagnostics{
		cfg:         cfg,
		configPath:  configPath,
		logger:      logger,
		pingTimeout: DefaultPingTimeout,
	}
}

// AddPing registers a reachability check run after the static checks.
func (d *Diagnostics) AddPing(name string, details map[string]string, check PingFunc) {
	d.pings = append(d.pings, ping{name: name, details: details, check: check})
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")
	d.results = nil

	d.checkSystem()
	d.checkConfiguration()
	d.checkTransport()
	d.checkRules()
	d.checkNotifiers()
	d.checkArchive()
	d.checkMetricsPort()
	d.runPings(ctx)

	d.printSummary()
	return d.results
}

// Results returns the results of the last run.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

func (d *Diagnostics) checkConfiguration() {
	if d.configPath == "" {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "No config file, using defaults and environment",
		})
	} else if _, err := os.Stat(d.configPath); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusWarning,
			Message: "Config file not found, using defaults",
			Details: map[string]string{"path": d.configPath},
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "config_file",
			Status:  StatusOK,
			Message: "Config file found",
			Details: map[string]string{"path": d.configPath},
		})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "config_validation",
			Status:  StatusError,
			Message: fmt.Sprintf("Configuration validation failed: %s", err),
		})
		return
	}
	d.addResult(DiagnosticResult{
		Name:    "config_validation",
		Status:  StatusOK,
		Message: "Configuration is valid",
	})
}

func (d *Diagnostics) checkTransport() {
	details := map[string]string{
		"events": d.cfg.Streams.Events,
		"alerts": d.cfg.Streams.Alerts,
	}
	switch d.cfg.Transport {
	case config.TransportMemory:
		d.addResult(DiagnosticResult{
			Name:    "transport",
			Status:  StatusWarning,
			Message: "Memory transport keeps all state in process and loses it on exit",
			Details: details,
		})
	case config.TransportKafka:
		if d.cfg.Kafka != nil {
			details["brokers"] = strings.Join(d.cfg.Kafka.Brokers, ",")
		}
		d.addResult(DiagnosticResult{
			Name:    "transport",
			Status:  StatusOK,
			Message: "Kafka carries the streams, Redis holds state",
			Details: details,
		})
	default:
		details["addr"] = d.cfg.Redis.Addr
		d.addResult(DiagnosticResult{
			Name:    "transport",
			Status:  StatusOK,
			Message: "Redis Streams",
			Details: details,
		})
	}
}

func (d *Diagnostics) checkRules() {
	switch d.cfg.Rules.Source {
	case config.RulesFromFile:
		if _, err := os.Stat(d.cfg.Rules.Path); err != nil {
			d.addResult(DiagnosticResult{
				Name:    "rules",
				Status:  StatusError,
				Message: "Rule file is not readable",
				Details: map[string]string{"path": d.cfg.Rules.Path, "error": err.Error()},
			})
			return
		}
		d.addResult(DiagnosticResult{
			Name:    "rules",
			Status:  StatusOK,
			Message: "Rules load from file",
			Details: map[string]string{"path": d.cfg.Rules.Path},
		})
	default:
		d.addResult(DiagnosticResult{
			Name:    "rules",
			Status:  StatusOK,
			Message: "Rules load from Redis",
			Details: map[string]string{"key": d.cfg.Rules.Key},
		})
	}

	if d.cfg.Rules.RefreshInterval <= 0 {
		d.addResult(DiagnosticResult{
			Name:    "rules_refresh",
			Status:  StatusWarning,
			Message: "Rules are loaded once; restart workers to pick up changes",
		})
	}
}

func (d *Diagnostics) checkNotifiers() {
	n := d.cfg.Notifier
	if n.Slack.Simulated() {
		d.addResult(DiagnosticResult{
			Name:    "slack",
			Status:  StatusWarning,
			Message: "No Slack credentials, notifications are simulated",
			Details: map[string]string{"recommendation": "Set SLACK_BOT_TOKEN or SLACK_WEBHOOK_URL"},
		})
	} else {
		mode := "bot token"
		if n.Slack.Token == "" {
			mode = "incoming webhook"
		}
		d.addResult(DiagnosticResult{
			Name:    "slack",
			Status:  StatusOK,
			Message: "Slack is configured",
			Details: map[string]string{"mode": mode, "default_channel": n.Slack.DefaultChannel},
		})
	}

	webhooks := StatusSkipped
	if len(n.Webhooks) > 0 {
		webhooks = StatusOK
	}
	d.addResult(DiagnosticResult{
		Name:    "webhooks",
		Status:  webhooks,
		Message: fmt.Sprintf("%d webhook endpoint(s)", len(n.Webhooks)),
	})

	pd := StatusSkipped
	if len(n.PagerDuty.RoutingKeys) > 0 {
		pd = StatusOK
	}
	d.addResult(DiagnosticResult{
		Name:    "pagerduty",
		Status:  pd,
		Message: fmt.Sprintf("%d routing key(s)", len(n.PagerDuty.RoutingKeys)),
	})
}

func (d *Diagnostics) checkArchive() {
	a := d.cfg.Archive
	if !a.ClickHouse.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "clickhouse",
			Status:  StatusSkipped,
			Message: "Step archive disabled",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "clickhouse",
			Status:  StatusOK,
			Message: "Step archive enabled",
			Details: map[string]string{
				"hosts":    strings.Join(a.ClickHouse.Hosts, ","),
				"database": a.ClickHouse.Database,
			},
		})
	}

	if !a.S3.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "s3",
			Status:  StatusSkipped,
			Message: "Run archive disabled",
		})
		return
	}
	status := StatusOK
	msg := "Run archive enabled"
	if a.S3.ServerSideEncryption == "" {
		status = StatusWarning
		msg = "Run archive enabled WITHOUT server-side encryption"
	}
	d.addResult(DiagnosticResult{
		Name:    "s3",
		Status:  status,
		Message: msg,
		Details: map[string]string{"bucket": a.S3.Bucket, "prefix": a.S3.Prefix},
	})
}

func (d *Diagnostics) checkMetricsPort() {
	if !d.cfg.Metrics.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "metrics_port",
			Status:  StatusSkipped,
			Message: "Metrics endpoint disabled",
		})
		return
	}

	addr := d.cfg.Metrics.Addr
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "metrics_port",
			Status:  StatusError,
			Message: fmt.Sprintf("Metrics address is not available: %s", err),
			Details: map[string]string{"addr": addr},
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "metrics_port",
		Status:  StatusOK,
		Message: "Metrics address is available",
		Details: map[string]string{"addr": addr},
	})
}

func (d *Diagnostics) runPings(ctx context.Context) {
	for _, p := range d.pings {
		pingCtx, cancel := context.WithTimeout(ctx, d.pingTimeout)
		start := time.Now()
		err := p.check(pingCtx)
		cancel()

		details := map[string]string{"latency": time.Since(start).Round(time.Millisecond).String()}
		for k, v := range p.details {
			details[k] = v
		}
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    p.name,
				Status:  StatusError,
				Message: fmt.Sprintf("Unreachable: %s", err),
				Details: details,
			})
			continue
		}
		d.addResult(DiagnosticResult{
			Name:    p.name,
			Status:  StatusOK,
			Message: "Reachable",
			Details: details,
		})
	}
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)

	if errors > 0 {
		d.logger.Error("startup diagnostics found critical errors - workers may not function correctly")
	} else if warnings > 0 {
		d.logger.Warn("startup diagnostics found warnings - review for production readiness")
	} else {
		d.logger.Info("all startup diagnostics passed")
	}
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}
