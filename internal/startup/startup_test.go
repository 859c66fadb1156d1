package startup

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ot-sentinel/internal/config"
	"ot-sentinel/internal/notify"
)

// ---------- helpers ----------

// newTestLogger returns a slog.Logger that writes to a buffer so tests
// can inspect log output without polluting stdout.
func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler)
}

// newTestConfig returns a valid config whose metrics endpoint binds an
// ephemeral port.
func newTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

func findResult(results []DiagnosticResult, name string) *DiagnosticResult {
	for i := range results {
		if results[i].Name == name {
			return &results[i]
		}
	}
	return nil
}

func mustResult(t *testing.T, results []DiagnosticResult, name string) DiagnosticResult {
	t.Helper()
	r := findResult(results, name)
	if r == nil {
		t.Fatalf("no %q result", name)
	}
	return *r
}

// ---------- Status.String() ----------

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "OK"},
		{StatusWarning, "WARNING"},
		{StatusError, "ERROR"},
		{StatusSkipped, "SKIPPED"},
		{Status(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", int(tt.status), got, tt.want)
		}
	}
}

// ---------- static checks ----------

func TestRunAllDefaults(t *testing.T) {
	var buf bytes.Buffer
	d := NewDiagnostics(newTestConfig(), "", newTestLogger(&buf))
	results := d.RunAll(context.Background())

	for _, name := range []string{"runtime", "config_file", "config_validation", "transport", "rules", "slack", "webhooks", "pagerduty", "clickhouse", "s3", "metrics_port"} {
		mustResult(t, results, name)
	}

	if r := mustResult(t, results, "config_validation"); r.Status != StatusOK {
		t.Errorf("config_validation = %s: %s", r.Status, r.Message)
	}
	if r := mustResult(t, results, "slack"); r.Status != StatusWarning {
		t.Errorf("slack without credentials = %s, want WARNING", r.Status)
	}
	if r := mustResult(t, results, "clickhouse"); r.Status != StatusSkipped {
		t.Errorf("clickhouse = %s, want SKIPPED", r.Status)
	}
	if r := mustResult(t, results, "metrics_port"); r.Status != StatusOK {
		t.Errorf("metrics_port = %s: %s", r.Status, r.Message)
	}
	if d.HasErrors() {
		t.Errorf("default config reported errors: %+v", results)
	}
	if !d.HasWarnings() {
		t.Error("expected warnings for missing config file and simulated Slack")
	}
	if !strings.Contains(buf.String(), "diagnostics summary") {
		t.Errorf("summary not logged:\n%s", buf.String())
	}
}

func TestCheckConfiguration(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(existing, []byte("transport: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		path       string
		mutate     func(*config.Config)
		fileStatus Status
		validation Status
	}{
		{"defaults only", "", nil, StatusWarning, StatusOK},
		{"missing file", filepath.Join(t.TempDir(), "absent.yaml"), nil, StatusWarning, StatusOK},
		{"existing file", existing, nil, StatusOK, StatusOK},
		{"invalid config", existing, func(c *config.Config) { c.Transport = "carrier-pigeon" }, StatusOK, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			var buf bytes.Buffer
			d := NewDiagnostics(cfg, tt.path, newTestLogger(&buf))
			results := d.RunAll(context.Background())

			if r := mustResult(t, results, "config_file"); r.Status != tt.fileStatus {
				t.Errorf("config_file = %s, want %s", r.Status, tt.fileStatus)
			}
			if r := mustResult(t, results, "config_validation"); r.Status != tt.validation {
				t.Errorf("config_validation = %s, want %s", r.Status, tt.validation)
			}
		})
	}
}

func TestCheckTransportAndRules(t *testing.T) {
	rulesFile := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(rulesFile, []byte("[]"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		mutate    func(*config.Config)
		transport Status
		rules     Status
		refresh   bool
	}{
		{
			name:      "redis transport with redis rules",
			mutate:    func(c *config.Config) {},
			transport: StatusOK,
			rules:     StatusOK,
			refresh:   true,
		},
		{
			name: "memory transport with file rules",
			mutate: func(c *config.Config) {
				c.Transport = config.TransportMemory
				c.Rules.Source = config.RulesFromFile
				c.Rules.Path = rulesFile
			},
			transport: StatusWarning,
			rules:     StatusOK,
			refresh:   true,
		},
		{
			name: "missing rule file",
			mutate: func(c *config.Config) {
				c.Rules.Source = config.RulesFromFile
				c.Rules.Path = filepath.Join(t.TempDir(), "nope.json")
			},
			transport: StatusOK,
			rules:     StatusError,
			refresh:   true,
		},
		{
			name: "refresh configured",
			mutate: func(c *config.Config) {
				c.Rules.RefreshInterval = 30 * time.Second
			},
			transport: StatusOK,
			rules:     StatusOK,
			refresh:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			tt.mutate(cfg)
			var buf bytes.Buffer
			results := NewDiagnostics(cfg, "", newTestLogger(&buf)).RunAll(context.Background())

			if r := mustResult(t, results, "transport"); r.Status != tt.transport {
				t.Errorf("transport = %s, want %s", r.Status, tt.transport)
			}
			if r := mustResult(t, results, "rules"); r.Status != tt.rules {
				t.Errorf("rules = %s, want %s", r.Status, tt.rules)
			}
			if got := findResult(results, "rules_refresh") != nil; got != tt.refresh {
				t.Errorf("rules_refresh warning present = %v, want %v", got, tt.refresh)
			}
		})
	}
}

func TestCheckNotifiers(t *testing.T) {
	cfg := newTestConfig()
	cfg.Notifier.Slack.WebhookURL = "https://hooks.slack.com/services/T000/B000/XXXX"
	cfg.Notifier.Webhooks = map[string]notify.WebhookEndpoint{
		"soar": {URL: "https://soar.example.com/hook"},
	}
	cfg.Notifier.PagerDuty.RoutingKeys = map[string]string{"ot-oncall": "abc"}

	var buf bytes.Buffer
	results := NewDiagnostics(cfg, "", newTestLogger(&buf)).RunAll(context.Background())

	slack := mustResult(t, results, "slack")
	if slack.Status != StatusOK || slack.Details["mode"] != "incoming webhook" {
		t.Errorf("slack = %+v", slack)
	}
	if r := mustResult(t, results, "webhooks"); r.Status != StatusOK {
		t.Errorf("webhooks = %s", r.Status)
	}
	if r := mustResult(t, results, "pagerduty"); r.Status != StatusOK {
		t.Errorf("pagerduty = %s", r.Status)
	}
	if strings.Contains(buf.String(), "XXXX") {
		t.Errorf("webhook secret leaked into diagnostics log:\n%s", buf.String())
	}
}

func TestCheckArchive(t *testing.T) {
	tests := []struct {
		name   string
		sse    string
		status Status
	}{
		{"encrypted bucket", "AES256", StatusOK},
		{"unencrypted bucket", "", StatusWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newTestConfig()
			cfg.Archive.S3.Enabled = true
			cfg.Archive.S3.ServerSideEncryption = tt.sse

			var buf bytes.Buffer
			results := NewDiagnostics(cfg, "", newTestLogger(&buf)).RunAll(context.Background())
			if r := mustResult(t, results, "s3"); r.Status != tt.status {
				t.Errorf("s3 = %s, want %s", r.Status, tt.status)
			}
		})
	}
}

func TestCheckMetricsPortInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	cfg := newTestConfig()
	cfg.Metrics.Addr = l.Addr().String()

	var buf bytes.Buffer
	d := NewDiagnostics(cfg, "", newTestLogger(&buf))
	results := d.RunAll(context.Background())
	if r := mustResult(t, results, "metrics_port"); r.Status != StatusError {
		t.Errorf("metrics_port = %s, want ERROR", r.Status)
	}
	if !d.HasErrors() {
		t.Error("HasErrors() = false")
	}
}

// ---------- pings ----------

func TestPings(t *testing.T) {
	var buf bytes.Buffer
	d := NewDiagnostics(newTestConfig(), "", newTestLogger(&buf))
	d.AddPing("redis", map[string]string{"addr": "localhost:6379"}, func(ctx context.Context) error {
		return nil
	})
	d.AddPing("kafka", nil, func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	d.AddPing("slow", nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d.pingTimeout = 10 * time.Millisecond

	results := d.RunAll(context.Background())

	redis := mustResult(t, results, "redis")
	if redis.Status != StatusOK || redis.Details["addr"] != "localhost:6379" || redis.Details["latency"] == "" {
		t.Errorf("redis = %+v", redis)
	}
	kafka := mustResult(t, results, "kafka")
	if kafka.Status != StatusError || !strings.Contains(kafka.Message, "connection refused") {
		t.Errorf("kafka = %+v", kafka)
	}
	if r := mustResult(t, results, "slow"); r.Status != StatusError {
		t.Errorf("slow ping = %s, want ERROR after timeout", r.Status)
	}
	if len(d.Results()) != len(results) {
		t.Errorf("Results() len = %d, want %d", len(d.Results()), len(results))
	}
}
