package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ot-sentinel/internal/action"
	"ot-sentinel/internal/schema"
)

// SlackConfig configures Slack delivery. With a bot token messages go
// through chat.postMessage and are threaded per incident; with only an
// incoming webhook URL each notification is a standalone message; with
// neither the notifier runs simulated.
type SlackConfig struct {
	Token          string        `yaml:"token"`
	WebhookURL     string        `yaml:"webhook_url"`
	APIBaseURL     string        `yaml:"api_base_url"`
	DefaultChannel string        `yaml:"default_channel"`
	Username       string        `yaml:"username"`
	Timeout        time.Duration `yaml:"timeout"`
}

// DefaultSlackConfig returns defaults for the SOC channel.
func DefaultSlackConfig() SlackConfig {
	return SlackConfig{
		APIBaseURL:     "https://slack.com/api",
		DefaultChannel: "#ot-soc",
		Username:       "ot-sentinel",
		Timeout:        10 * time.Second,
	}
}

// Simulated reports whether no Slack credentials are configured.
func (c SlackConfig) Simulated() bool {
	return c.Token == "" && c.WebhookURL == ""
}

// Slack posts alerts to Slack channels.
type Slack struct {
	cfg     SlackConfig
	client  *http.Client
	threads ThreadStore
	now     func() time.Time
}

// NewSlack creates a Slack notifier.
func NewSlack(cfg SlackConfig, threads ThreadStore) *Slack {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultSlackConfig().APIBaseURL
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = DefaultSlackConfig().DefaultChannel
	}
	if threads == nil {
		threads = NewMemoryThreadStore()
	}

	client := defaultHTTPClient()
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}

	return &Slack{cfg: cfg, client: client, threads: threads, now: time.Now}
}

func (s *Slack) Kind() action.Kind { return action.KindSlack }
func (s *Slack) Tool() string      { return "slack" }
func (s *Slack) Action() string    { return "postMessage" }

// Notify posts a root message for the incident's first notification and
// replies in its thread afterwards.
func (s *Slack) Notify(ctx context.Context, d action.Descriptor, alert *schema.Alert) Result {
	channel := d.Target
	if channel == "" {
		channel = s.cfg.DefaultChannel
	}

	thread, err := s.threads.Get(ctx, alert.ID)
	if err != nil {
		// Losing threading is preferable to losing the notification.
		slog.Warn("slack thread lookup failed", "incident_id", alert.ID, "error", err)
		thread = nil
	}
	if thread != nil && thread.Target != "" && thread.Target != channel {
		thread = nil
	}

	switch {
	case s.cfg.Token != "":
		return s.postAPI(ctx, channel, thread, alert)
	case s.cfg.WebhookURL != "":
		return s.postWebhook(ctx, channel, alert)
	default:
		return s.simulate(ctx, channel, thread, alert)
	}
}

type slackResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	TS      string `json:"ts,omitempty"`
	Channel string `json:"channel,omitempty"`
}

func (s *Slack) postAPI(ctx context.Context, channel string, thread *Thread, alert *schema.Alert) Result {
	payload := map[string]any{
		"channel": channel,
	}
	if s.cfg.Username != "" {
		payload["username"] = s.cfg.Username
	}
	if thread != nil {
		payload["channel"] = thread.ChannelID
		payload["thread_ts"] = thread.TS
		payload["text"] = replyText(alert)
	} else {
		payload["text"] = headline(alert)
		payload["blocks"] = rootBlocks(alert)
	}

	status, body, err := postJSON(ctx, s.client, strings.TrimRight(s.cfg.APIBaseURL, "/")+"/chat.postMessage",
		map[string]string{"Authorization": "Bearer " + s.cfg.Token}, payload)
	if err != nil {
		return failed(fmt.Errorf("slack: %w", err))
	}
	if status != http.StatusOK {
		return failed(fmt.Errorf("slack returned %d: %s", status, string(body)))
	}

	var resp slackResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return failed(fmt.Errorf("slack: invalid response: %w", err))
	}
	if !resp.OK {
		return failed(fmt.Errorf("slack: %s", resp.Error))
	}

	if thread != nil {
		return Result{Success: true, Token: thread.TS}
	}

	root := Thread{ChannelID: resp.Channel, TS: resp.TS, Target: channel}
	if root.ChannelID == "" {
		root.ChannelID = channel
	}
	s.saveThread(ctx, alert.ID, root)
	return Result{Success: true, Token: resp.TS}
}

func (s *Slack) postWebhook(ctx context.Context, channel string, alert *schema.Alert) Result {
	payload := map[string]any{
		"channel": channel,
		"text":    headline(alert),
		"blocks":  rootBlocks(alert),
	}
	if s.cfg.Username != "" {
		payload["username"] = s.cfg.Username
	}

	status, body, err := postJSON(ctx, s.client, s.cfg.WebhookURL, nil, payload)
	if err != nil {
		return failed(fmt.Errorf("slack webhook: %w", err))
	}
	if status != http.StatusOK {
		return failed(fmt.Errorf("slack webhook returned %d: %s", status, string(body)))
	}
	// Incoming webhooks do not return a message ts.
	return Result{Success: true}
}

func (s *Slack) simulate(ctx context.Context, channel string, thread *Thread, alert *schema.Alert) Result {
	if thread != nil {
		slog.Info("slack notification simulated",
			"incident_id", alert.ID,
			"channel", thread.Target,
			"thread_ts", thread.TS,
			"text", replyText(alert),
		)
		return Result{Success: true, Token: thread.TS, Simulated: true}
	}

	ts := strconv.FormatInt(s.now().UnixMilli(), 10)
	s.saveThread(ctx, alert.ID, Thread{ChannelID: channel, TS: ts, Target: channel})
	slog.Info("slack notification simulated",
		"incident_id", alert.ID,
		"channel", channel,
		"ts", ts,
		"text", headline(alert),
	)
	return Result{Success: true, Token: ts, Simulated: true}
}

func (s *Slack) saveThread(ctx context.Context, incidentID string, t Thread) {
	if err := s.threads.Save(ctx, incidentID, t); err != nil {
		slog.Warn("failed to save slack thread", "incident_id", incidentID, "error", err)
	}
}

func headline(alert *schema.Alert) string {
	asset := alert.Asset.Name
	if asset == "" {
		asset = alert.Asset.ID
	}
	if asset == "" {
		asset = "Unknown Asset"
	}
	return fmt.Sprintf("[%s] %s on %s",
		strings.ToUpper(string(alert.EffectiveSeverity())),
		strings.ReplaceAll(alert.Vector, "_", " "),
		asset,
	)
}

func replyText(alert *schema.Alert) string {
	return "Rule matched: " + alert.Rule
}

func rootBlocks(alert *schema.Alert) []map[string]any {
	protocol := alert.Protocol
	if protocol == "" {
		protocol = "N/A"
	}
	field := func(title, value string) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": "*" + title + ":*\n" + value}
	}

	return []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": headline(alert)},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				field("Protocol", protocol),
				field("Count", strconv.Itoa(alert.Count)),
				field("First Seen", alert.FirstSeen.UTC().Format(time.RFC3339)),
				field("Last Seen", alert.LastSeen.UTC().Format(time.RFC3339)),
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": "Rule: " + alert.Rule + " | Incident: " + alert.ID},
			},
		},
	}
}
