package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"ot-sentinel/internal/action"
	"ot-sentinel/internal/schema"
)

// WebhookEndpoint is a named outbound webhook (a SOAR, a ticketing bridge).
type WebhookEndpoint struct {
	URL     string            `yaml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers"`
}

// Webhook posts the alert JSON to configured endpoints. Actions name the
// endpoint ("webhook:soar"), never a raw URL.
type Webhook struct {
	endpoints map[string]WebhookEndpoint
	client    *http.Client
}

// NewWebhook creates a webhook notifier.
func NewWebhook(endpoints map[string]WebhookEndpoint, timeout time.Duration) *Webhook {
	client := defaultHTTPClient()
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &Webhook{endpoints: endpoints, client: client}
}

func (w *Webhook) Kind() action.Kind { return action.KindWebhook }
func (w *Webhook) Tool() string      { return "webhook" }
func (w *Webhook) Action() string    { return "post" }

// Notify sends the alert to the named endpoint.
func (w *Webhook) Notify(ctx context.Context, d action.Descriptor, alert *schema.Alert) Result {
	ep, ok := w.endpoints[d.Target]
	if !ok {
		return failed(fmt.Errorf("%w: webhook %q", ErrUnknownTarget, d.Target))
	}

	status, body, err := postJSON(ctx, w.client, ep.URL, ep.Headers, alert)
	if err != nil {
		return failed(fmt.Errorf("webhook %s: %w", d.Target, err))
	}
	if status < 200 || status >= 300 {
		return failed(fmt.Errorf("webhook %s returned %d: %s", d.Target, status, string(body)))
	}
	return Result{Success: true}
}
