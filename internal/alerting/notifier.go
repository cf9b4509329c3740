package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/limitgate/backend/internal/config"
	"github.com/limitgate/backend/internal/core"
)

// Alert is the payload delivered to every notifier when a rule fires.
type Alert struct {
	RuleID        uuid.UUID  `json:"rule_id"`
	RuleName      string     `json:"rule_name"`
	PolicyID      *uuid.UUID `json:"policy_id,omitempty"`
	DenyRate      float64    `json:"deny_rate"`
	Threshold     float64    `json:"threshold"`
	WindowSeconds int64      `json:"window_seconds"`
	Total         int64      `json:"total_requests"`
	Denied        int64      `json:"denied_requests"`
	Test          bool       `json:"test,omitempty"`
	TriggeredAt   time.Time  `json:"triggered_at"`
}

func (a *Alert) text() string {
	prefix := ""
	if a.Test {
		prefix = "[TEST] "
	}
	return fmt.Sprintf("%sdeny rate alert %q: %.1f%% denied over %ds (threshold %.1f%%, %d/%d requests)",
		prefix, a.RuleName, a.DenyRate, a.WindowSeconds, a.Threshold, a.Denied, a.Total)
}

// Notifier delivers alerts over one channel.
type Notifier interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert *Alert) error
}

// newHTTPClient applies the alerting connect and read timeouts.
func newHTTPClient(cfg config.AlertingConfig) *http.Client {
	return &http.Client{
		Timeout: cfg.ReadTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		},
	}
}

// BuildNotifiers assembles the configured channels. Channels without
// configuration are present but disabled.
func BuildNotifiers(cfg config.AlertingConfig) []Notifier {
	client := newHTTPClient(cfg)
	return []Notifier{
		&SlackNotifier{url: cfg.Slack.WebhookURL, client: client},
		&WebhookNotifier{url: cfg.Webhook.URL, client: client},
		&EmailNotifier{cfg: cfg.Email},
	}
}

// SlackNotifier posts the alert text to a Slack incoming webhook.
type SlackNotifier struct {
	url    string
	client *http.Client
}

func (n *SlackNotifier) Name() string  { return "slack" }
func (n *SlackNotifier) Enabled() bool { return n.url != "" }

func (n *SlackNotifier) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(map[string]string{"text": alert.text()})
	if err != nil {
		return core.Wrap(core.KindInternal, err, "slack payload")
	}
	return n.post(ctx, n.url, body)
}

func (n *SlackNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.Wrap(core.KindInternal, err, "slack request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return core.Wrap(core.KindNotifierFailure, err, "slack delivery")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return core.E(core.KindNotifierFailure, "slack returned %d", resp.StatusCode)
	}
	return nil
}

// WebhookNotifier posts the full alert JSON to a generic endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func (n *WebhookNotifier) Name() string  { return "webhook" }
func (n *WebhookNotifier) Enabled() bool { return n.url != "" }

func (n *WebhookNotifier) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return core.Wrap(core.KindInternal, err, "webhook payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return core.Wrap(core.KindInternal, err, "webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return core.Wrap(core.KindNotifierFailure, err, "webhook delivery")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return core.E(core.KindNotifierFailure, "webhook returned %d", resp.StatusCode)
	}
	return nil
}

// EmailNotifier sends a plain-text mail over SMTP without auth, intended
// for an internal relay.
type EmailNotifier struct {
	cfg config.EmailConfig
}

func (n *EmailNotifier) Name() string { return "email" }
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.SMTPAddr != "" && n.cfg.From != "" && len(n.cfg.To) > 0
}

func (n *EmailNotifier) Send(ctx context.Context, alert *Alert) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: limitgate alert: %s\r\n\r\n%s\r\n",
		n.cfg.From, strings.Join(n.cfg.To, ", "), alert.RuleName, alert.text())

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(n.cfg.SMTPAddr, nil, n.cfg.From, n.cfg.To, []byte(msg))
	}()
	select {
	case err := <-done:
		return core.Wrap(core.KindNotifierFailure, err, "smtp delivery")
	case <-ctx.Done():
		return core.Wrap(core.KindNotifierFailure, ctx.Err(), "smtp delivery")
	}
}
