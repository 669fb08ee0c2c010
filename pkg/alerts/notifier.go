package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ryouol/agent-diagnostics/pkg/logging"
	"github.com/ryouol/agent-diagnostics/pkg/metrics"
	"github.com/ryouol/agent-diagnostics/pkg/models"
)

// Delivery channels
const (
	ChannelNotify  = "notify"
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
)

// Mailer sends alert emails.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(_ context.Context, to []string, subject, body string) error {
	logging.OrDefault(m.Logger).Info("Alert email", "to", strings.Join(to, ","), "subject", subject, "body", body)
	return nil
}

// NotifierConfig configures delivery. Zero values fall back to DefaultNotifierConfig.
type NotifierConfig struct {
	WebhookTimeout time.Duration
	// WebhookRate is the sustained number of webhook calls per second.
	WebhookRate  float64
	WebhookBurst int
}

// DefaultNotifierConfig allows 5 webhook calls per second with bursts of 10.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		WebhookTimeout: 5 * time.Second,
		WebhookRate:    5,
		WebhookBurst:   10,
	}
}

// Notifier delivers alert actions: log notifications, webhook POSTs and email.
type Notifier struct {
	client  *http.Client
	limiter *rate.Limiter
	mailer  Mailer
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewNotifier creates a notifier. A nil mailer logs emails.
func NewNotifier(config NotifierConfig, mailer Mailer, logger *slog.Logger, m *metrics.Metrics) *Notifier {
	d := DefaultNotifierConfig()
	if config.WebhookTimeout <= 0 {
		config.WebhookTimeout = d.WebhookTimeout
	}
	if config.WebhookRate <= 0 {
		config.WebhookRate = d.WebhookRate
	}
	if config.WebhookBurst <= 0 {
		config.WebhookBurst = d.WebhookBurst
	}
	logger = logging.OrDefault(logger).With("component", "notifier")
	if mailer == nil {
		mailer = LogMailer{Logger: logger}
	}
	return &Notifier{
		client:  &http.Client{Timeout: config.WebhookTimeout},
		limiter: rate.NewLimiter(rate.Limit(config.WebhookRate), config.WebhookBurst),
		mailer:  mailer,
		timeout: config.WebhookTimeout,
		logger:  logger,
		metrics: m,
	}
}

// WebhookPayload is the JSON body posted to alert webhooks
type WebhookPayload struct {
	Event   string               `json:"event"`
	Alert   models.Alert         `json:"alert"`
	Trigger models.TriggerRecord `json:"trigger"`
	Error   models.ErrorRecord   `json:"error"`
	TS      string               `json:"ts"`
}

// Dispatch runs every configured action of alert and returns one
// *models.ActionDeliveryError per failed channel.
func (n *Notifier) Dispatch(ctx context.Context, alert models.Alert, trigger models.TriggerRecord, record models.ErrorRecord) []error {
	var errs []error
	fail := func(channel string, err error) {
		n.metrics.DeliveryFailed(channel)
		errs = append(errs, &models.ActionDeliveryError{AlertID: alert.ID, Channel: channel, Err: err})
	}

	if alert.Actions.Notify {
		n.logger.Warn("Alert notification",
			"alert_id", alert.ID,
			"alert", alert.Name,
			"agent", record.Agent,
			"level", record.Level,
			"message", record.Message,
			"frequency", record.Frequency)
	}

	if alert.Actions.Webhook != "" {
		if err := n.postWebhook(ctx, alert.Actions.Webhook, WebhookPayload{
			Event:   "alert.triggered",
			Alert:   alert,
			Trigger: trigger,
			Error:   record,
			TS:      trigger.TriggeredAt.Format(time.RFC3339),
		}); err != nil {
			fail(ChannelWebhook, err)
		}
	}

	if len(alert.Actions.Email) > 0 {
		subject := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(record.Level)), alert.Name, record.Agent)
		body := fmt.Sprintf("Alert %q triggered at %s\nAgent: %s\nMessage: %s\nFrequency: %d\nTrigger count: %d\n",
			alert.Name, trigger.TriggeredAt.Format(time.RFC3339), record.Agent, record.Message, record.Frequency, alert.TriggerCount)
		if err := n.mailer.Send(ctx, alert.Actions.Email, subject, body); err != nil {
			fail(ChannelEmail, err)
		}
	}

	return errs
}

func (n *Notifier) postWebhook(ctx context.Context, rawURL string, payload WebhookPayload) error {
	if err := validateWebhookURL(rawURL); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// validateWebhookURL requires http(s) and rejects cloud metadata endpoints.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme, got %q", scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("webhook URL %q has no host", rawURL)
	}
	for _, blocked := range []string{"169.254.169.254", "metadata.google.internal"} {
		if host == blocked {
			return fmt.Errorf("webhook URL host %q is blocked", host)
		}
	}
	return nil
}
