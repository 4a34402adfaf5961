package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"grainwatch/internal/config"
	"grainwatch/internal/domain"
	"grainwatch/internal/retry"

	"github.com/go-resty/resty/v2"
)

// relayPayload is the JSON body posted to EMAIL/SMS/PUSH gateways.
type relayPayload struct {
	Channel    domain.ActionType `json:"channel"`
	Recipients []string          `json:"recipients,omitempty"`
	Locale     string            `json:"locale,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body"`
	AlertID    string            `json:"alertId"`
	TriggerID  string            `json:"triggerId"`
	CellID     string            `json:"cellId"`
	Severity   domain.Severity   `json:"severity"`
	FiredAt    time.Time         `json:"firedAt"`
}

// webhookPayload is the JSON body posted to a trigger's webhookUrl.
type webhookPayload struct {
	AlertID     string            `json:"alertId"`
	TriggerID   string            `json:"triggerId"`
	TriggerName string            `json:"triggerName"`
	CellID      string            `json:"cellId"`
	Severity    domain.Severity   `json:"severity"`
	Variables   map[string]string `json:"variables"`
	FiredAt     time.Time         `json:"firedAt"`
}

// RelayChannel posts rendered messages to a configured gateway endpoint.
// Params: gateway URL, method, timeout, and static headers.
// Returns: channel for EMAIL/SMS/PUSH delivery through an external relay.
type RelayChannel struct {
	url    string
	method string
	client *resty.Client
}

// NewRelayChannel creates gateway channel from channel config.
func NewRelayChannel(cfg config.ChannelConfig) *RelayChannel {
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = resty.MethodPost
	}
	return &RelayChannel{
		url:    strings.TrimSpace(cfg.URL),
		method: method,
		client: newRestyClient(cfg.TimeoutSec, cfg.Headers),
	}
}

// Send posts one relay payload.
func (c *RelayChannel) Send(ctx context.Context, notification domain.Notification, recipients []string) error {
	payload := relayPayload{
		Channel:    notification.Channel,
		Recipients: recipients,
		Locale:     notification.Locale,
		Subject:    notification.Subject,
		Body:       notification.Body,
		AlertID:    notification.AlertID,
		TriggerID:  notification.TriggerID,
		CellID:     notification.CellID,
		Severity:   notification.Severity,
		FiredAt:    notification.FiredAt,
	}
	return execute(ctx, c.client, c.method, c.url, "relay", payload)
}

// WebhookChannel posts structured alert data to the per-action webhookUrl.
type WebhookChannel struct {
	client *resty.Client
}

// NewWebhookChannel creates webhook channel from channel config.
func NewWebhookChannel(cfg config.ChannelConfig) *WebhookChannel {
	return &WebhookChannel{client: newRestyClient(cfg.TimeoutSec, cfg.Headers)}
}

// Send posts one webhook payload; recipients are ignored.
func (c *WebhookChannel) Send(ctx context.Context, notification domain.Notification, _ []string) error {
	target := strings.TrimSpace(notification.WebhookURL)
	if target == "" {
		return retry.Permanent(errors.New("webhook url is empty"))
	}
	payload := webhookPayload{
		AlertID:     notification.AlertID,
		TriggerID:   notification.TriggerID,
		TriggerName: notification.TriggerName,
		CellID:      notification.CellID,
		Severity:    notification.Severity,
		Variables:   notification.Variables,
		FiredAt:     notification.FiredAt,
	}
	return execute(ctx, c.client, resty.MethodPost, target, "webhook", payload)
}

func newRestyClient(timeoutSec int, headers map[string]string) *resty.Client {
	if timeoutSec <= 0 {
		timeoutSec = 10
	}
	client := resty.New().
		SetTimeout(time.Duration(timeoutSec) * time.Second).
		SetHeader("Content-Type", "application/json")
	if len(headers) > 0 {
		client.SetHeaders(headers)
	}
	return client
}

// execute sends JSON body and maps non-2xx responses to StatusError.
func execute(ctx context.Context, client *resty.Client, method, target, backend string, body any) error {
	response, err := client.R().
		SetContext(ctx).
		SetBody(body).
		Execute(method, target)
	if err != nil {
		return fmt.Errorf("%s send: %w", backend, err)
	}
	if response.IsSuccess() {
		return nil
	}
	return &StatusError{
		Backend: backend,
		Code:    response.StatusCode(),
		Body:    strings.TrimSpace(response.String()),
	}
}
