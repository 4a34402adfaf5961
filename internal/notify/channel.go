package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"grainwatch/internal/config"
	"grainwatch/internal/domain"
)

// Channel delivers one rendered notification to its recipients.
// Params: context, rendered payload, and recipients (may be empty when the backend has its own target).
// Returns: transport error; errors marked with retry.Permanent are not retried.
type Channel interface {
	Send(ctx context.Context, notification domain.Notification, recipients []string) error
}

// Registry maps action types to delivery channels.
type Registry map[domain.ActionType]Channel

// Lookup returns the channel bound to action type.
func (r Registry) Lookup(actionType domain.ActionType) (Channel, bool) {
	channel, ok := r[actionType]
	return channel, ok && channel != nil
}

// NewRegistry builds one channel per action type from notify config.
// Params: notify config and logger used by log backends.
// Returns: registry or error for misconfigured backend.
func NewRegistry(cfg config.NotifyConfig, logger *slog.Logger) (Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry := make(Registry)
	var telegram *TelegramChannel
	for actionType, channelCfg := range config.NotifyChannels(cfg) {
		switch channelCfg.Backend {
		case config.BackendLog, "":
			registry[actionType] = NewLogChannel(actionType, logger)
		case config.BackendHTTP:
			registry[actionType] = NewRelayChannel(channelCfg)
		case config.BackendWebhook:
			registry[actionType] = NewWebhookChannel(channelCfg)
		case config.BackendTelegram:
			if telegram == nil {
				created, err := NewTelegramChannel(cfg.Telegram)
				if err != nil {
					return nil, err
				}
				telegram = created
			}
			registry[actionType] = telegram
		default:
			return nil, fmt.Errorf("notify.%s.backend has unsupported value %q", strings.ToLower(string(actionType)), channelCfg.Backend)
		}
	}
	return registry, nil
}

// LogChannel writes notifications to the service log instead of delivering them.
type LogChannel struct {
	actionType domain.ActionType
	logger     *slog.Logger
}

// NewLogChannel creates log-only channel for one action type.
func NewLogChannel(actionType domain.ActionType, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{actionType: actionType, logger: logger}
}

// Send logs the payload.
func (c *LogChannel) Send(_ context.Context, notification domain.Notification, recipients []string) error {
	c.logger.Info("notification",
		"channel", c.actionType,
		"alert_id", notification.AlertID,
		"trigger_id", notification.TriggerID,
		"cell_id", notification.CellID,
		"severity", notification.Severity,
		"recipients", recipients,
		"subject", notification.Subject,
		"body", notification.Body,
	)
	return nil
}

// StatusError is a non-2xx response from an HTTP backend.
type StatusError struct {
	Backend string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s status=%d", e.Backend, e.Code)
	}
	return fmt.Sprintf("%s status=%d body=%s", e.Backend, e.Code, e.Body)
}

// Retryable reports whether the status may succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return true
	}
	return e.Code >= 500 || e.Code < 400
}

// isRetryable classifies delivery errors for retry.Do.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
