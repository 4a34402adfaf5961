package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"grainwatch/internal/config"
	"grainwatch/internal/metrics"
	"grainwatch/internal/notifyqueue"
	"grainwatch/internal/retry"
)

// Deliverer sends queued jobs through the channel registry with retries.
// Params: registry, retry policy, and logger.
// Returns: notifyqueue handler implementation.
type Deliverer struct {
	registry       Registry
	policy         retry.Policy
	logEachAttempt bool
	logger         *slog.Logger
}

// NewDeliverer creates job deliverer.
// Params: channel registry, retry config, and optional logger.
// Returns: deliverer whose Deliver method is a notifyqueue.Handler.
func NewDeliverer(registry Registry, cfg config.NotifyRetry, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		registry:       registry,
		policy:         PolicyFromConfig(cfg),
		logEachAttempt: cfg.LogEachAttempt,
		logger:         logger,
	}
}

// PolicyFromConfig converts notify retry config into a retry policy.
func PolicyFromConfig(cfg config.NotifyRetry) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.InitialMS) * time.Millisecond,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    time.Duration(cfg.MaxMS) * time.Millisecond,
	}
}

// Deliver sends one job until success, permanent failure, or retry exhaustion.
// Params: context and queued job.
// Returns: nil on success; exhausted or permanent failures come back marked permanent
// so queue backends dead-letter them instead of redelivering.
func (d *Deliverer) Deliver(ctx context.Context, job notifyqueue.Job) error {
	channel, ok := d.registry.Lookup(job.Channel)
	if !ok {
		metrics.DispatchExhaustedTotal.WithLabelValues(string(job.Channel)).Inc()
		return retry.Permanent(fmt.Errorf("no channel configured for %s", job.Channel))
	}
	channelLabel := string(job.Channel)
	attempts, err := retry.Do(ctx, d.policy,
		func(ctx context.Context) error {
			sendErr := channel.Send(ctx, job.Notification, job.Notification.Recipients)
			if sendErr != nil {
				metrics.DispatchAttemptsTotal.WithLabelValues(channelLabel, "error").Inc()
				return sendErr
			}
			metrics.DispatchAttemptsTotal.WithLabelValues(channelLabel, "ok").Inc()
			return nil
		},
		isRetryable,
		func(attempt int, err error, delay time.Duration) {
			if d.logEachAttempt {
				d.logger.Warn("notify send attempt failed",
					"job_id", job.ID,
					"alert_id", job.AlertID,
					"channel", job.Channel,
					"attempt", attempt,
					"retry_in", delay.String(),
					"error", err.Error(),
				)
			}
		},
	)
	if err == nil {
		if attempts > 1 {
			d.logger.Info("notify send recovered after retries", "job_id", job.ID, "channel", job.Channel, "attempt", attempts)
		}
		return nil
	}
	metrics.DispatchExhaustedTotal.WithLabelValues(channelLabel).Inc()
	d.logger.Error("notify delivery failed",
		"job_id", job.ID,
		"alert_id", job.AlertID,
		"trigger_id", job.TriggerID,
		"channel", job.Channel,
		"attempts", attempts,
		"error", err.Error(),
	)
	if ctx.Err() != nil {
		return err
	}
	return retry.Permanent(fmt.Errorf("channel %s failed after %d attempts: %w", job.Channel, attempts, err))
}
