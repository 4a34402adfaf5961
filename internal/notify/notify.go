package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"grainwatch/internal/clock"
	"grainwatch/internal/domain"
	"grainwatch/internal/notifyqueue"
	"grainwatch/internal/templatefmt"
)

// Firing is a newly opened alert together with the trigger that opened it.
type Firing struct {
	Alert   domain.Alert
	Trigger domain.Trigger
}

// Dispatcher renders trigger actions for opened alerts and hands them to the queue.
// Params: queue producer, default locale, clock, and logger.
// Returns: fire-and-forget notification entrypoint for the engine.
type Dispatcher struct {
	producer      notifyqueue.Producer
	defaultLocale string
	clock         clock.Clock
	logger        *slog.Logger
}

// NewDispatcher builds dispatcher over one queue producer.
// Params: producer, default locale, optional clock and logger.
// Returns: ready dispatcher.
func NewDispatcher(producer notifyqueue.Producer, defaultLocale string, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		producer:      producer,
		defaultLocale: strings.TrimSpace(defaultLocale),
		clock:         clk,
		logger:        logger,
	}
}

// Dispatch enqueues one job per trigger action.
// Params: context and firing alert/trigger pair.
// Returns: joined enqueue errors; the alert itself is never touched.
func (d *Dispatcher) Dispatch(ctx context.Context, firing Firing) error {
	if d.producer == nil {
		return errors.New("notify producer is not configured")
	}
	now := d.clock.Now().UTC()
	var errs []error
	for i, action := range firing.Trigger.Actions {
		notification := Render(firing, action, d.defaultLocale)
		job := notifyqueue.Job{
			ID:           notifyqueue.BuildJobID(firing.Alert.ID, i, action.Type),
			AlertID:      firing.Alert.ID,
			TriggerID:    firing.Trigger.ID,
			ActionIndex:  i,
			Channel:      action.Type,
			Notification: notification,
			CreatedAt:    now,
		}
		if err := d.producer.Enqueue(ctx, job); err != nil {
			d.logger.Error("notify enqueue failed",
				"alert_id", firing.Alert.ID,
				"trigger_id", firing.Trigger.ID,
				"channel", action.Type,
				"error", err.Error(),
			)
			errs = append(errs, fmt.Errorf("enqueue action[%d] %s: %w", i, action.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Render builds the outbound payload for one action.
// Params: firing pair, action, and preferred locale.
// Returns: notification with localized subject/body and substituted variables.
func Render(firing Firing, action domain.Action, preferredLocale string) domain.Notification {
	vars := Variables(firing)
	notification := domain.Notification{
		AlertID:     firing.Alert.ID,
		TriggerID:   firing.Trigger.ID,
		TriggerName: firing.Trigger.Name,
		CellID:      firing.Alert.CellID,
		Severity:    firing.Alert.Severity,
		Channel:     action.Type,
		WebhookURL:  strings.TrimSpace(action.WebhookURL),
		Recipients:  append([]string(nil), action.Recipients...),
		Variables:   vars,
		FiredAt:     firing.Alert.StartedAt.UTC(),
	}
	if locale, body, ok := templatefmt.SelectLocale(action.Template.Body, preferredLocale); ok {
		notification.Locale = locale
		notification.Body = templatefmt.Render(body, vars)
		if subject, ok := action.Template.Subject[locale]; ok {
			notification.Subject = templatefmt.Render(subject, vars)
		}
	}
	if notification.Subject == "" {
		if _, subject, ok := templatefmt.SelectLocale(action.Template.Subject, preferredLocale); ok {
			notification.Subject = templatefmt.Render(subject, vars)
		}
	}
	return notification
}

// Variables computes template values for one firing.
// Params: firing alert/trigger pair.
// Returns: values keyed by supported placeholder names.
func Variables(firing Firing) map[string]string {
	alert := firing.Alert
	return map[string]string{
		templatefmt.VarSiteName:      alert.Labels.SiteName,
		templatefmt.VarCompoundName:  alert.Labels.CompoundName,
		templatefmt.VarCellName:      alert.Labels.CellName,
		templatefmt.VarCommodityType: alert.Labels.CommodityType,
		templatefmt.VarMetric:        string(alert.Metric),
		templatefmt.VarValue:         templatefmt.FormatValue(alert.Value),
		templatefmt.VarUnit:          alert.Metric.Unit(),
		templatefmt.VarThreshold:     thresholdOf(firing.Trigger, alert.Metric),
		templatefmt.VarSeverity:      string(alert.Severity),
		templatefmt.VarTimestamp:     templatefmt.FormatTimestamp(timestampOf(alert)),
		templatefmt.VarTriggerName:   firing.Trigger.Name,
	}
}

// thresholdOf renders the bound of the first condition on metric, else of the first condition.
func thresholdOf(trigger domain.Trigger, metric domain.Metric) string {
	if len(trigger.Conditions) == 0 {
		return ""
	}
	chosen := trigger.Conditions[0]
	for _, cond := range trigger.Conditions {
		if cond.Metric() == metric {
			chosen = cond
			break
		}
	}
	switch cond := chosen.(type) {
	case domain.ThresholdCondition:
		if cond.Operator == domain.OperatorBetween && cond.SecondaryValue != nil {
			return templatefmt.FormatValue(cond.Value) + "-" + templatefmt.FormatValue(*cond.SecondaryValue)
		}
		return templatefmt.FormatValue(cond.Value)
	case domain.ChangeCondition:
		return templatefmt.FormatValue(cond.Amount)
	default:
		return ""
	}
}

func timestampOf(alert domain.Alert) time.Time {
	if alert.StartedAt.IsZero() {
		return alert.UpdatedAt
	}
	return alert.StartedAt
}
