package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"grainwatch/internal/clock"
	"grainwatch/internal/domain"
	"grainwatch/internal/metrics"
)

// SystemActor is recorded as UpdatedBy for engine-driven changes.
const SystemActor = "system"

const maxCASAttempts = 8

type actorNameKey struct{}

// WithActorName attaches the acting user's display name to ctx.
func WithActorName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, actorNameKey{}, name)
}

// ActorName returns the display name set by WithActorName, or "".
func ActorName(ctx context.Context) string {
	name, _ := ctx.Value(actorNameKey{}).(string)
	return name
}

// Effect is what a lifecycle request did to the dedup slot.
type Effect string

const (
	// EffectNone means nothing held the slot.
	EffectNone Effect = "none"
	// EffectOpened means a new OPEN alert was created.
	EffectOpened Effect = "opened"
	// EffectRetained means an existing holder was kept unchanged.
	EffectRetained Effect = "retained"
	// EffectResolved means a non-terminal holder was auto-resolved.
	EffectResolved Effect = "resolved"
	// EffectReleased means an operator-closed holder gave up the slot without status change.
	EffectReleased Effect = "released"
)

// Outcome is the result of OpenOrRetain or AutoClear.
type Outcome struct {
	Effect Effect
	Alert  domain.Alert
}

// Opened reports whether caller must dispatch notifications.
func (o Outcome) Opened() bool {
	return o.Effect == EffectOpened
}

// FireRequest carries the firing context of one (trigger, cell) pair.
type FireRequest struct {
	Trigger    domain.Trigger
	CellID     string
	SiteID     string
	CompoundID string
	Labels     domain.Labels
	Metric     domain.Metric
	Value      float64
}

// Manager applies lifecycle rules on top of a Store.
// Params: store, clock, and logger.
// Returns: the single writer path for engine and operator changes.
type Manager struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	newID  func() string
}

// NewManager creates lifecycle manager.
// Params: store backend, clock (real clock when nil) and logger (default when nil).
// Returns: manager instance.
func NewManager(store Store, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		clock:  clk,
		logger: logger,
		newID:  func() string { return uuid.NewString() },
	}
}

// OpenOrRetain opens a new OPEN alert unless the dedup slot is already held.
// Params: firing context for one trigger and cell.
// Returns: opened outcome (caller dispatches once) or retained outcome.
func (m *Manager) OpenOrRetain(ctx context.Context, req FireRequest) (Outcome, error) {
	key := domain.DedupKey{TriggerID: req.Trigger.ID, CellID: req.CellID}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		holder, err := m.store.Holder(ctx, key)
		if err == nil || errors.Is(err, ErrHoldPending) {
			metrics.AlertOutcomesTotal.WithLabelValues(string(EffectRetained)).Inc()
			return Outcome{Effect: EffectRetained, Alert: holder}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Outcome{}, fmt.Errorf("load dedup holder %s: %w", key, err)
		}

		created, err := m.store.Create(ctx, m.newAlert(req))
		if err == nil {
			metrics.AlertOutcomesTotal.WithLabelValues(string(EffectOpened)).Inc()
			m.logger.Info("alert opened",
				"alert_id", created.ID,
				"trigger_id", req.Trigger.ID,
				"cell_id", req.CellID,
				"severity", string(created.Severity),
			)
			return Outcome{Effect: EffectOpened, Alert: created}, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Outcome{}, fmt.Errorf("create alert %s: %w", key, err)
		}
	}
	return Outcome{}, fmt.Errorf("open alert %s: %w", key, ErrConflict)
}

func (m *Manager) newAlert(req FireRequest) domain.Alert {
	now := m.clock.Now()
	triggerID := req.Trigger.ID
	return domain.Alert{
		ID:             m.newID(),
		TriggerID:      &triggerID,
		TriggerName:    req.Trigger.Name,
		OrganizationID: req.Trigger.OrganizationID,
		SiteID:         req.SiteID,
		CompoundID:     req.CompoundID,
		CellID:         req.CellID,
		Labels:         req.Labels,
		Severity:       req.Trigger.Severity,
		Description:    req.Trigger.Description,
		Metric:         req.Metric,
		Value:          req.Value,
		Status:         domain.StatusOpen,
		StartedAt:      now,
		UpdatedBy:      SystemActor,
		UpdatedAt:      now,
		DedupHeld:      true,
		DedupTrigger:   triggerID,
	}
}

// AutoClear releases the dedup slot after a false evaluation.
// Params: trigger and cell of the evaluated pair.
// Returns: resolved outcome for non-terminal holders, released for operator-closed ones, none when free.
func (m *Manager) AutoClear(ctx context.Context, triggerID, cellID string) (Outcome, error) {
	key := domain.DedupKey{TriggerID: triggerID, CellID: cellID}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		holder, err := m.store.Holder(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return Outcome{Effect: EffectNone}, nil
		}
		if errors.Is(err, ErrHoldPending) {
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("load dedup holder %s: %w", key, err)
		}

		now := m.clock.Now()
		next := holder.Clone()
		next.DedupHeld = false
		effect := EffectReleased
		if holder.Status.Active() {
			next.Status = domain.StatusResolved
			next.ResolvedAt = &now
			next.UpdatedBy = SystemActor
			next.UpdatedAt = now
			effect = EffectResolved
		}

		updated, err := m.store.Update(ctx, next)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("auto-clear alert %s: %w", holder.ID, err)
		}
		metrics.AlertOutcomesTotal.WithLabelValues(string(effect)).Inc()
		if effect == EffectResolved {
			m.logger.Info("alert auto-resolved", "alert_id", updated.ID, "trigger_id", triggerID, "cell_id", cellID)
		} else {
			m.logger.Debug("dedup slot released", "alert_id", updated.ID, "trigger_id", triggerID, "cell_id", cellID, "status", string(updated.Status))
		}
		return Outcome{Effect: effect, Alert: updated}, nil
	}
	return Outcome{}, fmt.Errorf("auto-clear %s: %w", key, ErrConflict)
}

// Transition applies an operator status change validated against the lifecycle table.
// Params: alert id, requested status and acting user.
// Returns: updated alert, *domain.TransitionError, ErrNotFound or ErrDedupHeld.
func (m *Manager) Transition(ctx context.Context, id string, to domain.Status, actorID string) (domain.Alert, error) {
	return m.transition(ctx, id, to, actorID, nil)
}

// Acknowledge moves alert to ACKNOWLEDGED and assigns it to the actor when unassigned.
// The assignee label comes from WithActorName on ctx.
func (m *Manager) Acknowledge(ctx context.Context, id, actorID string) (domain.Alert, error) {
	return m.transition(ctx, id, domain.StatusAcknowledged, actorID, func(alert *domain.Alert) {
		if alert.AssigneeID == "" {
			alert.AssigneeID = actorID
			alert.Labels.AssigneeName = ActorName(ctx)
		}
	})
}

func (m *Manager) transition(ctx context.Context, id string, to domain.Status, actorID string, mutate func(*domain.Alert)) (domain.Alert, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return domain.Alert{}, err
		}
		if err := domain.ValidateTransition(current.Status, to); err != nil {
			metrics.AlertTransitionsTotal.WithLabelValues(string(to), "rejected").Inc()
			return domain.Alert{}, err
		}

		now := m.clock.Now()
		next := current.Clone()
		next.Status = to
		next.UpdatedBy = actorID
		next.UpdatedAt = now
		switch to {
		case domain.StatusResolved:
			next.ResolvedAt = &now
		case domain.StatusOpen:
			next.ResolvedAt = nil
			if !current.DedupHeld {
				holder, err := m.store.Holder(ctx, current.Key())
				if errors.Is(err, ErrHoldPending) || (err == nil && holder.ID != current.ID) {
					metrics.AlertTransitionsTotal.WithLabelValues(string(to), "rejected").Inc()
					return domain.Alert{}, fmt.Errorf("reopen alert %s: %w (holder %s)", id, ErrDedupHeld, holder.ID)
				}
				if err != nil && !errors.Is(err, ErrNotFound) {
					return domain.Alert{}, fmt.Errorf("load dedup holder %s: %w", current.Key(), err)
				}
				next.DedupHeld = true
			}
		}
		if mutate != nil {
			mutate(&next)
		}

		updated, err := m.store.Update(ctx, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return domain.Alert{}, fmt.Errorf("update alert %s: %w", id, err)
		}
		metrics.AlertTransitionsTotal.WithLabelValues(string(to), "ok").Inc()
		m.logger.Info("alert status changed",
			"alert_id", id,
			"from", string(current.Status),
			"to", string(to),
			"actor", actorID,
		)
		return updated, nil
	}
	return domain.Alert{}, fmt.Errorf("transition alert %s: %w", id, ErrConflict)
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, id string) (domain.Alert, error) {
	return m.store.Get(ctx, id)
}

// List returns alerts matching filter ordered by StartedAt desc.
func (m *Manager) List(ctx context.Context, filter Filter) ([]domain.Alert, error) {
	return m.store.List(ctx, filter)
}

// DetachTrigger keeps history of a deleted trigger: nulls TriggerID and releases held slots.
// Params: deleted trigger id.
// Returns: number of detached alerts.
func (m *Manager) DetachTrigger(ctx context.Context, triggerID string) (int, error) {
	items, err := m.store.List(ctx, Filter{TriggerID: triggerID})
	if err != nil {
		return 0, fmt.Errorf("list alerts of trigger %s: %w", triggerID, err)
	}
	detached := 0
	for _, item := range items {
		if err := m.detach(ctx, item.ID); err != nil {
			return detached, err
		}
		detached++
	}
	if detached > 0 {
		m.logger.Info("alerts detached from deleted trigger", "trigger_id", triggerID, "count", detached)
	}
	return detached, nil
}

func (m *Manager) detach(ctx context.Context, id string) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.TriggerID == nil && !current.DedupHeld {
			return nil
		}
		next := current.Clone()
		next.TriggerID = nil
		next.DedupHeld = false
		next.UpdatedAt = m.clock.Now()
		if _, err := m.store.Update(ctx, next); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return fmt.Errorf("detach alert %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("detach alert %s: %w", id, ErrConflict)
}
