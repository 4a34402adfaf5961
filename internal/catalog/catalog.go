package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"grainwatch/internal/domain"
	"grainwatch/internal/metrics"
)

// Invalidator drops cached scope resolution of one trigger.
type Invalidator interface {
	InvalidateTrigger(triggerID string)
}

// Diff lists trigger ids touched by one refresh.
type Diff struct {
	Added   []string
	Changed []string
	Removed []string
}

// Empty reports whether refresh changed nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

type snapshot struct {
	known    map[string]domain.Trigger
	active   []domain.Trigger
	byID     map[string]domain.Trigger
	byMetric map[domain.Metric][]domain.Trigger
}

func emptySnapshot() *snapshot {
	return &snapshot{
		known:    map[string]domain.Trigger{},
		byID:     map[string]domain.Trigger{},
		byMetric: map[domain.Metric][]domain.Trigger{},
	}
}

// Catalog holds an immutable snapshot of active, valid triggers.
// Params: trigger source, scope cache invalidator, and optional deletion hook.
// Returns: lock-free reads for evaluation workers; refreshes are serialized.
type Catalog struct {
	source      Source
	invalidator Invalidator
	onDeleted   func(ctx context.Context, triggerID string)
	logger      *slog.Logger

	refreshMu sync.Mutex
	current   atomic.Pointer[snapshot]
}

// Option customizes Catalog.
type Option func(*Catalog)

// WithDeletionHook registers callback invoked for triggers that disappeared from the source.
func WithDeletionHook(hook func(ctx context.Context, triggerID string)) Option {
	return func(c *Catalog) {
		c.onDeleted = hook
	}
}

// New creates catalog with empty snapshot; call Refresh to load.
func New(source Source, invalidator Invalidator, logger *slog.Logger, opts ...Option) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{source: source, invalidator: invalidator, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(emptySnapshot())
	return c
}

// Refresh reloads source and swaps snapshot.
// Params: ctx bounds source load.
// Returns: ids added/changed/removed since previous snapshot or load error (old snapshot kept).
func (c *Catalog) Refresh(ctx context.Context) (Diff, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	items, err := c.source.LoadTriggers(ctx)
	if err != nil {
		metrics.CatalogRefreshErrors.WithLabelValues("catalog").Inc()
		return Diff{}, fmt.Errorf("refresh catalog: %w", err)
	}

	next := emptySnapshot()
	for _, trigger := range items {
		if trigger.ID == "" {
			continue
		}
		next.known[trigger.ID] = trigger
		if !trigger.IsActive {
			continue
		}
		if err := trigger.Validate(); err != nil {
			c.logger.Warn("trigger skipped due validation error", "trigger_id", trigger.ID, "error", err.Error())
			continue
		}
		next.active = append(next.active, trigger)
		next.byID[trigger.ID] = trigger
		for _, metric := range trigger.Metrics() {
			next.byMetric[metric] = append(next.byMetric[metric], trigger)
		}
	}
	sort.Slice(next.active, func(i, j int) bool { return next.active[i].ID < next.active[j].ID })

	prev := c.current.Load()
	diff := diffSnapshots(prev, next)
	for _, id := range append(append(append([]string(nil), diff.Added...), diff.Changed...), diff.Removed...) {
		if c.invalidator != nil {
			c.invalidator.InvalidateTrigger(id)
		}
	}
	c.current.Store(next)
	metrics.ActiveTriggers.Set(float64(len(next.active)))

	if !diff.Empty() {
		c.logger.Info("trigger catalog updated",
			"active", len(next.active),
			"added", len(diff.Added),
			"changed", len(diff.Changed),
			"removed", len(diff.Removed),
		)
	}
	if c.onDeleted != nil {
		for _, id := range diff.Removed {
			c.onDeleted(ctx, id)
		}
	}
	return diff, nil
}

func diffSnapshots(prev, next *snapshot) Diff {
	var diff Diff
	for id, trigger := range next.known {
		old, ok := prev.known[id]
		switch {
		case !ok:
			diff.Added = append(diff.Added, id)
		case !old.Equal(trigger):
			diff.Changed = append(diff.Changed, id)
		}
	}
	for id := range prev.known {
		if _, ok := next.known[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Changed)
	sort.Strings(diff.Removed)
	return diff
}

// Active returns active valid triggers ordered by id.
func (c *Catalog) Active() []domain.Trigger {
	return c.current.Load().active
}

// ForMetric returns active triggers with at least one condition on metric.
func (c *Catalog) ForMetric(metric domain.Metric) []domain.Trigger {
	return c.current.Load().byMetric[metric]
}

// ByID returns active trigger by id.
func (c *Catalog) ByID(id string) (domain.Trigger, bool) {
	trigger, ok := c.current.Load().byID[id]
	return trigger, ok
}
