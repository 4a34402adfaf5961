// Package engine evaluates active triggers against incoming readings and drives the alert lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"grainwatch/internal/alerts"
	"grainwatch/internal/clock"
	"grainwatch/internal/domain"
	"grainwatch/internal/evaluator"
	"grainwatch/internal/metrics"
	"grainwatch/internal/notify"
	"grainwatch/internal/readings"
	"grainwatch/internal/topology"
)

// Catalog exposes the active trigger snapshot.
type Catalog interface {
	Active() []domain.Trigger
	ForMetric(metric domain.Metric) []domain.Trigger
}

// Scope resolves trigger scopes into cells.
type Scope interface {
	Resolve(trigger domain.Trigger) map[string]struct{}
	Covers(trigger domain.Trigger, cellID string) bool
	Tree() *topology.Tree
}

// Lifecycle is the alert lifecycle boundary.
type Lifecycle interface {
	OpenOrRetain(ctx context.Context, req alerts.FireRequest) (alerts.Outcome, error)
	AutoClear(ctx context.Context, triggerID, cellID string) (alerts.Outcome, error)
}

// Notifier receives newly opened alerts.
type Notifier interface {
	Dispatch(ctx context.Context, firing notify.Firing) error
}

// Engine records readings and evaluates (trigger, cell) pairs.
// Params: reading window store, trigger catalog, scope resolver, lifecycle manager, notifier, clock and logger.
// Returns: stateless evaluator safe for concurrent ProcessReading calls.
type Engine struct {
	readings  readings.Store
	catalog   Catalog
	scope     Scope
	lifecycle Lifecycle
	notifier  Notifier
	clock     clock.Clock
	logger    *slog.Logger
	pool      *Pool
}

// Deps groups engine collaborators.
type Deps struct {
	Readings  readings.Store
	Catalog   Catalog
	Scope     Scope
	Lifecycle Lifecycle
	Notifier  Notifier
	Clock     clock.Clock
	Logger    *slog.Logger
	Pool      *Pool
}

// New creates trigger engine.
// Params: collaborators; nil Clock/Logger fall back to real clock and default logger, nil Pool evaluates inline.
// Returns: engine instance.
func New(deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{
		readings:  deps.Readings,
		catalog:   deps.Catalog,
		scope:     deps.Scope,
		lifecycle: deps.Lifecycle,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		logger:    deps.Logger,
		pool:      deps.Pool,
	}
}

// PushReadings implements the ingestion sink.
// Params: readings of one ingested batch and source label for metrics.
// Returns: store errors; per-trigger failures are logged, not returned.
func (e *Engine) PushReadings(ctx context.Context, source string, batch []domain.Reading) error {
	metrics.IngestBatchSize.Observe(float64(len(batch)))
	if e.pool == nil {
		return e.ProcessBatch(ctx, source, batch)
	}
	for _, reading := range batch {
		reading := reading
		if err := e.pool.Submit(ctx, func(ctx context.Context) {
			if err := e.processReading(ctx, source, reading); err != nil {
				e.logger.Error("reading processing failed", "sensor_id", reading.SensorID, "cell_id", reading.CellID, "error", err.Error())
			}
		}); err != nil {
			return fmt.Errorf("submit reading: %w", err)
		}
	}
	return nil
}

// ProcessBatch records and evaluates readings in order.
// Params: batch of readings from one source.
// Returns: joined record errors.
func (e *Engine) ProcessBatch(ctx context.Context, source string, batch []domain.Reading) error {
	var errs []error
	for _, reading := range batch {
		if err := e.processReading(ctx, source, reading); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProcessReading records reading and evaluates every covering active trigger declaring its metric.
// Params: validated reading.
// Returns: record error; duplicates are skipped silently.
func (e *Engine) ProcessReading(ctx context.Context, reading domain.Reading) error {
	return e.processReading(ctx, "direct", reading)
}

func (e *Engine) processReading(ctx context.Context, source string, reading domain.Reading) error {
	started := time.Now()
	recorded, err := e.readings.Record(ctx, reading)
	if err != nil {
		metrics.ReadingsTotal.WithLabelValues(source, "rejected").Inc()
		return fmt.Errorf("record reading: %w", err)
	}
	if !recorded {
		metrics.ReadingsTotal.WithLabelValues(source, "duplicate").Inc()
		return nil
	}
	metrics.ReadingsTotal.WithLabelValues(source, "recorded").Inc()

	for _, trigger := range e.catalog.ForMetric(reading.Metric) {
		if !e.scope.Covers(trigger, reading.CellID) {
			continue
		}
		e.evaluateSafely(ctx, trigger, reading.CellID)
	}
	metrics.EvaluationDuration.Observe(time.Since(started).Seconds())
	return nil
}

// evaluateSafely isolates one trigger: errors and panics are logged and counted.
func (e *Engine) evaluateSafely(ctx context.Context, trigger domain.Trigger, cellID string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			metrics.TriggerEvaluationErrors.Inc()
			e.logger.Error("trigger evaluation panicked",
				"trigger_id", trigger.ID,
				"cell_id", cellID,
				"panic", fmt.Sprint(recovered),
			)
		}
	}()
	if _, err := e.EvaluatePair(ctx, trigger, cellID); err != nil {
		metrics.TriggerEvaluationErrors.Inc()
		e.logger.Warn("trigger skipped due evaluation error", "trigger_id", trigger.ID, "cell_id", cellID, "error", err.Error())
	}
}

// EvaluatePair evaluates all conditions of trigger for cell and applies open-or-retain or auto-clear.
// Params: active trigger and a cell inside its scope.
// Returns: lifecycle outcome or evaluation/lifecycle error.
func (e *Engine) EvaluatePair(ctx context.Context, trigger domain.Trigger, cellID string) (alerts.Outcome, error) {
	if err := trigger.Validate(); err != nil {
		return alerts.Outcome{}, err
	}
	now := e.clock.Now()
	latest := make(map[domain.Metric]*domain.Reading, 3)
	results := make([]bool, len(trigger.Conditions))
	var firing *domain.Reading

	for i, cond := range trigger.Conditions {
		metric := cond.Metric()
		current, ok := latest[metric]
		if !ok {
			reading, err := e.readings.Latest(ctx, cellID, metric)
			if err != nil {
				return alerts.Outcome{}, fmt.Errorf("latest %s: %w", metric, err)
			}
			latest[metric] = reading
			current = reading
		}
		var historical *domain.Reading
		if change, isChange := cond.(domain.ChangeCondition); isChange && current != nil {
			reading, err := e.readings.AsOf(ctx, cellID, metric, now.Add(-change.Window()))
			if err != nil {
				return alerts.Outcome{}, fmt.Errorf("history %s: %w", metric, err)
			}
			historical = reading
		}
		results[i] = evaluator.Evaluate(cond, current, historical)
		if results[i] && firing == nil {
			firing = current
		}
	}

	if !evaluator.Combine(trigger.Logic, results) {
		metrics.TriggerEvaluationsTotal.WithLabelValues("clear").Inc()
		return e.lifecycle.AutoClear(ctx, trigger.ID, cellID)
	}
	metrics.TriggerEvaluationsTotal.WithLabelValues("fire").Inc()

	req := alerts.FireRequest{Trigger: trigger, CellID: cellID}
	if firing != nil {
		req.Metric = firing.Metric
		req.Value = firing.Value
	}
	if path, ok := e.scope.Tree().Path(cellID); ok {
		req.SiteID = path.Site.ID
		req.CompoundID = path.Compound.ID
		req.Labels = path.Labels()
	}
	outcome, err := e.lifecycle.OpenOrRetain(ctx, req)
	if err != nil {
		return alerts.Outcome{}, err
	}
	if outcome.Opened() && e.notifier != nil {
		if err := e.notifier.Dispatch(ctx, notify.Firing{Alert: outcome.Alert, Trigger: trigger}); err != nil {
			e.logger.Error("notification dispatch failed", "alert_id", outcome.Alert.ID, "trigger_id", trigger.ID, "error", err.Error())
		}
	}
	return outcome, nil
}

// Sweep evaluates every (active trigger, resolved cell) pair.
// Params: ctx cancels remaining pairs.
// Returns: number of evaluated pairs or ctx/submit error.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	var wg sync.WaitGroup
	pairs := 0
	for _, trigger := range e.catalog.Active() {
		for _, cellID := range sortedCells(e.scope.Resolve(trigger)) {
			if err := ctx.Err(); err != nil {
				wg.Wait()
				return pairs, err
			}
			trigger, cellID := trigger, cellID
			pairs++
			if e.pool == nil {
				e.evaluateSafely(ctx, trigger, cellID)
				continue
			}
			wg.Add(1)
			err := e.pool.Submit(ctx, func(ctx context.Context) {
				defer wg.Done()
				e.evaluateSafely(ctx, trigger, cellID)
			})
			if err != nil {
				wg.Done()
				wg.Wait()
				return pairs - 1, fmt.Errorf("submit sweep pair: %w", err)
			}
		}
	}
	wg.Wait()
	metrics.SweepsTotal.Inc()
	return pairs, nil
}

func sortedCells(set map[string]struct{}) []string {
	cells := make([]string, 0, len(set))
	for id := range set {
		cells = append(cells, id)
	}
	sort.Strings(cells)
	return cells
}
