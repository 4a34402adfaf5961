package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grainwatch/internal/alerts"
	"grainwatch/internal/clock"
	"grainwatch/internal/domain"
	"grainwatch/internal/notify"
	"grainwatch/internal/readings"
	"grainwatch/internal/topology"
)

var testNow = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

type staticCatalog struct {
	triggers []domain.Trigger
}

func (c staticCatalog) Active() []domain.Trigger { return c.triggers }

func (c staticCatalog) ForMetric(metric domain.Metric) []domain.Trigger {
	var out []domain.Trigger
	for _, trigger := range c.triggers {
		if trigger.ReferencesMetric(metric) {
			out = append(out, trigger)
		}
	}
	return out
}

type captureNotifier struct {
	mu      sync.Mutex
	firings []notify.Firing
}

func (n *captureNotifier) Dispatch(_ context.Context, firing notify.Firing) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.firings = append(n.firings, firing)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.firings)
}

// panicLifecycle panics for one trigger and delegates the rest.
type panicLifecycle struct {
	Lifecycle
	triggerID string
}

func (l panicLifecycle) OpenOrRetain(ctx context.Context, req alerts.FireRequest) (alerts.Outcome, error) {
	if req.Trigger.ID == l.triggerID {
		panic("lifecycle exploded")
	}
	return l.Lifecycle.OpenOrRetain(ctx, req)
}

type harness struct {
	engine   *Engine
	manager  *alerts.Manager
	readings *readings.MemoryStore
	notifier *captureNotifier
	clock    *clock.Manual
}

func testTree(t *testing.T) *topology.Tree {
	t.Helper()
	tree, err := topology.NewTree(
		[]topology.Organization{{ID: "org-1", Name: "Acme Grain"}},
		[]topology.Site{{ID: "site-1", OrganizationID: "org-1", Name: "North"}},
		[]topology.Compound{{ID: "cmp-1", SiteID: "site-1", Name: "Yard A"}},
		[]topology.Cell{
			{ID: "c1", CompoundID: "cmp-1", Name: "Cell 1", CommodityType: "WHEAT", Sensors: []string{"s1"}},
			{ID: "c2", CompoundID: "cmp-1", Name: "Cell 2", CommodityType: "CORN", Sensors: []string{"s2"}},
		},
	)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	return tree
}

func newHarness(t *testing.T, triggers []domain.Trigger, wrap func(Lifecycle) Lifecycle) *harness {
	t.Helper()
	clk := clock.NewManual(testNow)
	store := readings.NewMemoryStore()
	manager := alerts.NewManager(alerts.NewMemoryStore(), clk, nil)
	notifier := &captureNotifier{}
	var lifecycle Lifecycle = manager
	if wrap != nil {
		lifecycle = wrap(lifecycle)
	}
	engine := New(Deps{
		Readings:  store,
		Catalog:   staticCatalog{triggers: triggers},
		Scope:     topology.NewResolver(testTree(t)),
		Lifecycle: lifecycle,
		Notifier:  notifier,
		Clock:     clk,
	})
	return &harness{engine: engine, manager: manager, readings: store, notifier: notifier, clock: clk}
}

func threshold(t *testing.T, metric domain.Metric, op domain.Operator, value float64) domain.Condition {
	t.Helper()
	cond, err := domain.NewThresholdCondition(metric, op, value, nil)
	if err != nil {
		t.Fatalf("threshold condition: %v", err)
	}
	return cond
}

func change(t *testing.T, metric domain.Metric, direction domain.ChangeDirection, amount, hours float64) domain.Condition {
	t.Helper()
	cond, err := domain.NewChangeCondition(metric, direction, amount, hours)
	if err != nil {
		t.Fatalf("change condition: %v", err)
	}
	return cond
}

func cellTrigger(id string, logic domain.Logic, conds ...domain.Condition) domain.Trigger {
	return domain.Trigger{
		ID:             id,
		Name:           "trigger " + id,
		OrganizationID: "org-1",
		ScopeType:      domain.ScopeCell,
		ScopeID:        "c1",
		Logic:          logic,
		Conditions:     conds,
		Actions:        []domain.Action{{Type: domain.ActionEmail, Template: domain.Template{Body: map[string]string{"en": "{cell_name} {value}"}}}},
		Severity:       domain.SeverityCritical,
		IsActive:       true,
	}
}

func reading(cellID string, metric domain.Metric, value float64, at time.Time) domain.Reading {
	return domain.Reading{SensorID: "s-" + cellID, CellID: cellID, Metric: metric, Value: value, RecordedAt: at}
}

func (h *harness) alertsFor(t *testing.T, triggerID string) []domain.Alert {
	t.Helper()
	list, err := h.manager.List(context.Background(), alerts.Filter{TriggerID: triggerID})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	return list
}

func TestThresholdReadingOpensAlertWithTriggerSeverity(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	h := newHarness(t, []domain.Trigger{trigger}, nil)

	if err := h.engine.ProcessReading(context.Background(), reading("c1", domain.MetricTemperature, 31, testNow)); err != nil {
		t.Fatalf("process reading: %v", err)
	}

	list := h.alertsFor(t, "t1")
	if len(list) != 1 {
		t.Fatalf("expected one alert, got %d", len(list))
	}
	alert := list[0]
	if alert.Status != domain.StatusOpen || alert.Severity != domain.SeverityCritical || alert.CellID != "c1" {
		t.Fatalf("unexpected alert: %+v", alert)
	}
	if alert.Metric != domain.MetricTemperature || alert.Value != 31 {
		t.Fatalf("unexpected firing value: %+v", alert)
	}
	if alert.Labels.CellName != "Cell 1" || alert.Labels.SiteName != "North" || alert.SiteID != "site-1" || alert.CompoundID != "cmp-1" {
		t.Fatalf("unexpected labels: %+v", alert)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", h.notifier.count())
	}
}

func TestSecondTrueReadingRetainsWithoutNotifying(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	h := newHarness(t, []domain.Trigger{trigger}, nil)
	ctx := context.Background()

	_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 31, testNow.Add(-time.Minute)))
	_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 33, testNow))

	if got := len(h.alertsFor(t, "t1")); got != 1 {
		t.Fatalf("expected one alert, got %d", got)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected one notification, got %d", h.notifier.count())
	}
}

func TestReadingOutsideScopeIsIgnored(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	h := newHarness(t, []domain.Trigger{trigger}, nil)

	_ = h.engine.ProcessReading(context.Background(), reading("c2", domain.MetricTemperature, 40, testNow))
	if got := len(h.alertsFor(t, "t1")); got != 0 {
		t.Fatalf("expected no alert for foreign cell, got %d", got)
	}
}

func TestLogicCombination(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		logic    domain.Logic
		humidity float64
		want     bool
	}{
		{name: "and both true", logic: domain.LogicAnd, humidity: 80, want: true},
		{name: "and one false", logic: domain.LogicAnd, humidity: 60, want: false},
		{name: "or one true", logic: domain.LogicOr, humidity: 60, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trigger := cellTrigger("t1", tt.logic,
				threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30),
				threshold(t, domain.MetricHumidity, domain.OperatorAbove, 70),
			)
			h := newHarness(t, []domain.Trigger{trigger}, nil)
			ctx := context.Background()
			_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricHumidity, tt.humidity, testNow.Add(-time.Minute)))
			_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 31, testNow))

			got := len(h.alertsFor(t, "t1")) == 1
			if got != tt.want {
				t.Fatalf("fired=%v want %v", got, tt.want)
			}
		})
	}
}

func TestOrLogicWithMissingMetricStillFires(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicOr,
		threshold(t, domain.MetricEMC, domain.OperatorAbove, 14),
		threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30),
	)
	h := newHarness(t, []domain.Trigger{trigger}, nil)
	_ = h.engine.ProcessReading(context.Background(), reading("c1", domain.MetricTemperature, 35, testNow))

	list := h.alertsFor(t, "t1")
	if len(list) != 1 || list[0].Metric != domain.MetricTemperature || list[0].Value != 35 {
		t.Fatalf("expected temperature-fired alert, got %+v", list)
	}
}

func TestChangeConditionOverWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		latest float64
		want   bool
	}{
		{name: "rise of exactly amount fires", latest: 32, want: true},
		{name: "rise below amount does not fire", latest: 31.9, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			trigger := cellTrigger("t1", domain.LogicAnd, change(t, domain.MetricTemperature, domain.DirectionIncrease, 5, 48))
			h := newHarness(t, []domain.Trigger{trigger}, nil)
			ctx := context.Background()

			_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 27, testNow.Add(-48*time.Hour)))
			_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, tt.latest, testNow))

			got := len(h.alertsFor(t, "t1")) == 1
			if got != tt.want {
				t.Fatalf("fired=%v want %v", got, tt.want)
			}
		})
	}
}

func TestChangeWithoutHistoryDoesNotFire(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicAnd, change(t, domain.MetricTemperature, domain.DirectionAny, 1, 24))
	h := newHarness(t, []domain.Trigger{trigger}, nil)
	ctx := context.Background()

	_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 20, testNow.Add(-2*time.Hour)))
	_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 40, testNow))
	if got := len(h.alertsFor(t, "t1")); got != 0 {
		t.Fatalf("expected no alert without a reading one window back, got %d", got)
	}
}

func TestFalseEvaluationAutoResolves(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	h := newHarness(t, []domain.Trigger{trigger}, nil)
	ctx := context.Background()

	_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 31, testNow.Add(-time.Hour)))
	_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 25, testNow))

	list := h.alertsFor(t, "t1")
	if len(list) != 1 {
		t.Fatalf("expected one alert, got %d", len(list))
	}
	if list[0].Status != domain.StatusResolved || list[0].ResolvedAt == nil || list[0].DedupHeld {
		t.Fatalf("expected auto-resolved alert releasing its slot, got %+v", list[0])
	}

	h.clock.Advance(time.Hour)
	_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 32, h.clock.Now()))
	if got := len(h.alertsFor(t, "t1")); got != 2 {
		t.Fatalf("expected a fresh alert after resolution, got %d", got)
	}
	if h.notifier.count() != 2 {
		t.Fatalf("expected two notifications, got %d", h.notifier.count())
	}
}

func TestDismissedAlertIsNotAutoResolved(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	h := newHarness(t, []domain.Trigger{trigger}, nil)
	ctx := context.Background()

	_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 31, testNow.Add(-time.Hour)))
	opened := h.alertsFor(t, "t1")[0]
	if _, err := h.manager.Transition(ctx, opened.ID, domain.StatusDismissed, "operator-1"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	_ = h.engine.ProcessReading(ctx, reading("c1", domain.MetricTemperature, 25, testNow))
	got, err := h.manager.Get(ctx, opened.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusDismissed || got.ResolvedAt != nil {
		t.Fatalf("dismissed alert must keep its status, got %+v", got)
	}
}

func TestDuplicateReadingSkipsEvaluation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	trigger := cellTrigger("t1", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	h := newHarness(t, []domain.Trigger{trigger}, func(inner Lifecycle) Lifecycle {
		return countingLifecycle{Lifecycle: inner, calls: &calls}
	})
	ctx := context.Background()

	sample := reading("c1", domain.MetricTemperature, 31, testNow)
	_ = h.engine.ProcessReading(ctx, sample)
	_ = h.engine.ProcessReading(ctx, sample)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one lifecycle call, got %d", got)
	}
}

type countingLifecycle struct {
	Lifecycle
	calls *atomic.Int32
}

func (l countingLifecycle) OpenOrRetain(ctx context.Context, req alerts.FireRequest) (alerts.Outcome, error) {
	l.calls.Add(1)
	return l.Lifecycle.OpenOrRetain(ctx, req)
}

func (l countingLifecycle) AutoClear(ctx context.Context, triggerID, cellID string) (alerts.Outcome, error) {
	l.calls.Add(1)
	return l.Lifecycle.AutoClear(ctx, triggerID, cellID)
}

func TestFailingTriggerDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	boom := cellTrigger("boom", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	broken := cellTrigger("broken", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	broken.Logic = "XOR"
	healthy := cellTrigger("healthy", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	h := newHarness(t, []domain.Trigger{boom, broken, healthy}, func(inner Lifecycle) Lifecycle {
		return panicLifecycle{Lifecycle: inner, triggerID: "boom"}
	})

	if err := h.engine.ProcessReading(context.Background(), reading("c1", domain.MetricTemperature, 31, testNow)); err != nil {
		t.Fatalf("per-trigger failures must not surface: %v", err)
	}
	if got := len(h.alertsFor(t, "healthy")); got != 1 {
		t.Fatalf("expected healthy trigger to fire, got %d alerts", got)
	}
	if got := len(h.alertsFor(t, "broken")); got != 0 {
		t.Fatalf("expected invalid trigger to be skipped, got %d alerts", got)
	}
}

func TestInvalidReadingIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	err := h.engine.ProcessReading(context.Background(), domain.Reading{CellID: "c1", Metric: domain.MetricTemperature, Value: 1, RecordedAt: testNow})
	if err == nil {
		t.Fatalf("expected record error for reading without sensor")
	}
}

func TestSweepEvaluatesEveryResolvedPair(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	trigger.ScopeType = domain.ScopeCompound
	trigger.ScopeID = "cmp-1"
	h := newHarness(t, []domain.Trigger{trigger}, nil)
	ctx := context.Background()

	for _, sample := range []domain.Reading{
		reading("c1", domain.MetricTemperature, 35, testNow),
		reading("c2", domain.MetricTemperature, 36, testNow),
	} {
		if _, err := h.readings.Record(ctx, sample); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	pool := NewPool(2, 4, nil)
	pool.Start(ctx)
	defer pool.Stop()
	h.engine.pool = pool

	pairs, err := h.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if pairs != 2 {
		t.Fatalf("expected 2 pairs, got %d", pairs)
	}
	if got := len(h.alertsFor(t, "t1")); got != 2 {
		t.Fatalf("expected alerts for both cells, got %d", got)
	}
}

func TestSweepStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	h := newHarness(t, []domain.Trigger{trigger}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.engine.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPushReadingsThroughPool(t *testing.T) {
	t.Parallel()

	trigger := cellTrigger("t1", domain.LogicAnd, threshold(t, domain.MetricTemperature, domain.OperatorAbove, 30))
	h := newHarness(t, []domain.Trigger{trigger}, nil)
	pool := NewPool(1, 8, nil)
	pool.Start(context.Background())
	h.engine.pool = pool

	batch := []domain.Reading{
		reading("c1", domain.MetricTemperature, 31, testNow.Add(-time.Minute)),
		reading("c1", domain.MetricHumidity, 50, testNow),
	}
	if err := h.engine.PushReadings(context.Background(), "http", batch); err != nil {
		t.Fatalf("push: %v", err)
	}
	pool.Stop()

	if got := len(h.alertsFor(t, "t1")); got != 1 {
		t.Fatalf("expected one alert after pool drain, got %d", got)
	}
}

func TestPoolRejectsAfterStopAndRecoversPanics(t *testing.T) {
	t.Parallel()

	pool := NewPool(1, 2, nil)
	pool.Start(context.Background())

	var ran atomic.Int32
	if err := pool.Submit(context.Background(), func(context.Context) { panic("job exploded") }); err != nil {
		t.Fatalf("submit panicking job: %v", err)
	}
	if err := pool.Submit(context.Background(), func(context.Context) { ran.Add(1) }); err != nil {
		t.Fatalf("submit job: %v", err)
	}
	pool.Stop()

	if ran.Load() != 1 {
		t.Fatalf("expected job after panic to run, got %d", ran.Load())
	}
	if err := pool.Submit(context.Background(), func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
