package catalog

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"grainwatch/internal/config"
	"grainwatch/internal/domain"
)

func triggerConfig(id string, active bool, value float64) config.TriggerConfig {
	return config.TriggerConfig{
		ID:        id,
		Name:      "trigger " + id,
		ScopeType: "cell",
		ScopeID:   "c1",
		Logic:     "and",
		Severity:  "high",
		Active:    active,
		Conditions: []domain.ConditionSpec{{
			Type:     domain.ConditionThreshold,
			Metric:   domain.MetricTemperature,
			Operator: domain.OperatorAbove,
			Value:    &value,
		}},
		Actions: []domain.Action{{
			Type:     domain.ActionEmail,
			Template: domain.Template{Body: map[string]string{"en": "hot {cell_name}"}},
		}},
	}
}

type fakeSource struct {
	mu    sync.Mutex
	items []domain.Trigger
	err   error
}

func (s *fakeSource) set(items []domain.Trigger, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
	s.err = err
}

func (s *fakeSource) LoadTriggers(context.Context) ([]domain.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items, s.err
}

type recordingInvalidator struct {
	ids []string
}

func (r *recordingInvalidator) InvalidateTrigger(id string) {
	r.ids = append(r.ids, id)
}

func mustTrigger(t *testing.T, cfg config.TriggerConfig) domain.Trigger {
	t.Helper()
	trigger, err := cfg.ToTrigger()
	if err != nil {
		t.Fatalf("to trigger: %v", err)
	}
	return trigger
}

func TestRefreshDiffInvalidatesAndDetaches(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	invalidator := &recordingInvalidator{}
	var deleted []string
	catalog := New(source, invalidator, nil, WithDeletionHook(func(_ context.Context, id string) {
		deleted = append(deleted, id)
	}))
	ctx := context.Background()

	source.set([]domain.Trigger{
		mustTrigger(t, triggerConfig("a", true, 30)),
		mustTrigger(t, triggerConfig("b", true, 30)),
		mustTrigger(t, triggerConfig("c", false, 30)),
	}, nil)
	diff, err := catalog.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(diff.Added) != 3 || len(catalog.Active()) != 2 {
		t.Fatalf("unexpected first refresh: diff=%+v active=%d", diff, len(catalog.Active()))
	}
	if _, ok := catalog.ByID("c"); ok {
		t.Fatalf("inactive trigger must not be active")
	}
	if got := catalog.ForMetric(domain.MetricTemperature); len(got) != 2 {
		t.Fatalf("expected 2 temperature triggers, got %d", len(got))
	}
	if got := catalog.ForMetric(domain.MetricEMC); len(got) != 0 {
		t.Fatalf("expected no EMC triggers, got %d", len(got))
	}

	invalidator.ids = nil
	source.set([]domain.Trigger{
		mustTrigger(t, triggerConfig("a", true, 35)),
		mustTrigger(t, triggerConfig("c", false, 30)),
	}, nil)
	diff, err = catalog.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(diff.Changed) != 1 || diff.Changed[0] != "a" || len(diff.Removed) != 1 || diff.Removed[0] != "b" || len(diff.Added) != 0 {
		t.Fatalf("unexpected diff: %+v", diff)
	}
	if len(invalidator.ids) != 2 {
		t.Fatalf("expected invalidation of a and b, got %v", invalidator.ids)
	}
	if len(deleted) != 1 || deleted[0] != "b" {
		t.Fatalf("deleted hook must run for removed trigger only, got %v", deleted)
	}

	diff, err = catalog.Refresh(ctx)
	if err != nil || !diff.Empty() {
		t.Fatalf("unchanged refresh must yield empty diff: %+v err=%v", diff, err)
	}
}

func TestRefreshDeactivationKeepsTriggerKnown(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	var deleted []string
	catalog := New(source, nil, nil, WithDeletionHook(func(_ context.Context, id string) {
		deleted = append(deleted, id)
	}))
	source.set([]domain.Trigger{mustTrigger(t, triggerConfig("a", true, 30))}, nil)
	if _, err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	source.set([]domain.Trigger{mustTrigger(t, triggerConfig("a", false, 30))}, nil)
	diff, err := catalog.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(diff.Changed) != 1 || len(catalog.Active()) != 0 || len(deleted) != 0 {
		t.Fatalf("deactivation is a change, not a deletion: diff=%+v deleted=%v", diff, deleted)
	}
}

func TestRefreshSkipsInvalidAndKeepsSnapshotOnError(t *testing.T) {
	t.Parallel()

	source := &fakeSource{}
	catalog := New(source, nil, nil)
	broken := domain.Trigger{ID: "broken", IsActive: true}
	source.set([]domain.Trigger{broken, mustTrigger(t, triggerConfig("ok", true, 30))}, nil)
	if _, err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(catalog.Active()) != 1 || catalog.Active()[0].ID != "ok" {
		t.Fatalf("invalid trigger must be skipped: %+v", catalog.Active())
	}

	source.set(nil, errors.New("db down"))
	if _, err := catalog.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if len(catalog.Active()) != 1 {
		t.Fatalf("failed refresh must keep previous snapshot")
	}
}

func TestStaticSourceReportsInvalidTriggersWithoutConditions(t *testing.T) {
	t.Parallel()

	bad := triggerConfig("bad", true, 30)
	bad.Severity = "urgent"
	source := NewStaticSource([]config.TriggerConfig{triggerConfig("good", true, 30), bad})
	items, err := source.LoadTriggers(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 2 || items[0].Severity != domain.SeverityHigh || items[1].ID != "bad" || items[1].Conditions != nil {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestPostgresSourceDecodesJSONB(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	columns := []string{"id", "name", "organization_id", "scope_type", "scope_id", "condition_logic", "conditions", "actions", "severity", "is_active", "description"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM triggers ORDER BY id")).WillReturnRows(
		sqlmock.NewRows(columns).
			AddRow("t1", "Hot", "org-1", "cell", "c1", "or",
				[]byte(`[{"type":"THRESHOLD","metric":"TEMPERATURE","operator":"ABOVE","value":30},{"type":"CHANGE","metric":"HUMIDITY","changeDirection":"INCREASE","changeAmount":5,"timeWindowHours":24}]`),
				[]byte(`[{"type":"webhook","webhookUrl":"https://hooks.example.com/x"}]`),
				"critical", true, "").
			AddRow("t2", "Broken", "org-1", "CELL", "c1", "AND",
				[]byte(`[{"type":"THRESHOLD","metric":"TEMPERATURE","operator":"BETWEEN","value":30}]`),
				[]byte(`[]`), "LOW", true, ""),
	)

	items, err := NewPostgresSource(db, nil).LoadTriggers(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(items))
	}
	first := items[0]
	if err := first.Validate(); err != nil {
		t.Fatalf("first trigger must be valid: %v", err)
	}
	if first.Logic != domain.LogicOr || first.Severity != domain.SeverityCritical || first.Actions[0].Type != domain.ActionWebhook {
		t.Fatalf("unexpected normalization: %+v", first)
	}
	if change, ok := first.Conditions[1].(domain.ChangeCondition); !ok || change.WindowHours != 24 {
		t.Fatalf("unexpected change condition: %#v", first.Conditions[1])
	}
	if items[1].Conditions != nil {
		t.Fatalf("malformed conditions must yield no conditions")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWatcherCoalescesNotifications(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		calls   int
		release = make(chan struct{})
		started = make(chan struct{}, 8)
	)
	onTrigger := func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}
	watcher := NewWatcher(onTrigger, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	watcher.Notify(Change{Kind: ChangeTrigger, ID: "a"})
	<-started
	for i := 0; i < 5; i++ {
		watcher.Notify(Change{Kind: ChangeTrigger, ID: "b"})
	}
	watcher.Notify(Change{Kind: "unknown"})
	release <- struct{}{}
	<-started
	release <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := calls
		mu.Unlock()
		if got == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 coalesced refreshes, got %d", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestDecodeChange(t *testing.T) {
	t.Parallel()

	change, err := DecodeChange([]byte(`{"kind":"Topology","id":"site-1"}`))
	if err != nil || change.Kind != ChangeTopology || change.ID != "site-1" {
		t.Fatalf("unexpected change: %+v err=%v", change, err)
	}
	if _, err := DecodeChange([]byte(`{"kind":"user"}`)); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
	if _, err := DecodeChange([]byte(`not json`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
