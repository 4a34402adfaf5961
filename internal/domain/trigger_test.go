package domain

import (
	"errors"
	"testing"
)

func validTrigger() Trigger {
	return Trigger{
		ID:             "t1",
		Name:           "hot cell",
		OrganizationID: "org1",
		ScopeType:      ScopeCell,
		ScopeID:        "c1",
		Logic:          LogicAnd,
		Conditions: []Condition{
			ThresholdCondition{On: MetricTemperature, Operator: OperatorAbove, Value: 30},
			ChangeCondition{On: MetricHumidity, Direction: DirectionAny, Amount: 2, WindowHours: 12},
			ChangeCondition{On: MetricHumidity, Direction: DirectionIncrease, Amount: 2, WindowHours: 36},
		},
		Actions:  []Action{{Type: ActionEmail, Template: Template{Body: map[string]string{"en": "{cell_name} is hot"}}}},
		Severity: SeverityHigh,
		IsActive: true,
	}
}

func TestTriggerValidate(t *testing.T) {
	t.Parallel()

	if err := validTrigger().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]func(*Trigger){
		"missing id":          func(tr *Trigger) { tr.ID = "" },
		"all with scope id":   func(tr *Trigger) { tr.ScopeType = ScopeAll },
		"site without id":     func(tr *Trigger) { tr.ScopeType = ScopeSite; tr.ScopeID = "" },
		"bad logic":           func(tr *Trigger) { tr.Logic = "XOR" },
		"bad severity":        func(tr *Trigger) { tr.Severity = "URGENT" },
		"no conditions":       func(tr *Trigger) { tr.Conditions = nil },
		"no actions":          func(tr *Trigger) { tr.Actions = nil },
		"empty body":          func(tr *Trigger) { tr.Actions[0].Template.Body = map[string]string{"en": " "} },
		"relative webhook":    func(tr *Trigger) { tr.Actions = []Action{{Type: ActionWebhook, WebhookURL: "/hook"}} },
		"bad condition":       func(tr *Trigger) { tr.Conditions = []Condition{ThresholdCondition{On: MetricEMC, Operator: OperatorBetween, Value: 3}} },
		"unknown action type": func(tr *Trigger) { tr.Actions = []Action{{Type: "FAX"}} },
	}
	for name, mutate := range cases {
		trigger := validTrigger()
		mutate(&trigger)
		err := trigger.Validate()
		if !errors.Is(err, ErrInvalidTrigger) {
			t.Fatalf("%s: expected ErrInvalidTrigger, got %v", name, err)
		}
	}
}

func TestTriggerMetrics(t *testing.T) {
	t.Parallel()

	trigger := validTrigger()
	metrics := trigger.Metrics()
	if len(metrics) != 2 || metrics[0] != MetricHumidity || metrics[1] != MetricTemperature {
		t.Fatalf("unexpected metrics %v", metrics)
	}
	if !trigger.ReferencesMetric(MetricTemperature) || trigger.ReferencesMetric(MetricEMC) {
		t.Fatalf("unexpected ReferencesMetric result")
	}
	windows := trigger.MaxChangeWindowHours()
	if windows[MetricHumidity] != 36 || len(windows) != 1 {
		t.Fatalf("unexpected windows %v", windows)
	}
}

func TestTriggerEqual(t *testing.T) {
	t.Parallel()

	left := validTrigger()
	right := validTrigger()
	if !left.Equal(right) {
		t.Fatalf("expected equal triggers")
	}
	right.Actions[0].Template.Body = map[string]string{"en": "changed"}
	if left.Equal(right) {
		t.Fatalf("expected action change to differ")
	}
	right = validTrigger()
	right.Conditions[0] = ThresholdCondition{On: MetricTemperature, Operator: OperatorAbove, Value: 31}
	if left.Equal(right) {
		t.Fatalf("expected condition change to differ")
	}
}
