package evaluator

import (
	"testing"
	"time"

	"grainwatch/internal/domain"
)

func reading(value float64) *domain.Reading {
	return &domain.Reading{SensorID: "s1", CellID: "c1", Metric: domain.MetricTemperature, Value: value, RecordedAt: time.Unix(0, 0)}
}

func TestThresholdAboveIsStrict(t *testing.T) {
	t.Parallel()

	cond := domain.ThresholdCondition{On: domain.MetricTemperature, Operator: domain.OperatorAbove, Value: 30}
	cases := map[float64]bool{29.9: false, 30.0: false, 30.1: true}
	for value, want := range cases {
		if got := Evaluate(cond, reading(value), nil); got != want {
			t.Fatalf("value %.1f: expected %v, got %v", value, want, got)
		}
	}
}

func TestThresholdBelowAndEquals(t *testing.T) {
	t.Parallel()

	below := domain.ThresholdCondition{On: domain.MetricTemperature, Operator: domain.OperatorBelow, Value: 5}
	if Evaluate(below, reading(5), nil) || !Evaluate(below, reading(4.99), nil) {
		t.Fatalf("unexpected BELOW result")
	}
	equals := domain.ThresholdCondition{On: domain.MetricTemperature, Operator: domain.OperatorEquals, Value: 0.3}
	if !Evaluate(equals, reading(0.3), nil) {
		t.Fatalf("expected exact equality to match")
	}
	a, b := 0.1, 0.2
	if Evaluate(equals, reading(a+b), nil) {
		t.Fatalf("expected EQUALS without tolerance to reject 0.1+0.2")
	}
}

func TestThresholdBetweenIsInclusive(t *testing.T) {
	t.Parallel()

	upper := 40.0
	cond := domain.ThresholdCondition{On: domain.MetricTemperature, Operator: domain.OperatorBetween, Value: 20, SecondaryValue: &upper}
	cases := map[float64]bool{19.9: false, 20: true, 30: true, 40: true, 40.1: false}
	for value, want := range cases {
		if got := Evaluate(cond, reading(value), nil); got != want {
			t.Fatalf("value %.1f: expected %v, got %v", value, want, got)
		}
	}
}

func TestChangeConditions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		direction domain.ChangeDirection
		past      float64
		now       float64
		want      bool
	}{
		{name: "increase exact", direction: domain.DirectionIncrease, past: 27, now: 32, want: true},
		{name: "increase short", direction: domain.DirectionIncrease, past: 27, now: 31.9, want: false},
		{name: "increase ignores drop", direction: domain.DirectionIncrease, past: 32, now: 27, want: false},
		{name: "decrease", direction: domain.DirectionDecrease, past: 32, now: 27, want: true},
		{name: "decrease ignores rise", direction: domain.DirectionDecrease, past: 27, now: 32, want: false},
		{name: "any rise", direction: domain.DirectionAny, past: 27, now: 32, want: true},
		{name: "any drop", direction: domain.DirectionAny, past: 32, now: 27, want: true},
		{name: "any small", direction: domain.DirectionAny, past: 30, now: 31, want: false},
	}
	for _, tc := range cases {
		cond := domain.ChangeCondition{On: domain.MetricTemperature, Direction: tc.direction, Amount: 5, WindowHours: 48}
		if got := Evaluate(cond, reading(tc.now), reading(tc.past)); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestMissingDataEvaluatesFalse(t *testing.T) {
	t.Parallel()

	change := domain.ChangeCondition{On: domain.MetricTemperature, Direction: domain.DirectionAny, Amount: 0, WindowHours: 1}
	if Evaluate(change, reading(10), nil) {
		t.Fatalf("expected missing historical to be false")
	}
	if Evaluate(change, nil, reading(10)) {
		t.Fatalf("expected missing latest to be false")
	}
	threshold := domain.ThresholdCondition{On: domain.MetricTemperature, Operator: domain.OperatorBelow, Value: 100}
	if Evaluate(threshold, nil, nil) {
		t.Fatalf("expected missing latest threshold to be false")
	}
}

func TestCombine(t *testing.T) {
	t.Parallel()

	if !Combine(domain.LogicAnd, []bool{true, true}) || Combine(domain.LogicAnd, []bool{true, false}) {
		t.Fatalf("unexpected AND result")
	}
	if !Combine(domain.LogicOr, []bool{false, true}) || Combine(domain.LogicOr, []bool{false, false}) {
		t.Fatalf("unexpected OR result")
	}
	if Combine(domain.LogicAnd, nil) || Combine(domain.LogicOr, nil) {
		t.Fatalf("expected empty results to be false")
	}
}
