package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Metric identifies one evaluable sensor quantity.
type Metric string

const (
	// MetricTemperature is grain temperature in degrees Celsius.
	MetricTemperature Metric = "TEMPERATURE"
	// MetricHumidity is relative humidity in percent.
	MetricHumidity Metric = "HUMIDITY"
	// MetricEMC is equilibrium moisture content in percent.
	MetricEMC Metric = "EMC"
)

// Valid reports whether metric is one of the supported quantities.
func (m Metric) Valid() bool {
	switch m {
	case MetricTemperature, MetricHumidity, MetricEMC:
		return true
	default:
		return false
	}
}

// Unit returns display unit for metric value rendering.
// Params: metric constant.
// Returns: unit suffix or empty string for unknown metric.
func (m Metric) Unit() string {
	switch m {
	case MetricTemperature:
		return "°C"
	case MetricHumidity, MetricEMC:
		return "%"
	default:
		return ""
	}
}

// ConditionType discriminates Condition variants.
type ConditionType string

const (
	// ConditionThreshold compares latest value against a fixed bound.
	ConditionThreshold ConditionType = "THRESHOLD"
	// ConditionChange compares latest value against value one window ago.
	ConditionChange ConditionType = "CHANGE"
)

// Operator is a THRESHOLD comparison operator.
type Operator string

const (
	OperatorAbove   Operator = "ABOVE"
	OperatorBelow   Operator = "BELOW"
	OperatorEquals  Operator = "EQUALS"
	OperatorBetween Operator = "BETWEEN"
)

// ChangeDirection is a CHANGE delta direction.
type ChangeDirection string

const (
	DirectionIncrease ChangeDirection = "INCREASE"
	DirectionDecrease ChangeDirection = "DECREASE"
	DirectionAny      ChangeDirection = "ANY"
)

// ErrInvalidCondition marks malformed condition definitions.
var ErrInvalidCondition = errors.New("invalid condition")

// Condition is one testable predicate over one metric.
// Params: implemented by ThresholdCondition and ChangeCondition only.
// Returns: variant kind, metric, and construction-time validation.
type Condition interface {
	Kind() ConditionType
	Metric() Metric
	Validate() error
	isCondition()
}

// ThresholdCondition compares latest reading with Value (and SecondaryValue for BETWEEN).
type ThresholdCondition struct {
	On             Metric
	Operator       Operator
	Value          float64
	SecondaryValue *float64
}

// NewThresholdCondition builds validated THRESHOLD condition.
// Params: metric, operator, bound, and optional upper bound (BETWEEN only).
// Returns: condition or ErrInvalidCondition-wrapped error.
func NewThresholdCondition(metric Metric, op Operator, value float64, secondary *float64) (ThresholdCondition, error) {
	cond := ThresholdCondition{On: metric, Operator: op, Value: value, SecondaryValue: secondary}
	if err := cond.Validate(); err != nil {
		return ThresholdCondition{}, err
	}
	return cond, nil
}

func (ThresholdCondition) isCondition() {}

// Kind returns THRESHOLD.
func (ThresholdCondition) Kind() ConditionType { return ConditionThreshold }

// Metric returns compared metric.
func (c ThresholdCondition) Metric() Metric { return c.On }

// Validate checks operator and BETWEEN bounds.
func (c ThresholdCondition) Validate() error {
	if !c.On.Valid() {
		return fmt.Errorf("%w: unsupported metric %q", ErrInvalidCondition, c.On)
	}
	if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
		return fmt.Errorf("%w: value must be finite", ErrInvalidCondition)
	}
	switch c.Operator {
	case OperatorAbove, OperatorBelow, OperatorEquals:
		if c.SecondaryValue != nil {
			return fmt.Errorf("%w: secondaryValue is only allowed for BETWEEN", ErrInvalidCondition)
		}
	case OperatorBetween:
		if c.SecondaryValue == nil {
			return fmt.Errorf("%w: BETWEEN requires secondaryValue", ErrInvalidCondition)
		}
		if !(*c.SecondaryValue > c.Value) {
			return fmt.Errorf("%w: BETWEEN requires secondaryValue > value", ErrInvalidCondition)
		}
	default:
		return fmt.Errorf("%w: unsupported operator %q", ErrInvalidCondition, c.Operator)
	}
	return nil
}

// ChangeCondition compares latest reading with the reading one window earlier.
type ChangeCondition struct {
	On          Metric
	Direction   ChangeDirection
	Amount      float64
	WindowHours float64
}

// NewChangeCondition builds validated CHANGE condition.
// Params: metric, direction, non-negative magnitude, and positive window in hours.
// Returns: condition or ErrInvalidCondition-wrapped error.
func NewChangeCondition(metric Metric, direction ChangeDirection, amount, windowHours float64) (ChangeCondition, error) {
	cond := ChangeCondition{On: metric, Direction: direction, Amount: amount, WindowHours: windowHours}
	if err := cond.Validate(); err != nil {
		return ChangeCondition{}, err
	}
	return cond, nil
}

func (ChangeCondition) isCondition() {}

// Kind returns CHANGE.
func (ChangeCondition) Kind() ConditionType { return ConditionChange }

// Metric returns compared metric.
func (c ChangeCondition) Metric() Metric { return c.On }

// Validate checks direction, amount, and window.
func (c ChangeCondition) Validate() error {
	if !c.On.Valid() {
		return fmt.Errorf("%w: unsupported metric %q", ErrInvalidCondition, c.On)
	}
	switch c.Direction {
	case DirectionIncrease, DirectionDecrease, DirectionAny:
	default:
		return fmt.Errorf("%w: unsupported changeDirection %q", ErrInvalidCondition, c.Direction)
	}
	if math.IsNaN(c.Amount) || c.Amount < 0 {
		return fmt.Errorf("%w: changeAmount must be >=0", ErrInvalidCondition)
	}
	if math.IsNaN(c.WindowHours) || c.WindowHours <= 0 {
		return fmt.Errorf("%w: timeWindowHours must be >0", ErrInvalidCondition)
	}
	return nil
}

// Window returns look-back duration of the condition.
func (c ChangeCondition) Window() time.Duration {
	return time.Duration(c.WindowHours * float64(time.Hour))
}

// ConditionSpec is the stored JSON shape of one condition discriminated by type.
// Params: union of THRESHOLD and CHANGE fields.
// Returns: wire model converted through ToCondition.
type ConditionSpec struct {
	Type            ConditionType   `json:"type" toml:"type"`
	Metric          Metric          `json:"metric" toml:"metric"`
	Operator        Operator        `json:"operator,omitempty" toml:"operator"`
	Value           *float64        `json:"value,omitempty" toml:"value"`
	SecondaryValue  *float64        `json:"secondaryValue,omitempty" toml:"secondary_value"`
	ChangeDirection ChangeDirection `json:"changeDirection,omitempty" toml:"change_direction"`
	ChangeAmount    *float64        `json:"changeAmount,omitempty" toml:"change_amount"`
	TimeWindowHours *float64        `json:"timeWindowHours,omitempty" toml:"time_window_hours"`
}

// ToCondition converts wire spec into typed condition with cross-variant field checks.
// Params: decoded condition spec.
// Returns: typed condition or validation error.
func (s ConditionSpec) ToCondition() (Condition, error) {
	metric := Metric(strings.ToUpper(strings.TrimSpace(string(s.Metric))))
	switch ConditionType(strings.ToUpper(strings.TrimSpace(string(s.Type)))) {
	case ConditionThreshold:
		if s.ChangeDirection != "" || s.ChangeAmount != nil || s.TimeWindowHours != nil {
			return nil, fmt.Errorf("%w: THRESHOLD must not carry change fields", ErrInvalidCondition)
		}
		if s.Value == nil {
			return nil, fmt.Errorf("%w: THRESHOLD requires value", ErrInvalidCondition)
		}
		op := Operator(strings.ToUpper(strings.TrimSpace(string(s.Operator))))
		return NewThresholdCondition(metric, op, *s.Value, s.SecondaryValue)
	case ConditionChange:
		if s.Operator != "" || s.Value != nil || s.SecondaryValue != nil {
			return nil, fmt.Errorf("%w: CHANGE must not carry threshold fields", ErrInvalidCondition)
		}
		if s.ChangeAmount == nil || s.TimeWindowHours == nil {
			return nil, fmt.Errorf("%w: CHANGE requires changeDirection, changeAmount and timeWindowHours", ErrInvalidCondition)
		}
		direction := ChangeDirection(strings.ToUpper(strings.TrimSpace(string(s.ChangeDirection))))
		return NewChangeCondition(metric, direction, *s.ChangeAmount, *s.TimeWindowHours)
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidCondition, s.Type)
	}
}

// SpecOf converts typed condition back into its wire spec.
func SpecOf(cond Condition) ConditionSpec {
	switch typed := cond.(type) {
	case ThresholdCondition:
		value := typed.Value
		return ConditionSpec{
			Type:           ConditionThreshold,
			Metric:         typed.On,
			Operator:       typed.Operator,
			Value:          &value,
			SecondaryValue: typed.SecondaryValue,
		}
	case ChangeCondition:
		amount := typed.Amount
		window := typed.WindowHours
		return ConditionSpec{
			Type:            ConditionChange,
			Metric:          typed.On,
			ChangeDirection: typed.Direction,
			ChangeAmount:    &amount,
			TimeWindowHours: &window,
		}
	default:
		return ConditionSpec{}
	}
}

// DecodeConditions decodes JSON condition array into typed conditions.
// Params: raw JSON array as stored by trigger management.
// Returns: typed conditions or first decode/validation error.
func DecodeConditions(raw []byte) ([]Condition, error) {
	var specs []ConditionSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	out := make([]Condition, 0, len(specs))
	for i, spec := range specs {
		cond, err := spec.ToCondition()
		if err != nil {
			return nil, fmt.Errorf("condition[%d]: %w", i, err)
		}
		out = append(out, cond)
	}
	return out, nil
}

// EncodeConditions encodes typed conditions into stored JSON form.
func EncodeConditions(conds []Condition) ([]byte, error) {
	specs := make([]ConditionSpec, 0, len(conds))
	for _, cond := range conds {
		specs = append(specs, SpecOf(cond))
	}
	return json.Marshal(specs)
}
