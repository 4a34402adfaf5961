// Package evaluator decides whether trigger conditions hold for one cell.
package evaluator

import (
	"math"

	"grainwatch/internal/domain"
)

// Evaluate tests one condition against latest and historical readings.
// Params: condition, latest reading for the metric, and reading one window earlier (CHANGE only).
// Returns: true when the condition holds; missing data always yields false.
func Evaluate(cond domain.Condition, latest, historical *domain.Reading) bool {
	if cond == nil || latest == nil {
		return false
	}
	switch typed := cond.(type) {
	case domain.ThresholdCondition:
		return evaluateThreshold(typed, latest.Value)
	case domain.ChangeCondition:
		if historical == nil {
			return false
		}
		return evaluateChange(typed, latest.Value-historical.Value)
	default:
		return false
	}
}

func evaluateThreshold(cond domain.ThresholdCondition, value float64) bool {
	switch cond.Operator {
	case domain.OperatorAbove:
		return value > cond.Value
	case domain.OperatorBelow:
		return value < cond.Value
	case domain.OperatorEquals:
		return value == cond.Value
	case domain.OperatorBetween:
		if cond.SecondaryValue == nil {
			return false
		}
		return value >= cond.Value && value <= *cond.SecondaryValue
	default:
		return false
	}
}

func evaluateChange(cond domain.ChangeCondition, delta float64) bool {
	switch cond.Direction {
	case domain.DirectionIncrease:
		return delta >= cond.Amount
	case domain.DirectionDecrease:
		return -delta >= cond.Amount
	case domain.DirectionAny:
		return math.Abs(delta) >= cond.Amount
	default:
		return false
	}
}

// Combine folds per-condition results with trigger logic.
// Params: AND/OR logic and ordered results.
// Returns: AND => all true (and non-empty); OR => at least one true.
func Combine(logic domain.Logic, results []bool) bool {
	if len(results) == 0 {
		return false
	}
	switch logic {
	case domain.LogicAnd:
		for _, result := range results {
			if !result {
				return false
			}
		}
		return true
	case domain.LogicOr:
		for _, result := range results {
			if result {
				return true
			}
		}
		return false
	default:
		return false
	}
}
