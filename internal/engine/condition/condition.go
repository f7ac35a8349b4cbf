// Package condition evaluates entity.ConditionGroup trees against a
// ticket's form values (spec §3 "Condition / ConditionGroup", §4.2
// "Successor selection"). Kept separate from the entity package per the
// design note in entity.ConditionGroup's doc comment: conditions are a
// small recursive value type, evaluation is a pure function over it.
package condition

import (
	"fmt"
	"strings"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

// Eval evaluates a ConditionGroup against form values. A nil group is
// vacuously true (an unconditional transition).
func Eval(group *entity.ConditionGroup, values map[string]interface{}) (bool, error) {
	if group == nil {
		return true, nil
	}
	if len(group.Conditions) == 0 {
		return true, nil
	}
	switch group.Logic {
	case entity.LogicOr:
		for _, c := range group.Conditions {
			ok, err := evalOne(c, values)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case entity.LogicAnd, "":
		for _, c := range group.Conditions {
			ok, err := evalOne(c, values)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("condition: unknown logic %q", group.Logic)
	}
}

func evalOne(c entity.Condition, values map[string]interface{}) (bool, error) {
	actual, present := values[c.Field]

	switch c.Operator {
	case entity.OpIsEmpty:
		return !present || isEmptyValue(actual), nil
	case entity.OpIsNotEmpty:
		return present && !isEmptyValue(actual), nil
	}

	if !present {
		// Absent fields fail every comparison operator except the
		// emptiness checks handled above.
		return false, nil
	}

	switch c.Operator {
	case entity.OpEquals:
		return compareEqual(actual, c.Value), nil
	case entity.OpNotEquals:
		return !compareEqual(actual, c.Value), nil
	case entity.OpGreaterThan:
		return compareNumeric(actual, c.Value, func(a, b float64) bool { return a > b })
	case entity.OpLessThan:
		return compareNumeric(actual, c.Value, func(a, b float64) bool { return a < b })
	case entity.OpGreaterThanOrEquals:
		return compareNumeric(actual, c.Value, func(a, b float64) bool { return a >= b })
	case entity.OpLessThanOrEquals:
		return compareNumeric(actual, c.Value, func(a, b float64) bool { return a <= b })
	case entity.OpContains:
		return containsValue(actual, c.Value), nil
	case entity.OpNotContains:
		return !containsValue(actual, c.Value), nil
	case entity.OpIn:
		return inSet(actual, c.Value), nil
	case entity.OpNotIn:
		return !inSet(actual, c.Value), nil
	default:
		return false, fmt.Errorf("condition: unknown operator %q", c.Operator)
	}
}

func isEmptyValue(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []interface{}:
		return len(x) == 0
	case []string:
		return len(x) == 0
	default:
		return false
	}
}

func compareEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(a, b interface{}, cmp func(a, b float64) bool) (bool, error) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false, fmt.Errorf("condition: non-numeric comparison between %v and %v", a, b)
	}
	return cmp(af, bf), nil
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func containsValue(actual, needle interface{}) bool {
	switch x := actual.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(x, s)
	case []interface{}:
		for _, item := range x {
			if compareEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range x {
			if item == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func inSet(actual, set interface{}) bool {
	items, ok := set.([]interface{})
	if !ok {
		if strs, ok := set.([]string); ok {
			for _, s := range strs {
				if compareEqual(actual, s) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if compareEqual(actual, item) {
			return true
		}
	}
	return false
}
