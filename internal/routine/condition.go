package routine

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// evaluateCondition tests cond against memory using one of the seven
// operators in spec.md §4.6 step 1.
func evaluateCondition(cond *models.Condition, memory models.WorkingMemory) (bool, error) {
	value, exists := memory.Get(cond.Key)

	switch cond.Operator {
	case models.CondExists:
		return exists, nil
	case models.CondNotExists:
		return !exists, nil
	case models.CondTruthy:
		return exists && isTruthy(value), nil
	case models.CondEquals:
		return exists && equalValues(value, cond.Value), nil
	case models.CondContains:
		return exists && containsValue(value, cond.Value), nil
	case models.CondGreaterThan:
		a, okA := asFloat(value)
		b, okB := asFloat(cond.Value)
		return exists && okA && okB && a > b, nil
	case models.CondLessThan:
		a, okA := asFloat(value)
		b, okB := asFloat(cond.Value)
		return exists && okA && okB && a < b, nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", cond.Operator)
	}
}

func isTruthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	default:
		return true
	}
}

func equalValues(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, item := range h {
			if equalValues(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
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
