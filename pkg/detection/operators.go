package detection

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// evalOperator applies operator to (actual, expected) and reports the
// boolean result plus an error only for a malformed rule (e.g. regex that
// doesn't compile) — never for a missing/absent actual value, which is
// handled by the "exists" operator and by every comparison operator treating
// absence as a non-match.
func evalOperator(operator string, actual interface{}, actualPresent bool, expected interface{}) (bool, error) {
	switch operator {
	case "exists":
		return actualPresent, nil
	case "eq":
		return actualPresent && deepEqual(actual, expected), nil
	case "neq":
		return !actualPresent || !deepEqual(actual, expected), nil
	case "in":
		return actualPresent && containsValue(expected, actual), nil
	case "notIn":
		return !actualPresent || !containsValue(expected, actual), nil
	case "gt", "ge", "lt", "le":
		if !actualPresent {
			return false, nil
		}
		return numericCompare(operator, actual, expected)
	case "regex":
		if !actualPresent {
			return false, nil
		}
		pattern, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("detection: regex operator requires a string expected value, got %T", expected)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("detection: invalid regex %q: %w", pattern, err)
		}
		s, ok := actual.(string)
		if !ok {
			return false, nil
		}
		return re.MatchString(s), nil
	case "startsWith":
		if !actualPresent {
			return false, nil
		}
		s, sOK := actual.(string)
		prefix, pOK := expected.(string)
		return sOK && pOK && strings.HasPrefix(s, prefix), nil
	case "endsWith":
		if !actualPresent {
			return false, nil
		}
		s, sOK := actual.(string)
		suffix, pOK := expected.(string)
		return sOK && pOK && strings.HasSuffix(s, suffix), nil
	default:
		return false, fmt.Errorf("detection: unknown operator %q", operator)
	}
}

func deepEqual(a, b interface{}) bool {
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(collection, value interface{}) bool {
	slice, ok := collection.([]interface{})
	if !ok {
		// Also accept []string for rule files that decode cleanly to that shape.
		if strs, ok := collection.([]string); ok {
			for _, s := range strs {
				if deepEqual(s, value) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range slice {
		if deepEqual(item, value) {
			return true
		}
	}
	return false
}

func numericCompare(operator string, a, b interface{}) (bool, error) {
	af, aOK := asFloat(a)
	bf, bOK := asFloat(b)
	if !aOK || !bOK {
		return false, nil
	}
	switch operator {
	case "gt":
		return af > bf, nil
	case "ge":
		return af >= bf, nil
	case "lt":
		return af < bf, nil
	case "le":
		return af <= bf, nil
	}
	return false, fmt.Errorf("detection: %q is not a numeric operator", operator)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
