// Package rules holds the comparison operators shared by lifecycle policies
// and automation rule conditions.
package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
)

type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorGreaterThan Operator = "gt"
	OperatorGreaterOrEq Operator = "gte"
	OperatorLessThan    Operator = "lt"
	OperatorLessOrEq    Operator = "lte"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorIn          Operator = "in"
	OperatorNotIn       Operator = "not_in"
	OperatorMatches     Operator = "matches"
	OperatorNotMatches  Operator = "not_matches"
	OperatorBetween     Operator = "between"
	OperatorOutside     Operator = "outside"
	OperatorExists      Operator = "exists"
)

var knownOperators = map[Operator]bool{
	OperatorEquals: true, OperatorNotEquals: true,
	OperatorGreaterThan: true, OperatorGreaterOrEq: true,
	OperatorLessThan: true, OperatorLessOrEq: true,
	OperatorContains: true, OperatorNotContains: true,
	OperatorIn: true, OperatorNotIn: true,
	OperatorMatches: true, OperatorNotMatches: true,
	OperatorBetween: true, OperatorOutside: true,
	OperatorExists: true,
}

func ValidateOperator(op Operator) error {
	if !knownOperators[op] {
		return errors.NewValidationError(fmt.Sprintf("unknown operator: %s", op), nil)
	}
	return nil
}

// Compare evaluates `actual op expected`. A nil actual means the field is absent:
// only exists, not_equals, not_contains and not_in can be true for it.
func Compare(actual interface{}, op Operator, expected interface{}) (bool, error) {
	switch op {
	case OperatorExists:
		return actual != nil, nil
	case OperatorEquals:
		return actual != nil && equal(actual, expected), nil
	case OperatorNotEquals:
		return actual == nil || !equal(actual, expected), nil
	case OperatorGreaterThan, OperatorGreaterOrEq, OperatorLessThan, OperatorLessOrEq:
		if actual == nil {
			return false, nil
		}
		return compareOrdered(actual, op, expected)
	case OperatorContains:
		return actual != nil && contains(actual, expected), nil
	case OperatorNotContains:
		return actual == nil || !contains(actual, expected), nil
	case OperatorIn:
		return actual != nil && contains(expected, actual), nil
	case OperatorNotIn:
		return actual == nil || !contains(expected, actual), nil
	case OperatorMatches, OperatorNotMatches:
		if actual == nil {
			return op == OperatorNotMatches, nil
		}
		re, err := compilePattern(toString(expected))
		if err != nil {
			return false, err
		}
		matched := re.MatchString(toString(actual))
		if op == OperatorNotMatches {
			return !matched, nil
		}
		return matched, nil
	case OperatorBetween, OperatorOutside:
		if actual == nil {
			return false, nil
		}
		low, high, err := bounds(expected)
		if err != nil {
			return false, err
		}
		value, ok := ToFloat(actual)
		if !ok {
			return false, errors.NewValidationError(fmt.Sprintf("value %v is not numeric", actual), nil)
		}
		inside := value >= low && value <= high
		if op == OperatorOutside {
			return !inside, nil
		}
		return inside, nil
	}
	return false, errors.NewValidationError(fmt.Sprintf("unknown operator: %s", op), nil)
}

// ToFloat converts numeric values and numeric strings
func ToFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func equal(a, b interface{}) bool {
	if af, ok := ToFloat(a); ok {
		if bf, ok := ToFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return toString(a) == toString(b)
}

func compareOrdered(actual interface{}, op Operator, expected interface{}) (bool, error) {
	a, aok := ToFloat(actual)
	e, eok := ToFloat(expected)
	if !aok || !eok {
		// Fall back to lexical ordering for strings such as timestamps or versions
		as, es := toString(actual), toString(expected)
		switch op {
		case OperatorGreaterThan:
			return as > es, nil
		case OperatorGreaterOrEq:
			return as >= es, nil
		case OperatorLessThan:
			return as < es, nil
		default:
			return as <= es, nil
		}
	}
	switch op {
	case OperatorGreaterThan:
		return a > e, nil
	case OperatorGreaterOrEq:
		return a >= e, nil
	case OperatorLessThan:
		return a < e, nil
	default:
		return a <= e, nil
	}
}

// contains reports whether container holds item. Strings use substring match,
// slices and arrays use element equality, maps use key presence.
func contains(container, item interface{}) bool {
	if container == nil {
		return false
	}
	if s, ok := container.(string); ok {
		return strings.Contains(s, toString(item))
	}
	v := reflect.ValueOf(container)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if equal(v.Index(i).Interface(), item) {
				return true
			}
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if equal(key.Interface(), item) {
				return true
			}
		}
	}
	return false
}

func bounds(expected interface{}) (float64, float64, error) {
	v := reflect.ValueOf(expected)
	if expected == nil || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) || v.Len() != 2 {
		return 0, 0, errors.NewValidationError("range operators require a two element list", nil)
	}
	low, lok := ToFloat(v.Index(0).Interface())
	high, hok := ToFloat(v.Index(1).Interface())
	if !lok || !hok {
		return 0, 0, errors.NewValidationError("range bounds must be numeric", nil)
	}
	if low > high {
		low, high = high, low
	}
	return low, high, nil
}

var (
	patternCache = map[string]*regexp.Regexp{}
	patternMutex sync.Mutex
)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMutex.Lock()
	defer patternMutex.Unlock()

	if re, ok := patternCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.NewValidationError("invalid pattern", err).WithContext("pattern", pattern)
	}
	patternCache[pattern] = re
	return re, nil
}
