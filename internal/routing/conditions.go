package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var regexCache sync.Map // pattern -> *regexp.Regexp

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// evaluate applies conditions with the given logic, short-circuiting. An empty
// list always passes. trace receives one entry per condition actually evaluated.
func evaluate(call Call, conds []Condition, logic Logic, now time.Time, trace func(Condition, bool)) bool {
	if len(conds) == 0 {
		return true
	}
	or := logic == LogicOr
	for _, c := range conds {
		ok := evalCondition(call, c, now)
		if trace != nil {
			trace(c, ok)
		}
		if or && ok {
			return true
		}
		if !or && !ok {
			return false
		}
	}
	return !or
}

func evalCondition(call Call, c Condition, now time.Time) bool {
	actual, present := call.field(c.Field, now)
	switch c.Operator {
	case OpEquals:
		return present && strings.EqualFold(actual, c.Value)
	case OpNotEquals:
		return !present || !strings.EqualFold(actual, c.Value)
	case OpContains:
		return present && strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value))
	case OpNotContains:
		return !present || !strings.Contains(strings.ToLower(actual), strings.ToLower(c.Value))
	case OpStartsWith:
		return present && strings.HasPrefix(actual, c.Value)
	case OpEndsWith:
		return present && strings.HasSuffix(actual, c.Value)
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		if !present {
			return false
		}
		a, err1 := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		b, err2 := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err1 != nil || err2 != nil {
			return false
		}
		switch c.Operator {
		case OpGreater:
			return a > b
		case OpGreaterEq:
			return a >= b
		case OpLess:
			return a < b
		default:
			return a <= b
		}
	case OpIn:
		return present && inSet(actual, c.set())
	case OpNotIn:
		return !present || !inSet(actual, c.set())
	case OpRegex:
		if !present {
			return false
		}
		re, err := compileRegex(c.Value)
		return err == nil && re.MatchString(actual)
	default:
		return false
	}
}

func (c Condition) set() []string {
	if len(c.Values) > 0 {
		return c.Values
	}
	if c.Value == "" {
		return nil
	}
	parts := strings.Split(c.Value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func inSet(v string, set []string) bool {
	for _, s := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func validateCondition(c Condition) error {
	if c.Field == "" {
		return fmt.Errorf("condition field required")
	}
	switch c.Operator {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpIn, OpNotIn:
		return nil
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		if _, err := strconv.ParseFloat(strings.TrimSpace(c.Value), 64); err != nil {
			return fmt.Errorf("condition %q: %s needs a numeric value", c.Field, c.Operator)
		}
		return nil
	case OpRegex:
		if _, err := compileRegex(c.Value); err != nil {
			return fmt.Errorf("condition %q: %w", c.Field, err)
		}
		return nil
	default:
		return fmt.Errorf("condition %q: unknown operator %q", c.Field, c.Operator)
	}
}

// Match evaluates conditions against call with the given logic. IVR condition
// nodes branch on the same field and operator vocabulary as routing rules.
func Match(call Call, conds []Condition, logic Logic, now time.Time) bool {
	return evaluate(call, conds, logic, now, nil)
}

// ValidateConditions checks operators and regex patterns ahead of evaluation.
func ValidateConditions(conds []Condition) error {
	var errs []error
	for _, c := range conds {
		if err := validateCondition(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
