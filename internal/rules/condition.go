package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/cast"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ConditionEvaluator tests {field, operator, value} conditions against a context.
// It is safe for concurrent use; compiled regexes are kept per pattern.
type ConditionEvaluator struct {
	patterns sync.Map // string -> *regexp.Regexp
}

// NewConditionEvaluator creates an evaluator with an empty pattern cache.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{}
}

// Match AND-combines the conditions. An empty list never matches.
func (e *ConditionEvaluator) Match(conditions []domain.Condition, ctx domain.Context) (bool, error) {
	if len(conditions) == 0 {
		return false, nil
	}
	for _, c := range conditions {
		ok, err := e.Eval(c, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Eval tests one condition. Unknown operators are false; malformed operands
// (an invalid regex, a between without two numeric bounds) are errors.
func (e *ConditionEvaluator) Eval(c domain.Condition, ctx domain.Context) (bool, error) {
	actual, _ := Lookup(ctx, c.Field)

	switch c.Operator {
	case domain.OpEquals:
		return looseEqual(actual, c.Value), nil
	case domain.OpNotEquals:
		return !looseEqual(actual, c.Value), nil
	case domain.OpGreaterThan:
		return compare(actual, c.Value, func(a, b float64) bool { return a > b }), nil
	case domain.OpLessThan:
		return compare(actual, c.Value, func(a, b float64) bool { return a < b }), nil
	case domain.OpGreaterOrEqual:
		return compare(actual, c.Value, func(a, b float64) bool { return a >= b }), nil
	case domain.OpLessOrEqual:
		return compare(actual, c.Value, func(a, b float64) bool { return a <= b }), nil
	case domain.OpContains:
		return contains(actual, c.Value), nil
	case domain.OpIn:
		return inSet(actual, c.Value), nil
	case domain.OpNotIn:
		return !inSet(actual, c.Value), nil
	case domain.OpBetween:
		low, high, err := bounds(c.Value)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", c.Field, err)
		}
		n, ok := toNumber(actual)
		return ok && n >= low && n <= high, nil
	case domain.OpRegex:
		re, err := e.pattern(c.Value)
		if err != nil {
			return false, fmt.Errorf("field %s: %w", c.Field, err)
		}
		if actual == nil {
			return false, nil
		}
		s, err := cast.ToStringE(actual)
		if err != nil {
			return false, nil
		}
		return re.MatchString(s), nil
	default:
		return false, nil
	}
}

// Validate checks a condition's operator and operands without a context.
func (e *ConditionEvaluator) Validate(c domain.Condition) error {
	switch c.Operator {
	case domain.OpEquals, domain.OpNotEquals, domain.OpContains, domain.OpIn, domain.OpNotIn:
		return nil
	case domain.OpGreaterThan, domain.OpLessThan, domain.OpGreaterOrEqual, domain.OpLessOrEqual:
		if _, ok := toNumber(c.Value); !ok {
			return fmt.Errorf("%w: %s needs a numeric value for %s", domain.ErrInvalidInput, c.Operator, c.Field)
		}
		return nil
	case domain.OpBetween:
		if _, _, err := bounds(c.Value); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrInvalidInput, c.Field, err)
		}
		return nil
	case domain.OpRegex:
		if _, err := e.pattern(c.Value); err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrInvalidInput, c.Field, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown operator %q", domain.ErrInvalidInput, c.Operator)
	}
}

func (e *ConditionEvaluator) pattern(value any) (*regexp.Regexp, error) {
	expr, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("regex pattern must be a string, got %T", value)
	}
	if re, ok := e.patterns.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", expr, err)
	}
	actual, _ := e.patterns.LoadOrStore(expr, re)
	return actual.(*regexp.Regexp), nil
}

// Lookup resolves a dotted path such as "device.fingerprint" by walking
// nested maps. A literal key containing dots wins over the walk.
func Lookup(ctx domain.Context, path string) (any, bool) {
	if v, ok := ctx[path]; ok {
		return v, true
	}

	var current any = map[string]any(ctx)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case domain.Context:
		return m, true
	case map[any]any:
		return cast.ToStringMap(m), true
	}
	return nil, false
}

// toNumber converts numbers and numeric strings. Booleans are not numbers here.
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := cast.ToFloat64E(s)
		return f, err == nil
	}
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return x == y
		}
	}
	sa, errA := cast.ToStringE(a)
	sb, errB := cast.ToStringE(b)
	if errA == nil && errB == nil {
		return sa == sb
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any, op func(a, b float64) bool) bool {
	x, ok := toNumber(a)
	if !ok {
		return false
	}
	y, ok := toNumber(b)
	if !ok {
		return false
	}
	return op(x, y)
}

func contains(actual, value any) bool {
	if actual == nil || value == nil {
		return false
	}
	haystack := stringify(actual)
	needle, err := cast.ToStringE(value)
	if err != nil {
		return false
	}
	return strings.Contains(haystack, needle)
}

// stringify renders scalars with cast and composite values (lists, maps)
// with fmt, so contains is always a substring test.
func stringify(v any) string {
	if str, err := cast.ToStringE(v); err == nil {
		return str
	}
	return fmt.Sprint(v)
}

func inSet(actual, value any) bool {
	set, ok := asSlice(value)
	if !ok {
		set = []any{value}
	}
	for _, item := range set {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if _, ok := v.(string); ok {
		return nil, false
	}
	kind := reflect.TypeOf(v).Kind()
	if kind != reflect.Slice && kind != reflect.Array {
		return nil, false
	}
	items, err := cast.ToSliceE(v)
	if err != nil {
		rv := reflect.ValueOf(v)
		items = make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
	}
	return items, true
}

func bounds(value any) (float64, float64, error) {
	items, ok := asSlice(value)
	if !ok || len(items) != 2 {
		return 0, 0, fmt.Errorf("between needs [low, high], got %v", value)
	}
	low, okLow := toNumber(items[0])
	high, okHigh := toNumber(items[1])
	if !okLow || !okHigh {
		return 0, 0, fmt.Errorf("between bounds must be numeric, got %v", value)
	}
	return low, high, nil
}
