// Package reduce provides the aggregation methods that turn the values reported
// by a group's member devices into a single group value.
//
// Methods are a closed set. Configuration is validated with Parse so that an
// unknown method name is rejected when settings are loaded, not when the first
// value arrives.
package reduce

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Method names a reduction function.
type Method string

const (
	And      Method = "and"
	All      Method = "all"
	Or       Method = "or"
	Any      Method = "any"
	Nand     Method = "nand"
	Xor      Method = "xor"
	Xnor     Method = "xnor"
	None     Method = "none"
	Always   Method = "always"
	Never    Method = "never"
	Most     Method = "most"
	First    Method = "first"
	Max      Method = "max"
	Highest  Method = "highest"
	Min      Method = "min"
	Lowest   Method = "lowest"
	Sum      Method = "sum"
	Mean     Method = "mean"
	Median   Method = "median"
	Mode     Method = "mode"
	Boolean  Method = "boolean"
	Number   Method = "number"
	Enum     Method = "enum"
	Ignore   Method = "ignore"
	Disabled Method = "disabled"
)

var (
	ErrUnknownMethod  = errors.New("unknown reduction method")
	ErrNoValues       = errors.New("no values to reduce")
	ErrNotNumeric     = errors.New("value is not numeric")
	ErrNotAggregating = errors.New("method does not aggregate")
)

// Func reduces member values to one value.
type Func func(values []any) (any, error)

var funcs = map[Method]Func{
	And:     and,
	All:     and,
	Or:      or,
	Any:     or,
	Nand:    nand,
	None:    nand,
	Xor:     xor,
	Xnor:    xnor,
	Always:  func([]any) (any, error) { return true, nil },
	Never:   func([]any) (any, error) { return false, nil },
	Most:    most,
	First:   first,
	Max:     maxOf,
	Highest: maxOf,
	Min:     minOf,
	Lowest:  minOf,
	Sum:     sum,
	Mean:    mean,
	Median:  median,
	Mode:    mode,
	Boolean: boolean,
	Number:  number,
	Enum:    first,
}

// Parse validates a configured method name. An empty name, "false" and
// "disabled" all mean the capability is disabled.
func Parse(name string) (Method, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "false", string(Disabled):
		return Disabled, nil
	case string(Ignore):
		return Ignore, nil
	}
	m := Method(n)
	if _, ok := funcs[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return m, nil
}

// Methods returns every method that can be applied, sorted by name.
func Methods() []Method {
	out := make([]Method, 0, len(funcs))
	for m := range funcs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Aggregates reports whether the method produces a group value at all.
// Ignore and Disabled are markers, not functions.
func (m Method) Aggregates() bool {
	return m != Ignore && m != Disabled
}

// Apply runs the method over values.
func (m Method) Apply(values []any) (any, error) {
	if !m.Aggregates() {
		return nil, fmt.Errorf("%w: %s", ErrNotAggregating, m)
	}
	f, ok := funcs[m]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, string(m))
	}
	return f(values)
}

// Truthy reports the boolean interpretation of a member value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	f, ok := ToFloat(v)
	return ok && f != 0 && !math.IsNaN(f)
}

// ToFloat converts a member value to a number. Booleans count as 1 and 0.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func floats(values []any) ([]float64, error) {
	out := make([]float64, len(values))
	for i, v := range values {
		f, ok := ToFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrNotNumeric, v)
		}
		out[i] = f
	}
	return out, nil
}

func truthyCount(values []any) int {
	n := 0
	for _, v := range values {
		if Truthy(v) {
			n++
		}
	}
	return n
}

func and(values []any) (any, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	return truthyCount(values) == len(values), nil
}

func or(values []any) (any, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	return truthyCount(values) > 0, nil
}

func nand(values []any) (any, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	return truthyCount(values) != len(values), nil
}

func xor(values []any) (any, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	n := truthyCount(values)
	return n != len(values) && n > 0, nil
}

func xnor(values []any) (any, error) {
	v, err := xor(values)
	if err != nil {
		return nil, err
	}
	return !v.(bool), nil
}

func most(values []any) (any, error) {
	v, err := median(values)
	if err != nil {
		return nil, err
	}
	return Truthy(v), nil
}

func first(values []any) (any, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	return values[0], nil
}

func boolean(values []any) (any, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	return Truthy(values[0]), nil
}

func number(values []any) (any, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	f, ok := ToFloat(values[0])
	if !ok {
		return math.NaN(), nil
	}
	return f, nil
}

func maxOf(values []any) (any, error) {
	fs, err := floats(values)
	if err != nil {
		return nil, err
	}
	if len(fs) == 0 {
		return nil, ErrNoValues
	}
	out := fs[0]
	for _, f := range fs[1:] {
		out = math.Max(out, f)
	}
	return out, nil
}

func minOf(values []any) (any, error) {
	fs, err := floats(values)
	if err != nil {
		return nil, err
	}
	if len(fs) == 0 {
		return nil, ErrNoValues
	}
	out := fs[0]
	for _, f := range fs[1:] {
		out = math.Min(out, f)
	}
	return out, nil
}

// sum of nothing is 0.
func sum(values []any) (any, error) {
	fs, err := floats(values)
	if err != nil {
		return nil, err
	}
	var total float64
	for _, f := range fs {
		total += f
	}
	return total, nil
}

func mean(values []any) (any, error) {
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	total, err := sum(values)
	if err != nil {
		return nil, err
	}
	return total.(float64) / float64(len(values)), nil
}

func median(values []any) (any, error) {
	fs, err := floats(values)
	if err != nil {
		return nil, err
	}
	if len(fs) == 0 {
		return nil, ErrNoValues
	}
	sort.Float64s(fs)
	lo := (len(fs) - 1) / 2
	hi := len(fs) / 2
	return (fs[lo] + fs[hi]) / 2, nil
}

// mode returns the most frequent value. Values are grouped by their printed
// form; on a tie the group seen first wins. An empty input yields nil.
func mode(values []any) (any, error) {
	type bucket struct {
		value any
		count int
	}
	var order []*bucket
	index := make(map[string]*bucket)
	for _, v := range values {
		key := fmt.Sprint(v)
		b, ok := index[key]
		if !ok {
			b = &bucket{value: v}
			index[key] = b
			order = append(order, b)
		}
		b.count++
	}
	if len(order) == 0 {
		return nil, nil
	}
	sort.SliceStable(order, func(i, j int) bool { return order[i].count > order[j].count })
	return order[0].value, nil
}
