package reduce

import "math"

// Rules bound an aggregated numeric value. Nil fields are not applied.
type Rules struct {
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Decimals *int     `json:"decimals,omitempty" yaml:"decimals,omitempty"`
}

// IsZero reports whether no rule is set.
func (r Rules) IsZero() bool {
	return r.Min == nil && r.Max == nil && r.Decimals == nil
}

// Validate clamps value to the rule bounds, then rounds it to the configured
// number of decimals. Halves round up, matching the upstream device values.
func Validate(value float64, rules Rules) float64 {
	if rules.Min != nil {
		value = math.Max(value, *rules.Min)
	}
	if rules.Max != nil {
		value = math.Min(value, *rules.Max)
	}
	if rules.Decimals != nil {
		base := math.Pow(10, float64(*rules.Decimals))
		value = math.Floor(value*base+0.5) / base
	}
	return value
}

// ValidateValue applies Validate when v is a number and leaves anything else
// (booleans, enum strings) untouched.
func ValidateValue(v any, rules Rules) any {
	if rules.IsZero() {
		return v
	}
	switch v.(type) {
	case bool, string, nil:
		return v
	}
	f, ok := ToFloat(v)
	if !ok {
		return v
	}
	return Validate(f, rules)
}
