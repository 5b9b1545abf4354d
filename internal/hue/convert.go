package hue

import (
	"math"

	"github.com/amimof/huego"
)

// Capability keys exposed by Hue lights.
const (
	CapOnOff       = "onoff"
	CapDim         = "dim"
	CapHue         = "light_hue"
	CapSaturation  = "light_saturation"
	CapTemperature = "light_temperature"
)

// Mirek range of Hue white-ambiance lights. Warmest maps to 1.
const (
	minMirek = 153
	maxMirek = 500
)

// Capabilities lists what a light exposes, by its Hue type.
func Capabilities(l huego.Light) []string {
	switch l.Type {
	case "On/Off light", "On/Off plug-in unit":
		return []string{CapOnOff}
	case "Dimmable light":
		return []string{CapOnOff, CapDim}
	case "Color temperature light":
		return []string{CapOnOff, CapDim, CapTemperature}
	case "Color light":
		return []string{CapOnOff, CapDim, CapHue, CapSaturation}
	case "Extended color light":
		return []string{CapOnOff, CapDim, CapHue, CapSaturation, CapTemperature}
	}
	if l.State != nil && l.State.Bri > 0 {
		return []string{CapOnOff, CapDim}
	}
	return []string{CapOnOff}
}

// Values converts a light state to normalized capability values.
func Values(s *huego.State) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		CapOnOff:       s.On,
		CapDim:         round(float64(s.Bri) / 254),
		CapHue:         round(float64(s.Hue) / 65535),
		CapSaturation:  round(float64(s.Sat) / 254),
		CapTemperature: mirekToTemperature(s.Ct),
	}
}

func mirekToTemperature(ct uint16) float64 {
	if ct == 0 {
		return 0
	}
	v := (float64(ct) - minMirek) / (maxMirek - minMirek)
	return round(clamp01(v))
}

func temperatureToMirek(v float64) uint16 {
	return uint16(math.Round(minMirek + clamp01(v)*(maxMirek-minMirek)))
}

// ApplyValue sets one capability on a state. current supplies the power flag
// for non-power writes because huego always sends "on".
func ApplyValue(state *huego.State, current *huego.State, capability string, value any) bool {
	if current != nil {
		state.On = current.On
	}
	switch capability {
	case CapOnOff:
		b, ok := value.(bool)
		if !ok {
			return false
		}
		state.On = b
	case CapDim:
		f, ok := toFloat(value)
		if !ok {
			return false
		}
		state.Bri = uint8(math.Round(clamp01(f) * 254))
		state.On = state.Bri > 0
	case CapHue:
		f, ok := toFloat(value)
		if !ok {
			return false
		}
		state.Hue = uint16(math.Round(clamp01(f) * 65535))
	case CapSaturation:
		f, ok := toFloat(value)
		if !ok {
			return false
		}
		state.Sat = uint8(math.Round(clamp01(f) * 254))
	case CapTemperature:
		f, ok := toFloat(value)
		if !ok {
			return false
		}
		state.Ct = temperatureToMirek(f)
	default:
		return false
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// TransitionTime converts a duration in milliseconds to Hue's 100ms
// transition steps, clamped to the uint16 range.
func TransitionTime(ms int) uint16 {
	steps := ms / 100
	switch {
	case steps < 0:
		return 0
	case steps > math.MaxUint16:
		return math.MaxUint16
	}
	return uint16(steps)
}
