package group

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dokzlo13/groupd/internal/reduce"
)

// CurrentVersion is the record layout written by this build. Older records
// are migrated on start.
const CurrentVersion = 2

// ClassOther is used when members do not share a device class.
const ClassOther = "other"

// Settings are the user-editable knobs of a Group.
type Settings struct {
	// Methods maps a tracked capability to a reduction method name.
	Methods map[string]string       `json:"methods"`
	Rules   map[string]reduce.Rules `json:"rules,omitempty"`

	GroupDebounceMs  int    `json:"group_debounce_ms"`
	MemberDebounceMs int    `json:"member_debounce_ms"`
	StaggerMs        int    `json:"stagger_ms"`
	WriteRetries     int    `json:"write_retries"`
	LogLevel         string `json:"log_level,omitempty"`
}

// Record is the persisted form of a Group.
type Record struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Class        string              `json:"class"`
	Capabilities []string            `json:"capabilities"`
	Version      int                 `json:"version"`
	Devices      []string            `json:"devices"`
	Supported    map[string][]string `json:"supported"`
	Settings     Settings            `json:"settings"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Capabilities = append([]string(nil), r.Capabilities...)
	out.Devices = append([]string(nil), r.Devices...)
	out.Supported = make(map[string][]string, len(r.Supported))
	for c, ids := range r.Supported {
		out.Supported[c] = append([]string(nil), ids...)
	}
	out.Settings = r.Settings.Clone()
	return out
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	out := s
	out.Methods = make(map[string]string, len(s.Methods))
	for k, v := range s.Methods {
		out.Methods[k] = v
	}
	if s.Rules != nil {
		out.Rules = make(map[string]reduce.Rules, len(s.Rules))
		for k, v := range s.Rules {
			out.Rules[k] = v
		}
	}
	return out
}

// DefaultMethod picks a reduction method for a capability that has none
// configured, based on the capability naming convention.
func DefaultMethod(capability string) reduce.Method {
	switch {
	case capability == "onoff", strings.HasPrefix(capability, "alarm_"):
		return reduce.Or
	case capability == "dim",
		strings.HasPrefix(capability, "light_"),
		strings.HasPrefix(capability, "measure_"),
		strings.HasPrefix(capability, "target_"):
		return reduce.Mean
	}
	return reduce.First
}

// config is a validated, lookup-friendly view of a Record.
type config struct {
	capabilities []string
	devices      []string
	member       map[string]bool
	supported    map[string]map[string]bool
	methods      map[string]reduce.Method
	rules        map[string]reduce.Rules

	memberDebounce time.Duration
	groupDebounce  time.Duration
	stagger        time.Duration
	retries        int
	level          zerolog.Level
}

func (c config) tracks(capability string) bool {
	_, ok := c.methods[capability]
	return ok
}

// compile validates r. Unknown methods, supported entries outside the device
// list and capabilities that are not tracked are rejected.
func compile(r Record) (config, error) {
	c := config{
		member:    make(map[string]bool),
		supported: make(map[string]map[string]bool),
		methods:   make(map[string]reduce.Method),
		rules:     make(map[string]reduce.Rules),
	}

	for _, id := range r.Devices {
		if id == "" {
			return c, fmt.Errorf("%w: empty device id", ErrInvalidMembership)
		}
		if c.member[id] {
			continue
		}
		c.member[id] = true
		c.devices = append(c.devices, id)
	}

	for _, capability := range r.Capabilities {
		if _, dup := c.methods[capability]; dup || capability == "" {
			continue
		}
		c.capabilities = append(c.capabilities, capability)
		m, err := reduce.Parse(r.Settings.Methods[capability])
		if err != nil {
			return c, fmt.Errorf("%w: capability %s: %w", ErrInvalidSettings, capability, err)
		}
		c.methods[capability] = m
	}

	for capability := range r.Settings.Methods {
		if !c.tracks(capability) {
			return c, fmt.Errorf("%w: method for %s", ErrUnknownCapability, capability)
		}
	}
	for capability, rules := range r.Settings.Rules {
		if !c.tracks(capability) {
			return c, fmt.Errorf("%w: rules for %s", ErrUnknownCapability, capability)
		}
		c.rules[capability] = rules
	}

	for capability, ids := range r.Supported {
		if !c.tracks(capability) {
			return c, fmt.Errorf("%w: supported map names %s", ErrUnknownCapability, capability)
		}
		set := make(map[string]bool, len(ids))
		for _, id := range ids {
			if !c.member[id] {
				return c, fmt.Errorf("%w: %s supports %s but is not a member", ErrInvalidMembership, id, capability)
			}
			set[id] = true
		}
		c.supported[capability] = set
	}

	s := r.Settings
	if s.GroupDebounceMs < 0 || s.MemberDebounceMs < 0 || s.StaggerMs < 0 || s.WriteRetries < 0 {
		return c, fmt.Errorf("%w: timing values must not be negative", ErrInvalidSettings)
	}
	c.groupDebounce = time.Duration(s.GroupDebounceMs) * time.Millisecond
	c.memberDebounce = time.Duration(s.MemberDebounceMs) * time.Millisecond
	c.stagger = time.Duration(s.StaggerMs) * time.Millisecond
	c.retries = max(1, s.WriteRetries)

	c.level = zerolog.TraceLevel
	if s.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(s.LogLevel)
		if err != nil {
			return c, fmt.Errorf("%w: log level: %w", ErrInvalidSettings, err)
		}
		c.level = lvl
	}
	return c, nil
}

// supportedBy lists the tracked capabilities id is marked as supporting.
func (c config) supportedBy(id string) []string {
	var out []string
	for _, capability := range c.capabilities {
		if c.supported[capability][id] {
			out = append(out, capability)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
