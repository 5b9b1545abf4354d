package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/groupd/internal/device"
	"github.com/dokzlo13/groupd/internal/reduce"
)

func TestCompile(t *testing.T) {
	base := func() Record {
		return Record{
			ID:           "g",
			Capabilities: []string{"onoff", "dim"},
			Devices:      []string{"a", "b", "a"},
			Supported:    map[string][]string{"onoff": {"a", "b"}, "dim": {"b"}},
			Settings: Settings{
				Methods:      map[string]string{"onoff": "or", "dim": "median"},
				WriteRetries: 0,
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		c, err := compile(base())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, c.devices)
		assert.Equal(t, reduce.Median, c.methods["dim"])
		assert.Equal(t, 1, c.retries, "at least one write attempt")
		assert.Equal(t, []string{"onoff", "dim"}, c.supportedBy("b"))
		assert.Equal(t, []string{"onoff"}, c.supportedBy("a"))
	})

	t.Run("missing_method_disables", func(t *testing.T) {
		r := base()
		delete(r.Settings.Methods, "dim")
		c, err := compile(r)
		require.NoError(t, err)
		assert.Equal(t, reduce.Disabled, c.methods["dim"])
	})

	tests := []struct {
		name   string
		modify func(*Record)
		want   error
	}{
		{name: "unknown_method", modify: func(r *Record) { r.Settings.Methods["dim"] = "average" }, want: reduce.ErrUnknownMethod},
		{name: "method_for_untracked", modify: func(r *Record) { r.Settings.Methods["volume"] = "mean" }, want: ErrUnknownCapability},
		{name: "supported_not_member", modify: func(r *Record) { r.Supported["dim"] = []string{"c"} }, want: ErrInvalidMembership},
		{name: "supported_untracked", modify: func(r *Record) { r.Supported["volume"] = []string{"a"} }, want: ErrUnknownCapability},
		{name: "negative_stagger", modify: func(r *Record) { r.Settings.StaggerMs = -1 }, want: ErrInvalidSettings},
		{name: "bad_log_level", modify: func(r *Record) { r.Settings.LogLevel = "loud" }, want: ErrInvalidSettings},
		{name: "empty_device", modify: func(r *Record) { r.Devices = append(r.Devices, "") }, want: ErrInvalidMembership},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.modify(&r)
			_, err := compile(r)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDefaultMethod(t *testing.T) {
	assert.Equal(t, reduce.Or, DefaultMethod("onoff"))
	assert.Equal(t, reduce.Or, DefaultMethod("alarm_motion"))
	assert.Equal(t, reduce.Mean, DefaultMethod("dim"))
	assert.Equal(t, reduce.Mean, DefaultMethod("measure_temperature"))
	assert.Equal(t, reduce.First, DefaultMethod("thermostat_mode"))
}

func TestDeriveClass(t *testing.T) {
	assert.Equal(t, "light", DeriveClass([]device.Device{{Class: "light"}, {Class: "light"}}))
	assert.Equal(t, ClassOther, DeriveClass([]device.Device{{Class: "light"}, {Class: "socket"}}))
	assert.Equal(t, ClassOther, DeriveClass(nil))
}

func TestRecordCloneIsDeep(t *testing.T) {
	r := Record{
		Devices:   []string{"a"},
		Supported: map[string][]string{"onoff": {"a"}},
		Settings:  Settings{Methods: map[string]string{"onoff": "or"}},
	}
	c := r.Clone()
	c.Devices[0] = "z"
	c.Supported["onoff"][0] = "z"
	c.Settings.Methods["onoff"] = "and"

	assert.Equal(t, "a", r.Devices[0])
	assert.Equal(t, "a", r.Supported["onoff"][0])
	assert.Equal(t, "or", r.Settings.Methods["onoff"])
}
