package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "not_found", err: NotFound("a"), want: KindNotFound},
		{name: "wrapped_not_found", err: fmt.Errorf("resolve: %w", NotFound("a")), want: KindNotFound},
		{name: "sentinel_timeout", err: fmt.Errorf("write: %w", ErrTimeout), want: KindTimeout},
		{name: "deadline", err: context.DeadlineExceeded, want: KindTimeout},
		{name: "net_timeout", err: timeoutErr{}, want: KindTimeout},
		{name: "other", err: errors.New("boom"), want: KindOther},
		{name: "explicit_timeout", err: Timeout("a", nil), want: KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMatchesSentinels(t *testing.T) {
	err := &Error{Kind: KindNotFound, DeviceID: "a", Err: errors.New("resource not available")}
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "not_found")
}

func TestMemoryResolve(t *testing.T) {
	m := NewMemory()
	m.Add(Device{ID: "lamp", Class: "light", Ready: true}, map[string]any{"onoff": true, "dim": 0.5})

	d, err := m.Resolve(context.Background(), "lamp")
	require.NoError(t, err)
	assert.Equal(t, []string{"dim", "onoff"}, d.Capabilities)
	assert.True(t, d.HasCapability("dim"))

	_, err = m.Resolve(context.Background(), "missing")
	assert.Equal(t, KindNotFound, KindOf(err))

	m.SetResolveHook(func(context.Context, string) error { return Timeout("lamp", nil) })
	_, err = m.Resolve(context.Background(), "lamp")
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestMemorySubscriptionLifecycle(t *testing.T) {
	m := NewMemory()
	m.Add(Device{ID: "lamp", Ready: true}, map[string]any{"dim": 0.2})

	var got atomic.Value
	inst, err := m.Subscribe(context.Background(), "lamp", "dim", func(v any) { got.Store(v) })
	require.NoError(t, err)
	assert.Equal(t, 0.2, inst.Value())
	assert.Equal(t, 1, m.ActiveSubscriptions("lamp"))

	m.SetValue("lamp", "dim", 0.7)
	assert.Equal(t, 0.7, got.Load())
	assert.Equal(t, 0.7, inst.Value())

	require.NoError(t, inst.Write(context.Background(), 0.9, WriteOptions{}))
	v, _ := m.Value("lamp", "dim")
	assert.Equal(t, 0.9, v)

	inst.Destroy()
	inst.Destroy()
	assert.Zero(t, m.ActiveSubscriptions("lamp"))

	m.SetValue("lamp", "dim", 0.1)
	assert.Equal(t, 0.9, got.Load(), "destroyed instance must not be notified")
}

func TestMemoryWriteAfterRemove(t *testing.T) {
	m := NewMemory()
	m.Add(Device{ID: "lamp", Ready: true}, map[string]any{"onoff": false})

	var removed []string
	m.OnDeviceRemoved(func(id string) { removed = append(removed, id) })

	inst, err := m.Subscribe(context.Background(), "lamp", "onoff", func(any) {})
	require.NoError(t, err)

	m.Remove("lamp")
	err = inst.Write(context.Background(), true, WriteOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"lamp"}, removed)
}

func TestMemoryWriteHook(t *testing.T) {
	m := NewMemory()
	m.Add(Device{ID: "lamp", Ready: true}, map[string]any{"onoff": false})
	m.SetWriteHook(func(_ context.Context, id, capability string, _ any) error {
		return Timeout(id, nil)
	})

	inst, err := m.Subscribe(context.Background(), "lamp", "onoff", func(any) {})
	require.NoError(t, err)

	err = inst.Write(context.Background(), true, WriteOptions{})
	assert.Equal(t, KindTimeout, KindOf(err))
	v, _ := m.Value("lamp", "onoff")
	assert.Equal(t, false, v)
}
