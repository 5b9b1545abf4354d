package hue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/amimof/huego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/groupd/internal/device"
)

type fakeBridge struct {
	mu     sync.Mutex
	lights []huego.Light
	sets   map[int][]huego.State
	err    error
}

func newFakeBridge(lights ...huego.Light) *fakeBridge {
	return &fakeBridge{lights: lights, sets: make(map[int][]huego.State)}
}

func (b *fakeBridge) GetLightsContext(context.Context) ([]huego.Light, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	out := make([]huego.Light, len(b.lights))
	for i, l := range b.lights {
		s := *l.State
		l.State = &s
		out[i] = l
	}
	return out, nil
}

func (b *fakeBridge) GetLightContext(_ context.Context, id int) (*huego.Light, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.lights {
		if l.ID == id {
			s := *l.State
			l.State = &s
			return &l, nil
		}
	}
	return nil, &huego.APIError{Type: 3, Description: "resource, /lights/x, not available"}
}

func (b *fakeBridge) SetLightStateContext(_ context.Context, id int, s huego.State) (*huego.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sets[id] = append(b.sets[id], s)
	return &huego.Response{}, nil
}

func (b *fakeBridge) setBri(id int, bri uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.lights {
		if b.lights[i].ID == id {
			b.lights[i].State.Bri = bri
		}
	}
}

func (b *fakeBridge) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.lights[:0]
	for _, l := range b.lights {
		if l.ID != id {
			out = append(out, l)
		}
	}
	b.lights = out
}

func light(id int, typ string, bri uint8) huego.Light {
	return huego.Light{
		ID:    id,
		Name:  "Light",
		Type:  typ,
		State: &huego.State{On: true, Bri: bri, Reachable: true},
	}
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, []string{CapOnOff}, Capabilities(huego.Light{Type: "On/Off plug-in unit"}))
	assert.Equal(t, []string{CapOnOff, CapDim, CapTemperature}, Capabilities(huego.Light{Type: "Color temperature light"}))
	assert.Contains(t, Capabilities(huego.Light{Type: "Extended color light"}), CapHue)
	assert.Equal(t, []string{CapOnOff, CapDim}, Capabilities(huego.Light{Type: "Custom", State: &huego.State{Bri: 10}}))
}

func TestValuesAndApplyValue(t *testing.T) {
	v := Values(&huego.State{On: true, Bri: 127, Ct: 500})
	assert.Equal(t, true, v[CapOnOff])
	assert.InDelta(t, 0.5, v[CapDim], 0.001)
	assert.Equal(t, 1.0, v[CapTemperature])

	var s huego.State
	require.True(t, ApplyValue(&s, &huego.State{On: false}, CapDim, 1.0))
	assert.Equal(t, uint8(254), s.Bri)
	assert.True(t, s.On)

	s = huego.State{}
	require.True(t, ApplyValue(&s, &huego.State{On: true}, CapTemperature, 0.0))
	assert.Equal(t, uint16(153), s.Ct)
	assert.True(t, s.On, "non-power writes keep the current power flag")

	assert.False(t, ApplyValue(&s, nil, CapOnOff, 0.3))
	assert.False(t, ApplyValue(&s, nil, "measure_power", 1.0))
}

func TestTransitionTime(t *testing.T) {
	tests := []struct {
		ms   int
		want uint16
	}{
		{0, 0},
		{450, 4},
		{-500, 0},
		{6_553_500, 65535},
		{10_000_000, 65535},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TransitionTime(tt.ms), "ms=%d", tt.ms)
	}
}

func TestResolveClassifiesMissingLight(t *testing.T) {
	r := NewRegistry(newFakeBridge(light(1, "Dimmable light", 100)), Options{})

	d, err := r.Resolve(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, d.Ready)
	assert.Equal(t, "light", d.Class)

	_, err = r.Resolve(context.Background(), "9")
	assert.Equal(t, device.KindNotFound, device.KindOf(err))

	_, err = r.Resolve(context.Background(), "not-a-number")
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestPollNotifiesSubscribersAndFeed(t *testing.T) {
	bridge := newFakeBridge(light(1, "Dimmable light", 100), light(2, "Dimmable light", 50))
	r := NewRegistry(bridge, Options{})
	ctx := context.Background()
	require.NoError(t, r.Poll(ctx))

	var (
		mu      sync.Mutex
		values  []any
		removed []string
		added   []string
	)
	r.OnDeviceRemoved(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, id)
	})
	r.OnDeviceAdded(func(d device.Device) {
		mu.Lock()
		defer mu.Unlock()
		added = append(added, d.ID)
	})

	inst, err := r.Subscribe(ctx, "1", CapDim, func(v any) {
		mu.Lock()
		defer mu.Unlock()
		values = append(values, v)
	})
	require.NoError(t, err)

	bridge.setBri(1, 254)
	bridge.remove(2)
	bridge.lights = append(bridge.lights, light(3, "On/Off light", 0))
	require.NoError(t, r.Poll(ctx))

	mu.Lock()
	assert.Equal(t, []any{1.0}, values)
	assert.Equal(t, []string{"2"}, removed)
	assert.Equal(t, []string{"3"}, added)
	mu.Unlock()
	assert.Equal(t, 1.0, inst.Value())

	inst.Destroy()
	inst.Destroy()
	bridge.setBri(1, 0)
	require.NoError(t, r.Poll(ctx))
	mu.Lock()
	assert.Len(t, values, 1)
	mu.Unlock()
}

func TestWriteSetsState(t *testing.T) {
	bridge := newFakeBridge(light(1, "Dimmable light", 100))
	r := NewRegistry(bridge, Options{RateLimitRPS: 1000})
	ctx := context.Background()
	require.NoError(t, r.Poll(ctx))

	inst, err := r.Subscribe(ctx, "1", CapDim, func(any) {})
	require.NoError(t, err)

	duration := 400
	require.NoError(t, inst.Write(ctx, 0.5, device.WriteOptions{DurationMs: &duration}))

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	require.Len(t, bridge.sets[1], 1)
	assert.Equal(t, uint8(127), bridge.sets[1][0].Bri)
	assert.Equal(t, uint16(4), bridge.sets[1][0].TransitionTime)
}

func TestPollErrorIsClassified(t *testing.T) {
	bridge := newFakeBridge()
	bridge.err = context.DeadlineExceeded
	r := NewRegistry(bridge, Options{})

	err := r.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, device.KindTimeout, device.KindOf(err))
	assert.True(t, errors.Is(err, device.ErrTimeout))
}
