package device

import (
	"context"
	"sort"
	"sync"
)

// WriteHook intercepts writes on a Memory registry. A non-nil error fails the
// write and leaves the stored value unchanged.
type WriteHook func(ctx context.Context, deviceID, capability string, value any) error

// ResolveHook intercepts Resolve on a Memory registry.
type ResolveHook func(ctx context.Context, id string) error

// Memory is an in-process Registry and Feed. Values written through an
// instance are stored and reported back to every subscriber of that
// capability, the way a real device echoes state changes.
type Memory struct {
	mu      sync.Mutex
	devices map[string]*memDevice
	subs    map[*memInstance]struct{}

	added   []func(Device)
	removed []func(string)

	writeHook   WriteHook
	resolveHook ResolveHook
}

type memDevice struct {
	info   Device
	values map[string]any
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{
		devices: make(map[string]*memDevice),
		subs:    make(map[*memInstance]struct{}),
	}
}

// Add registers d with initial capability values. When d has no capability
// list it is taken from the keys of values. Added listeners are notified.
func (m *Memory) Add(d Device, values map[string]any) {
	vals := make(map[string]any, len(values))
	for k, v := range values {
		vals[k] = v
	}
	if len(d.Capabilities) == 0 {
		for k := range vals {
			d.Capabilities = append(d.Capabilities, k)
		}
		sort.Strings(d.Capabilities)
	}

	m.mu.Lock()
	m.devices[d.ID] = &memDevice{info: d, values: vals}
	listeners := append([]func(Device){}, m.added...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(d)
	}
}

// Remove deletes a device and notifies removed listeners. Open instances stay
// valid but writes to them fail with NotFound.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	_, ok := m.devices[id]
	delete(m.devices, id)
	listeners := append([]func(string){}, m.removed...)
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, fn := range listeners {
		fn(id)
	}
}

// SetReady toggles the readiness reported by Resolve.
func (m *Memory) SetReady(id string, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.info.Ready = ready
	}
}

// SetValue stores a value as if the device reported it and notifies
// subscribers.
func (m *Memory) SetValue(id, capability string, value any) {
	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	d.values[capability] = value
	targets := m.subscribersLocked(id, capability)
	m.mu.Unlock()

	for _, inst := range targets {
		inst.notify(value)
	}
}

// Value returns the stored value of a device capability.
func (m *Memory) Value(id, capability string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, false
	}
	v, ok := d.values[capability]
	return v, ok
}

// SetWriteHook installs fn for subsequent writes. Nil removes it.
func (m *Memory) SetWriteHook(fn WriteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHook = fn
}

// SetResolveHook installs fn for subsequent resolves. Nil removes it.
func (m *Memory) SetResolveHook(fn ResolveHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveHook = fn
}

// ActiveSubscriptions counts instances not yet destroyed for a device.
func (m *Memory) ActiveSubscriptions(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for inst := range m.subs {
		if inst.deviceID == id {
			n++
		}
	}
	return n
}

func (m *Memory) Resolve(ctx context.Context, id string) (Device, error) {
	m.mu.Lock()
	hook := m.resolveHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return Device{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return Device{}, Timeout(id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return Device{}, NotFound(id)
	}
	info := d.info
	info.Capabilities = append([]string(nil), d.info.Capabilities...)
	return info, nil
}

func (m *Memory) Subscribe(_ context.Context, id, capability string, onChange func(any)) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, NotFound(id)
	}
	inst := &memInstance{
		reg:        m,
		deviceID:   id,
		capability: capability,
		value:      d.values[capability],
		onChange:   onChange,
	}
	m.subs[inst] = struct{}{}
	return inst, nil
}

func (m *Memory) Devices(context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		info := d.info
		info.Capabilities = append([]string(nil), d.info.Capabilities...)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) OnDeviceAdded(fn func(Device)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, fn)
}

func (m *Memory) OnDeviceRemoved(fn func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, fn)
}

func (m *Memory) subscribersLocked(id, capability string) []*memInstance {
	var out []*memInstance
	for inst := range m.subs {
		if inst.deviceID == id && inst.capability == capability {
			out = append(out, inst)
		}
	}
	return out
}

func (m *Memory) write(ctx context.Context, id, capability string, value any) error {
	m.mu.Lock()
	hook := m.writeHook
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id, capability, value); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return Timeout(id, err)
	}

	m.mu.Lock()
	d, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return NotFound(id)
	}
	d.values[capability] = value
	targets := m.subscribersLocked(id, capability)
	m.mu.Unlock()

	for _, inst := range targets {
		inst.notify(value)
	}
	return nil
}

type memInstance struct {
	reg        *Memory
	deviceID   string
	capability string
	onChange   func(any)

	mu        sync.Mutex
	value     any
	destroyed bool
}

func (i *memInstance) DeviceID() string   { return i.deviceID }
func (i *memInstance) Capability() string { return i.capability }

func (i *memInstance) Value() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

func (i *memInstance) Write(ctx context.Context, value any, _ WriteOptions) error {
	return i.reg.write(ctx, i.deviceID, i.capability, value)
}

func (i *memInstance) Destroy() {
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return
	}
	i.destroyed = true
	i.mu.Unlock()

	i.reg.mu.Lock()
	delete(i.reg.subs, i)
	i.reg.mu.Unlock()
}

func (i *memInstance) notify(value any) {
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return
	}
	i.value = value
	fn := i.onChange
	i.mu.Unlock()

	if fn != nil {
		fn(value)
	}
}
