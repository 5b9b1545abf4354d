// Package hue exposes the lights of a Philips Hue bridge as member devices.
//
// The bridge v1 API has no push channel for light state, so the registry
// polls. Every poll refreshes the light cache, reports changed capability
// values to subscribers and turns appeared or vanished lights into feed
// events.
package hue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/amimof/huego"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/groupd/internal/device"
)

// API error type returned by the bridge for a missing resource.
const errTypeResourceNotAvailable = 3

// Bridge is the subset of *huego.Bridge used by the registry.
type Bridge interface {
	GetLightsContext(ctx context.Context) ([]huego.Light, error)
	GetLightContext(ctx context.Context, i int) (*huego.Light, error)
	SetLightStateContext(ctx context.Context, i int, l huego.State) (*huego.Response, error)
}

// Options configure a Registry.
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
	RateLimitRPS float64
}

// Registry implements device.Registry and device.Feed for Hue lights.
type Registry struct {
	bridge  Bridge
	opts    Options
	limiter *rate.Limiter

	mu     sync.Mutex
	lights map[string]huego.Light
	subs   map[string]map[*instance]struct{} // "<light>/<capability>"
	synced bool

	added   []func(device.Device)
	removed []func(string)
}

// Connect builds a Registry for the bridge at host.
func Connect(host, token string, opts Options) *Registry {
	return NewRegistry(huego.New(host, token), opts)
}

// NewRegistry wraps an existing bridge client.
func NewRegistry(bridge Bridge, opts Options) *Registry {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 10
	}
	return &Registry{
		bridge:  bridge,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1),
		lights:  make(map[string]huego.Light),
		subs:    make(map[string]map[*instance]struct{}),
	}
}

// Run polls the bridge until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	if err := r.Poll(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial Hue poll failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				log.Warn().Err(err).Msg("Hue poll failed")
			}
		}
	}
}

// Poll fetches all lights once and dispatches the differences.
func (r *Registry) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	lights, err := r.bridge.GetLightsContext(ctx)
	if err != nil {
		return classify("", err)
	}

	type change struct {
		inst  *instance
		value any
	}
	var (
		changes []change
		added   []device.Device
		gone    []string
	)

	r.mu.Lock()
	seen := make(map[string]bool, len(lights))
	for _, l := range lights {
		id := strconv.Itoa(l.ID)
		seen[id] = true

		prev, known := r.lights[id]
		r.lights[id] = l
		if !known {
			if r.synced {
				added = append(added, toDevice(l))
			}
			continue
		}

		before := Values(prev.State)
		for capability, v := range Values(l.State) {
			if before[capability] == v {
				continue
			}
			for inst := range r.subs[key(id, capability)] {
				changes = append(changes, change{inst: inst, value: v})
			}
		}
	}
	for id := range r.lights {
		if !seen[id] {
			delete(r.lights, id)
			gone = append(gone, id)
		}
	}
	r.synced = true
	addedFns := append([]func(device.Device){}, r.added...)
	removedFns := append([]func(string){}, r.removed...)
	r.mu.Unlock()

	for _, c := range changes {
		c.inst.notify(c.value)
	}
	for _, d := range added {
		log.Info().Str("light", d.ID).Str("name", d.Name).Msg("Hue light appeared")
		for _, fn := range addedFns {
			fn(d)
		}
	}
	for _, id := range gone {
		log.Info().Str("light", id).Msg("Hue light disappeared")
		for _, fn := range removedFns {
			fn(id)
		}
	}
	return nil
}

func (r *Registry) Resolve(ctx context.Context, id string) (device.Device, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return device.Device{}, device.NotFound(id)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	l, err := r.bridge.GetLightContext(ctx, n)
	if err != nil {
		return device.Device{}, classify(id, err)
	}
	l.ID = n

	r.mu.Lock()
	r.lights[id] = *l
	r.mu.Unlock()

	return toDevice(*l), nil
}

func (r *Registry) Subscribe(_ context.Context, id, capability string, onChange func(any)) (device.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lights[id]
	if !ok {
		return nil, device.NotFound(id)
	}
	inst := &instance{
		reg:        r,
		id:         id,
		capability: capability,
		value:      Values(l.State)[capability],
		onChange:   onChange,
	}
	k := key(id, capability)
	if r.subs[k] == nil {
		r.subs[k] = make(map[*instance]struct{})
	}
	r.subs[k][inst] = struct{}{}
	return inst, nil
}

func (r *Registry) Devices(ctx context.Context) ([]device.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	lights, err := r.bridge.GetLightsContext(ctx)
	if err != nil {
		return nil, classify("", err)
	}
	out := make([]device.Device, 0, len(lights))
	for _, l := range lights {
		out = append(out, toDevice(l))
	}
	return out, nil
}

func (r *Registry) OnDeviceAdded(fn func(device.Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, fn)
}

func (r *Registry) OnDeviceRemoved(fn func(string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, fn)
}

func (r *Registry) write(ctx context.Context, id, capability string, value any, opts device.WriteOptions) error {
	n, err := strconv.Atoi(id)
	if err != nil {
		return device.NotFound(id)
	}

	r.mu.Lock()
	current, ok := r.lights[id]
	r.mu.Unlock()

	var state huego.State
	var cur *huego.State
	if ok {
		cur = current.State
	}
	if !ApplyValue(&state, cur, capability, value) {
		return fmt.Errorf("unsupported value %v for %s", value, capability)
	}
	if opts.DurationMs != nil {
		state.TransitionTime = TransitionTime(*opts.DurationMs)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return device.Timeout(id, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	if _, err := r.bridge.SetLightStateContext(ctx, n, state); err != nil {
		return classify(id, err)
	}
	log.Debug().Str("light", id).Str("capability", capability).Interface("value", value).Msg("Hue light state set")
	return nil
}

func (r *Registry) unsubscribe(inst *instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(inst.id, inst.capability)
	delete(r.subs[k], inst)
	if len(r.subs[k]) == 0 {
		delete(r.subs, k)
	}
}

// classify maps bridge failures onto device error kinds.
func classify(id string, err error) error {
	var apiErr *huego.APIError
	if errors.As(err, &apiErr) && apiErr.Type == errTypeResourceNotAvailable {
		return &device.Error{Kind: device.KindNotFound, DeviceID: id, Err: err}
	}
	return &device.Error{Kind: device.KindOf(err), DeviceID: id, Err: err}
}

func toDevice(l huego.Light) device.Device {
	ready := false
	if l.State != nil {
		ready = l.State.Reachable
	}
	return device.Device{
		ID:           strconv.Itoa(l.ID),
		Name:         l.Name,
		Class:        "light",
		Ready:        ready,
		Capabilities: Capabilities(l),
	}
}

func key(id, capability string) string {
	return id + "/" + capability
}

type instance struct {
	reg        *Registry
	id         string
	capability string
	onChange   func(any)

	mu        sync.Mutex
	value     any
	destroyed bool
}

func (i *instance) DeviceID() string   { return i.id }
func (i *instance) Capability() string { return i.capability }

func (i *instance) Value() any {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.value
}

func (i *instance) Write(ctx context.Context, value any, opts device.WriteOptions) error {
	return i.reg.write(ctx, i.id, i.capability, value, opts)
}

func (i *instance) Destroy() {
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return
	}
	i.destroyed = true
	i.mu.Unlock()

	i.reg.unsubscribe(i)
}

func (i *instance) notify(v any) {
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return
	}
	i.value = v
	fn := i.onChange
	i.mu.Unlock()

	if fn != nil {
		fn(v)
	}
}
