// Package group implements the group synchronization engine: a virtual
// device whose capability values are aggregated from member devices and
// whose writes are fanned out to them.
//
// A Group keeps one capability instance per (member, capability) pair while
// the member is ready, audits members on an adaptive interval, debounces
// member changes into reduced group values and propagates external group
// writes with stagger and bounded retry.
//
// Locking: opMu serializes reconciliation passes, refreshes and teardown.
// mu guards the fields below it and is never held across device calls
// except instance release.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/groupd/internal/debounce"
	"github.com/dokzlo13/groupd/internal/device"
)

var (
	ErrNotFound          = errors.New("group not found")
	ErrDestroyed         = errors.New("group destroyed")
	ErrInvalidMembership = errors.New("invalid membership")
	ErrUnknownCapability = errors.New("unknown capability")
	ErrInvalidSettings   = errors.New("invalid settings")
)

// Options carry the engine-wide collaborators and timing of a Group.
type Options struct {
	Registry device.Registry

	// AuditInterval is the base audit period. Zero disables timed audits.
	AuditInterval  time.Duration
	ResolveTimeout time.Duration
	WriteTimeout   time.Duration

	// OnValue receives every group capability value, aggregated or written.
	OnValue func(groupID, capability string, value any) error
	// OnWarning receives user-visible group warnings.
	OnWarning func(groupID, message string)
}

type auditRecord struct {
	timer *time.Timer
	gen   uint64
	ready bool
}

type pendingWrite struct {
	values map[string]any
	opts   map[string]device.WriteOptions
}

// Group is one virtual aggregate device.
type Group struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	opMu   sync.Mutex
	writes sync.WaitGroup

	inbound  *debounce.Scheduler[[]any]
	outbound *debounce.Scheduler[pendingWrite]

	mu        sync.Mutex
	rec       Record
	cfg       config
	instances map[string]map[string]device.Instance
	audits    map[string]*auditRecord
	values    map[string]any
	destroyed bool

	logp atomic.Pointer[zerolog.Logger]

	warnMu  sync.Mutex
	warning string
}

// Snapshot is a point-in-time view of a Group.
type Snapshot struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Class        string              `json:"class"`
	Version      int                 `json:"version"`
	Capabilities []string            `json:"capabilities"`
	Store        Store               `json:"store"`
	Settings     Settings            `json:"settings"`
	Values       map[string]any      `json:"values"`
	Instances    map[string][]string `json:"instances"`
	Warning      string              `json:"warning,omitempty"`
}

// Store is the membership part of a snapshot.
type Store struct {
	Devices   []string            `json:"devices"`
	Supported map[string][]string `json:"supported"`
}

// New validates rec and builds an idle Group. values seeds the group's own
// capability values, typically restored from storage. Call Init to start it.
func New(rec Record, values map[string]any, opts Options) (*Group, error) {
	cfg, err := compile(rec)
	if err != nil {
		return nil, err
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		inbound:   debounce.New[[]any](),
		outbound:  debounce.New[pendingWrite](),
		rec:       rec.Clone(),
		cfg:       cfg,
		instances: make(map[string]map[string]device.Instance),
		audits:    make(map[string]*auditRecord),
		values:    make(map[string]any),
	}
	for k, v := range values {
		if cfg.tracks(k) {
			g.values[k] = v
		}
	}
	g.setLogger()
	return g, nil
}

// setLogger rebuilds the group logger from the record. Caller holds mu or
// owns g exclusively.
func (g *Group) setLogger() {
	l := log.With().
		Str("group_id", g.rec.ID).
		Str("group", g.rec.Name).
		Logger().
		Level(g.cfg.level)
	g.logp.Store(&l)
}

func (g *Group) logger() *zerolog.Logger {
	return g.logp.Load()
}

// ID returns the group id.
func (g *Group) ID() string { return g.rec.ID }

// Init audits every member once, opening instances for ready ones, then
// aggregates all tracked capabilities. A resolution error other than
// NotFound or Timeout aborts Init.
func (g *Group) Init(ctx context.Context) error {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	if err := g.load(ctx, true); err != nil {
		return err
	}
	g.aggregateAll()
	g.logger().Info().Int("devices", len(g.cfg.devices)).Msg("Group initialized")
	return nil
}

// load audits every member. With strict set the first unclassified
// resolution error aborts; otherwise failing members are logged and audited
// again later. Caller holds opMu.
func (g *Group) load(ctx context.Context, strict bool) error {
	g.mu.Lock()
	members := append([]string(nil), g.cfg.devices...)
	g.mu.Unlock()

	for _, id := range members {
		if err := g.auditDevice(ctx, id, strict); err != nil {
			return fmt.Errorf("audit device %s: %w", id, err)
		}
	}
	return nil
}

// ApplySettings replaces the settings and rebuilds all runtime state.
func (g *Group) ApplySettings(ctx context.Context, s Settings) error {
	rec := g.Record()
	rec.Settings = s.Clone()
	return g.refresh(ctx, rec)
}

// SetMembership replaces the member list and supported map and rebuilds all
// runtime state. Every supported id must be a member.
func (g *Group) SetMembership(ctx context.Context, devices []string, supported map[string][]string) error {
	rec := g.Record()
	rec.Devices = append([]string(nil), devices...)
	rec.Supported = make(map[string][]string, len(supported))
	for c, ids := range supported {
		rec.Supported[c] = append([]string(nil), ids...)
	}
	return g.refresh(ctx, rec)
}

// refresh tears down every instance, audit and pending debounce, swaps in
// rec and loads again. Member errors never abort a refresh.
func (g *Group) refresh(ctx context.Context, rec Record) error {
	cfg, err := compile(rec)
	if err != nil {
		return err
	}

	g.opMu.Lock()
	defer g.opMu.Unlock()

	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return ErrDestroyed
	}
	g.teardownLocked()
	g.rec = rec.Clone()
	g.cfg = cfg
	for k := range g.values {
		if !cfg.tracks(k) {
			delete(g.values, k)
		}
	}
	g.setLogger()
	g.mu.Unlock()

	g.clearWarning()
	g.logger().Info().Int("devices", len(cfg.devices)).Msg("Group refreshed")

	err = g.load(ctx, false)
	g.aggregateAll()
	return err
}

// Update renames the group or changes its class. Empty values are kept.
func (g *Group) Update(name, class string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.destroyed {
		return ErrDestroyed
	}
	if name != "" {
		g.rec.Name = name
	}
	if class != "" {
		g.rec.Class = class
	}
	g.setLogger()
	return nil
}

// Record returns a copy of the persisted form.
func (g *Group) Record() Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rec.Clone()
}

// Values returns a copy of the group's own capability values.
func (g *Group) Values() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]any, len(g.values))
	for k, v := range g.values {
		out[k] = v
	}
	return out
}

// Snapshot returns the current configuration and runtime state.
func (g *Group) Snapshot() Snapshot {
	g.mu.Lock()
	rec := g.rec.Clone()
	values := make(map[string]any, len(g.values))
	for k, v := range g.values {
		values[k] = v
	}
	instances := make(map[string][]string, len(g.instances))
	for id, set := range g.instances {
		instances[id] = sortedKeys(set)
	}
	g.mu.Unlock()

	return Snapshot{
		ID:           rec.ID,
		Name:         rec.Name,
		Class:        rec.Class,
		Version:      rec.Version,
		Capabilities: rec.Capabilities,
		Store:        Store{Devices: rec.Devices, Supported: rec.Supported},
		Settings:     rec.Settings,
		Values:       values,
		Instances:    instances,
		Warning:      g.Warning(),
	}
}

// IsMember reports whether id is in the member list.
func (g *Group) IsMember(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.member[id]
}

// HandleDeviceRemoved audits a removed member right away.
func (g *Group) HandleDeviceRemoved(id string) {
	if !g.IsMember(id) {
		return
	}
	g.logger().Debug().Str("device", id).Msg("Member removed from registry, auditing")
	go g.auditNow(id)
}

// HandleDeviceAdded restarts auditing of a member whose audit record was
// dropped after it went missing.
func (g *Group) HandleDeviceAdded(d device.Device) {
	g.mu.Lock()
	_, audited := g.audits[d.ID]
	member := g.cfg.member[d.ID]
	g.mu.Unlock()

	if !member || audited {
		return
	}
	g.logger().Debug().Str("device", d.ID).Msg("Member added to registry, auditing")
	go g.auditNow(d.ID)
}

// Warning returns the latest group-level warning.
func (g *Group) Warning() string {
	g.warnMu.Lock()
	defer g.warnMu.Unlock()
	return g.warning
}

func (g *Group) warn(message string) {
	g.warnMu.Lock()
	g.warning = message
	g.warnMu.Unlock()

	g.logger().Warn().Str("warning", message).Msg("Group warning")
	if g.opts.OnWarning != nil {
		g.opts.OnWarning(g.rec.ID, message)
	}
}

func (g *Group) clearWarning() {
	g.warnMu.Lock()
	defer g.warnMu.Unlock()
	g.warning = ""
}

// Destroy cancels audits, pending debounces and in-flight writes, then
// releases every instance. It is safe to call more than once.
func (g *Group) Destroy() {
	g.cancel()

	g.opMu.Lock()
	defer g.opMu.Unlock()

	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.destroyed = true
	g.inbound.Stop()
	g.outbound.Stop()
	g.teardownLocked()
	g.mu.Unlock()

	g.writes.Wait()
	g.logger().Info().Msg("Group destroyed")
}

// teardownLocked cancels audit timers and debounces before releasing
// instances. Caller holds mu.
func (g *Group) teardownLocked() {
	for id, a := range g.audits {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(g.audits, id)
	}
	g.inbound.CancelAll()
	g.outbound.CancelAll()
	for id := range g.instances {
		g.destroyInstancesLocked(id)
	}
}
