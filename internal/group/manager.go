package group

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dokzlo13/groupd/internal/device"
)

// Values are the persisted group capability values.
type Values map[string]any

// RecordStore persists group records.
type RecordStore interface {
	GetAll(ctx context.Context) (map[string]Record, map[string]int64, error)
	Set(ctx context.Context, id string, value Record) error
	Delete(ctx context.Context, id string) error
}

// ValueStore persists group capability values.
type ValueStore interface {
	Get(ctx context.Context, id string) (Values, int64, error)
	Update(ctx context.Context, id string, modify func(current Values) Values) error
	Delete(ctx context.Context, id string) error
}

// Observer is told about engine events worth recording outside the process.
type Observer interface {
	Created(rec Record)
	ValueChanged(groupID, capability string, value any)
	Warning(groupID, message string)
	InitFailed(groupID string, err error)
	Removed(groupID string)
}

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	Options
	// Defaults seed the timing settings of new and migrated groups.
	Defaults        Settings
	InitParallelism int
}

// CreateRequest describes a group at pairing completion.
type CreateRequest struct {
	Name         string              `json:"name"`
	Class        string              `json:"class,omitempty"`
	Capabilities []string            `json:"capabilities"`
	Devices      []string            `json:"devices"`
	Supported    map[string][]string `json:"supported,omitempty"`
	Settings     *Settings           `json:"settings,omitempty"`
}

// Manager owns every Group of the process. Groups start in parallel and
// fail independently.
type Manager struct {
	cfg      ManagerConfig
	registry device.Registry
	records  RecordStore
	values   ValueStore
	observer Observer

	mu     sync.RWMutex
	groups map[string]*Group
	failed map[string]error
}

// NewManager creates a Manager. observer may be nil.
func NewManager(cfg ManagerConfig, records RecordStore, values ValueStore, observer Observer) *Manager {
	if cfg.InitParallelism <= 0 {
		cfg.InitParallelism = 4
	}
	return &Manager{
		cfg:      cfg,
		registry: cfg.Registry,
		records:  records,
		values:   values,
		observer: observer,
		groups:   make(map[string]*Group),
		failed:   make(map[string]error),
	}
}

// Start loads, migrates and initializes every stored group, then follows
// feed when it is non-nil. A group that fails to initialize is recorded in
// Failed and does not stop the others.
func (m *Manager) Start(ctx context.Context, feed device.Feed) error {
	records, _, err := m.records.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load groups: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.cfg.InitParallelism)
	for _, id := range sortedKeys(records) {
		rec := records[id]
		eg.Go(func() error {
			m.startGroup(egCtx, rec)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if feed != nil {
		feed.OnDeviceAdded(m.handleDeviceAdded)
		feed.OnDeviceRemoved(m.handleDeviceRemoved)
	}

	m.mu.RLock()
	log.Info().Int("groups", len(m.groups)).Int("failed", len(m.failed)).Msg("Group manager started")
	m.mu.RUnlock()
	return nil
}

func (m *Manager) startGroup(ctx context.Context, rec Record) {
	if migrated, ok := Migrate(ctx, m.registry, rec, m.cfg.Defaults); ok {
		if err := m.records.Set(ctx, migrated.ID, migrated); err != nil {
			log.Warn().Err(err).Str("group_id", rec.ID).Msg("Failed to persist migrated group")
		}
		rec = migrated
	}

	values, _, err := m.values.Get(ctx, rec.ID)
	if err != nil {
		log.Warn().Err(err).Str("group_id", rec.ID).Msg("Failed to restore group values")
	}

	g, err := New(rec, values, m.groupOptions())
	if err == nil {
		if err = g.Init(ctx); err != nil {
			g.Destroy()
		}
	}
	if err != nil {
		log.Error().Err(err).Str("group_id", rec.ID).Str("group", rec.Name).Msg("Group failed to initialize")
		m.mu.Lock()
		m.failed[rec.ID] = err
		m.mu.Unlock()
		if m.observer != nil {
			m.observer.InitFailed(rec.ID, err)
		}
		return
	}

	m.mu.Lock()
	m.groups[rec.ID] = g
	delete(m.failed, rec.ID)
	m.mu.Unlock()
}

func (m *Manager) groupOptions() Options {
	opts := m.cfg.Options
	opts.OnValue = m.storeValue
	opts.OnWarning = func(groupID, message string) {
		if m.observer != nil {
			m.observer.Warning(groupID, message)
		}
	}
	return opts
}

func (m *Manager) storeValue(groupID, capability string, value any) error {
	err := m.values.Update(context.Background(), groupID, func(current Values) Values {
		if current == nil {
			current = Values{}
		}
		current[capability] = value
		return current
	})
	if m.observer != nil {
		m.observer.ValueChanged(groupID, capability, value)
	}
	return err
}

// Create resolves the members, derives what was omitted, persists the new
// group and initializes it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Group, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSettings)
	}
	if len(req.Capabilities) == 0 {
		return nil, fmt.Errorf("%w: at least one capability is required", ErrInvalidSettings)
	}

	var members []device.Device
	for _, id := range req.Devices {
		d, err := m.registry.Resolve(ctx, id)
		if err != nil {
			if device.KindOf(err) == device.KindNotFound {
				return nil, fmt.Errorf("%w: device %s not found", ErrInvalidMembership, id)
			}
			return nil, fmt.Errorf("failed to resolve device %s: %w", id, err)
		}
		members = append(members, d)
	}

	settings := m.cfg.Defaults.Clone()
	if req.Settings != nil {
		settings = req.Settings.Clone()
	}
	FillMethods(req.Capabilities, &settings)

	rec := Record{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Class:        req.Class,
		Capabilities: append([]string(nil), req.Capabilities...),
		Version:      CurrentVersion,
		Devices:      append([]string(nil), req.Devices...),
		Supported:    req.Supported,
		Settings:     settings,
	}
	if rec.Supported == nil {
		rec.Supported = DeriveSupported(rec.Capabilities, members)
	}
	if rec.Class == "" {
		rec.Class = DeriveClass(members)
	}

	g, err := New(rec, nil, m.groupOptions())
	if err != nil {
		return nil, err
	}
	if err := m.records.Set(ctx, rec.ID, rec); err != nil {
		return nil, fmt.Errorf("failed to store group: %w", err)
	}
	if err := g.Init(ctx); err != nil {
		g.Destroy()
		_ = m.records.Delete(ctx, rec.ID)
		return nil, fmt.Errorf("failed to initialize group: %w", err)
	}

	m.mu.Lock()
	m.groups[rec.ID] = g
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.Created(rec.Clone())
	}
	log.Info().Str("group_id", rec.ID).Str("group", rec.Name).Int("devices", len(rec.Devices)).Msg("Group created")
	return g, nil
}

// Get returns a running group.
func (m *Manager) Get(id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return g, nil
}

// List returns running groups ordered by name.
func (m *Manager) List() []*Group {
	m.mu.RLock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Record(), out[j].Record()
		if ri.Name != rj.Name {
			return ri.Name < rj.Name
		}
		return ri.ID < rj.ID
	})
	return out
}

// Failed returns groups that could not be initialized with their errors.
func (m *Manager) Failed() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.failed))
	for id, err := range m.failed {
		out[id] = err.Error()
	}
	return out
}

// ApplySettings refreshes a group with new settings and persists it.
func (m *Manager) ApplySettings(ctx context.Context, id string, s Settings) (*Group, error) {
	g, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := g.ApplySettings(ctx, s); err != nil {
		return nil, err
	}
	return g, m.save(ctx, g)
}

// SetMembership replaces a group's members and persists it.
func (m *Manager) SetMembership(ctx context.Context, id string, devices []string, supported map[string][]string) (*Group, error) {
	g, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := g.SetMembership(ctx, devices, supported); err != nil {
		return nil, err
	}
	return g, m.save(ctx, g)
}

// Update renames a group or changes its class and persists it.
func (m *Manager) Update(ctx context.Context, id, name, class string) (*Group, error) {
	g, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := g.Update(name, class); err != nil {
		return nil, err
	}
	return g, m.save(ctx, g)
}

// Write propagates an external write of group capabilities.
func (m *Manager) Write(ctx context.Context, id string, values map[string]any, opts map[string]device.WriteOptions) error {
	g, err := m.Get(id)
	if err != nil {
		return err
	}
	return g.Write(ctx, values, opts)
}

func (m *Manager) save(ctx context.Context, g *Group) error {
	rec := g.Record()
	if err := m.records.Set(ctx, rec.ID, rec); err != nil {
		return fmt.Errorf("failed to store group: %w", err)
	}
	return nil
}

// Delete destroys a group and removes its stored state.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	g, ok := m.groups[id]
	_, failed := m.failed[id]
	delete(m.groups, id)
	delete(m.failed, id)
	m.mu.Unlock()

	if !ok && !failed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if g != nil {
		g.Destroy()
	}
	if err := m.records.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if err := m.values.Delete(ctx, id); err != nil {
		log.Warn().Err(err).Str("group_id", id).Msg("Failed to delete group values")
	}
	if m.observer != nil {
		m.observer.Removed(id)
	}
	log.Info().Str("group_id", id).Msg("Group deleted")
	return nil
}

// EligibleDevices lists ready, non-group devices of class (any class when
// empty). Ids in selected are always listed when they exist.
func (m *Manager) EligibleDevices(ctx context.Context, class string, selected []string) ([]device.Device, error) {
	all, err := m.registry.Devices(ctx)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(selected))
	for _, id := range selected {
		keep[id] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]device.Device, 0, len(all))
	for _, d := range all {
		_, isGroup := m.groups[d.ID]
		eligible := (class == "" || d.Class == class) && !d.Group && !isGroup && d.Ready
		if eligible || keep[d.ID] {
			out = append(out, d)
		}
	}
	return out, nil
}

// Stop destroys every group.
func (m *Manager) Stop() {
	m.mu.Lock()
	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.groups = make(map[string]*Group)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g *Group) {
			defer wg.Done()
			g.Destroy()
		}(g)
	}
	wg.Wait()
	log.Info().Int("groups", len(groups)).Msg("Group manager stopped")
}

func (m *Manager) handleDeviceAdded(d device.Device) {
	for _, g := range m.snapshotGroups() {
		g.HandleDeviceAdded(d)
	}
}

func (m *Manager) handleDeviceRemoved(id string) {
	for _, g := range m.snapshotGroups() {
		g.HandleDeviceRemoved(id)
	}
}

func (m *Manager) snapshotGroups() []*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out
}
