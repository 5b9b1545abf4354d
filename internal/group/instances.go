package group

import (
	"context"

	"github.com/dokzlo13/groupd/internal/device"
)

// reconcile applies the instance transition for one member and reports
// whether the instance set changed. Caller holds opMu.
func (g *Group) reconcile(ctx context.Context, id string, ready bool) bool {
	g.mu.Lock()
	has := g.hasInstancesLocked(id)
	capabilities := g.cfg.supportedBy(id)
	g.mu.Unlock()

	action := DetermineAction(ready, has)
	switch action {
	case ActionCreate:
		opened := make(map[string]device.Instance, len(capabilities))
		for _, capability := range capabilities {
			inst, err := g.opts.Registry.Subscribe(ctx, id, capability, g.onMemberChange(capability))
			if err != nil {
				g.logger().Warn().Err(err).Str("device", id).Str("capability", capability).Msg("Failed to open capability instance")
				continue
			}
			opened[capability] = inst
		}

		if len(opened) == 0 {
			g.logger().Warn().Str("device", id).Int("capabilities", len(capabilities)).Msg("Member ready but no instance opened")
			return false
		}

		g.mu.Lock()
		if g.destroyed {
			g.mu.Unlock()
			for _, inst := range opened {
				inst.Destroy()
			}
			return false
		}
		g.instances[id] = opened
		g.mu.Unlock()

		g.logger().Info().Str("device", id).Int("instances", len(opened)).Msg("Member ready, instances created")
		return true

	case ActionDestroy:
		g.mu.Lock()
		g.destroyInstancesLocked(id)
		g.mu.Unlock()

		g.logger().Info().Str("device", id).Msg("Member not ready, instances destroyed")
		return true
	}
	return false
}

// destroyInstancesLocked releases each instance before dropping its entry.
// Caller holds mu. Returns false when the member had no instance set.
func (g *Group) destroyInstancesLocked(id string) bool {
	set, ok := g.instances[id]
	if !ok {
		return false
	}
	for capability, inst := range set {
		inst.Destroy()
		delete(set, capability)
	}
	delete(g.instances, id)
	return true
}

// DeviceExistsInInstance reports whether the member has at least one live
// instance.
func (g *Group) DeviceExistsInInstance(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hasInstancesLocked(id)
}

// hasInstancesLocked reports whether the member has a non-empty instance set.
// Caller holds mu.
func (g *Group) hasInstancesLocked(id string) bool {
	return len(g.instances[id]) > 0
}

func (g *Group) onMemberChange(capability string) func(any) {
	return func(any) {
		g.scheduleAggregate(capability)
	}
}
