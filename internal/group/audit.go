package group

import (
	"context"
	"time"

	"github.com/dokzlo13/groupd/internal/device"
)

// workingFactor stretches the audit period of members that are consistent.
const workingFactor = 10

// nextAuditDelay returns the delay until the next audit. ok is false when
// timed audits are disabled.
func nextAuditDelay(interval time.Duration, working bool) (time.Duration, bool) {
	if interval <= 0 {
		return 0, false
	}
	if working {
		return interval * workingFactor, true
	}
	return interval, true
}

// auditDevice resolves one member and reconciles its instances. With strict
// set, an unclassified resolution error is returned instead of rescheduled.
// Caller holds opMu.
func (g *Group) auditDevice(ctx context.Context, id string, strict bool) error {
	if err := g.ctx.Err(); err != nil {
		return ErrDestroyed
	}

	rctx, cancel := context.WithTimeout(ctx, g.opts.ResolveTimeout)
	dev, err := g.opts.Registry.Resolve(rctx, id)
	cancel()

	if err != nil {
		switch device.KindOf(err) {
		case device.KindNotFound:
			g.mu.Lock()
			g.dropAuditLocked(id)
			changed := g.destroyInstancesLocked(id)
			g.mu.Unlock()

			g.logger().Warn().Str("device", id).Msg("Member not found, runtime state released")
			if changed {
				g.aggregateAll()
			}
			return nil

		case device.KindTimeout:
			g.logger().Warn().Err(err).Str("device", id).Msg("Member resolution timed out")
			g.scheduleAudit(id)
			return nil

		default:
			if strict {
				return err
			}
			g.logger().Error().Err(err).Str("device", id).Msg("Member resolution failed")
			g.scheduleAudit(id)
			return nil
		}
	}

	g.mu.Lock()
	if a := g.audits[id]; a != nil {
		a.ready = dev.Ready
	} else {
		g.audits[id] = &auditRecord{ready: dev.Ready}
	}
	g.mu.Unlock()

	changed := g.reconcile(ctx, id, dev.Ready)
	g.scheduleAudit(id)
	if changed {
		g.aggregateAll()
	}
	return nil
}

// scheduleAudit arms the member's audit timer, replacing any pending one.
func (g *Group) scheduleAudit(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.destroyed || !g.cfg.member[id] {
		return
	}
	a := g.audits[id]
	if a == nil {
		a = &auditRecord{}
		g.audits[id] = a
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++

	delay, ok := nextAuditDelay(g.opts.AuditInterval, a.ready && g.hasInstancesLocked(id))
	if !ok {
		return
	}
	gen := a.gen
	a.timer = time.AfterFunc(delay, func() { g.onAuditTimer(id, a, gen) })
	g.logger().Debug().Str("device", id).Dur("in", delay).Msg("Audit scheduled")
}

// dropAuditLocked cancels and forgets the member's audit. Caller holds mu.
func (g *Group) dropAuditLocked(id string) {
	if a := g.audits[id]; a != nil {
		if a.timer != nil {
			a.timer.Stop()
		}
		a.gen++
		delete(g.audits, id)
	}
}

// HasAudit reports whether the member still has an audit record.
func (g *Group) HasAudit(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.audits[id]
	return ok
}

// AuditScheduled reports whether a timed audit is pending for the member.
func (g *Group) AuditScheduled(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.audits[id]
	return a != nil && a.timer != nil
}

func (g *Group) onAuditTimer(id string, a *auditRecord, gen uint64) {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	g.mu.Lock()
	live := !g.destroyed && g.audits[id] == a && a.gen == gen
	g.mu.Unlock()
	if !live {
		return
	}
	_ = g.auditDevice(g.ctx, id, false)
}

// auditNow runs an out-of-band audit for a member.
func (g *Group) auditNow(id string) {
	g.opMu.Lock()
	defer g.opMu.Unlock()

	if !g.IsMember(id) {
		return
	}
	_ = g.auditDevice(g.ctx, id, false)
}
