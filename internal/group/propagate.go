package group

import (
	"context"
	"fmt"
	"time"

	"github.com/dokzlo13/groupd/internal/device"
)

// WarnNotReady is raised when a write cannot reach every supporting member.
const WarnNotReady = "not all devices ready"

// outboundKey is the single debounce key of a Group's pending writes.
const outboundKey = "write"

type writeJob struct {
	deviceID   string
	capability string
	value      any
	opts       device.WriteOptions
	inst       device.Instance
	offset     time.Duration
	attempts   int
}

// Write handles an external write of group capabilities and propagates it
// to supporting members. With a group debounce configured, pending writes
// are merged and flushed as one staggered batch after the quiet period.
func (g *Group) Write(ctx context.Context, values map[string]any, opts map[string]device.WriteOptions) error {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return ErrDestroyed
	}
	for capability := range values {
		if !g.cfg.tracks(capability) {
			g.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownCapability, capability)
		}
	}
	delay := g.cfg.groupDebounce
	g.mu.Unlock()

	for _, capability := range sortedKeys(values) {
		g.setValue(capability, values[capability])
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if delay <= 0 {
		g.dispatch(g.plan(values, opts))
		return nil
	}

	g.outbound.Update(outboundKey, delay, func(pending pendingWrite, ok bool) pendingWrite {
		return mergeWrite(pending, ok, values, opts)
	}, func(p pendingWrite) {
		g.dispatch(g.plan(p.values, p.opts))
	})
	return nil
}

func mergeWrite(pending pendingWrite, ok bool, values map[string]any, opts map[string]device.WriteOptions) pendingWrite {
	out := pendingWrite{
		values: make(map[string]any, len(values)),
		opts:   make(map[string]device.WriteOptions, len(opts)),
	}
	if ok {
		for k, v := range pending.values {
			out.values[k] = v
		}
		for k, o := range pending.opts {
			out.opts[k] = o
		}
	}
	for k, v := range values {
		out.values[k] = v
	}
	for k, o := range opts {
		out.opts[k] = o
	}
	return out
}

// plan resolves the member writes for a batch. Capabilities are taken in
// name order and every scheduled write advances the stagger sequence by one.
func (g *Group) plan(values map[string]any, opts map[string]device.WriteOptions) []writeJob {
	capabilities := sortedKeys(values)

	g.mu.Lock()
	var (
		jobs    []writeJob
		seq     int
		missing []string
	)
	for _, id := range g.cfg.devices {
		set := g.instances[id]
		for _, capability := range capabilities {
			if !g.cfg.supported[capability][id] {
				continue
			}
			inst := set[capability]
			if inst == nil {
				missing = append(missing, id+"/"+capability)
				continue
			}
			jobs = append(jobs, writeJob{
				deviceID:   id,
				capability: capability,
				value:      values[capability],
				opts:       opts[capability],
				inst:       inst,
				offset:     time.Duration(seq) * g.cfg.stagger,
				attempts:   g.cfg.retries,
			})
			seq++
		}
	}
	g.mu.Unlock()

	if len(missing) > 0 {
		g.logger().Warn().Strs("skipped", missing).Msg("Members without live instance skipped")
		g.warn(WarnNotReady)
	}
	return jobs
}

// dispatch issues jobs in sequence order, each at its offset from now.
// Writes run concurrently once issued.
func (g *Group) dispatch(jobs []writeJob) {
	if len(jobs) == 0 {
		return
	}

	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.writes.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.writes.Done()

		start := time.Now()
		for _, j := range jobs {
			if wait := j.offset - time.Since(start); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-g.ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			g.writes.Add(1)
			go func(j writeJob) {
				defer g.writes.Done()
				g.writeMember(j)
			}(j)
		}
	}()
}

// writeMember writes one value with bounded retry. NotFound abandons at
// once; Timeout and other errors consume an attempt.
func (g *Group) writeMember(j writeJob) {
	logger := g.logger().With().Str("device", j.deviceID).Str("capability", j.capability).Logger()

	for attempt := 1; attempt <= j.attempts; attempt++ {
		if g.ctx.Err() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(g.ctx, g.opts.WriteTimeout)
		err := j.inst.Write(ctx, j.value, j.opts)
		cancel()

		if err == nil {
			logger.Debug().Int("attempt", attempt).Interface("value", j.value).Msg("Member written")
			return
		}

		switch device.KindOf(err) {
		case device.KindNotFound:
			g.warn(fmt.Sprintf("device %s is gone, %s was not written", j.deviceID, j.capability))
			return
		case device.KindTimeout:
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Member write timed out")
		default:
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Member write failed")
		}
	}

	if g.ctx.Err() != nil {
		return
	}
	g.warn(fmt.Sprintf("failed to write %s to device %s after %d attempts", j.capability, j.deviceID, j.attempts))
}
