package group

import (
	"reflect"

	"github.com/dokzlo13/groupd/internal/reduce"
)

// aggregateAll schedules re-aggregation of every tracked capability.
func (g *Group) aggregateAll() {
	g.mu.Lock()
	capabilities := append([]string(nil), g.cfg.capabilities...)
	g.mu.Unlock()

	for _, capability := range capabilities {
		g.scheduleAggregate(capability)
	}
}

// scheduleAggregate collects the live member values of capability and
// debounces their reduction. Members without a live instance are skipped.
func (g *Group) scheduleAggregate(capability string) {
	g.mu.Lock()
	if g.destroyed || !g.cfg.tracks(capability) {
		g.mu.Unlock()
		return
	}
	values := make([]any, 0, len(g.cfg.devices))
	for _, id := range g.cfg.devices {
		if inst := g.instances[id][capability]; inst != nil {
			values = append(values, inst.Value())
		}
	}
	delay := g.cfg.memberDebounce
	g.mu.Unlock()

	g.inbound.Schedule(capability, values, delay, func(vs []any) {
		g.aggregate(capability, vs)
	})
}

// aggregate reduces values and writes the result to the group capability.
func (g *Group) aggregate(capability string, values []any) {
	g.mu.Lock()
	method := g.cfg.methods[capability]
	rules := g.cfg.rules[capability]
	current, had := g.values[capability]
	destroyed := g.destroyed
	g.mu.Unlock()

	if destroyed || !method.Aggregates() || len(values) == 0 {
		return
	}

	v, err := method.Apply(values)
	if err != nil {
		g.logger().Warn().Err(err).Str("capability", capability).Str("method", string(method)).Msg("Aggregation failed")
		return
	}
	v = reduce.ValidateValue(v, rules)
	if had && reflect.DeepEqual(current, v) {
		return
	}

	g.logger().Debug().Str("capability", capability).Interface("value", v).Int("members", len(values)).Msg("Group value aggregated")
	g.setValue(capability, v)
}

// setValue stores a group capability value and hands it to OnValue. Sink
// failures are logged and not retried.
func (g *Group) setValue(capability string, v any) {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.values[capability] = v
	g.mu.Unlock()

	if g.opts.OnValue == nil {
		return
	}
	if err := g.opts.OnValue(g.rec.ID, capability, v); err != nil {
		g.logger().Warn().Err(err).Str("capability", capability).Msg("Failed to store group value")
	}
}
