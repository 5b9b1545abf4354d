package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/groupd/internal/eventbus"
	"github.com/dokzlo13/groupd/internal/group"
	"github.com/dokzlo13/groupd/internal/ledger"
)

// groupObserver publishes engine events on the bus.
type groupObserver struct {
	bus *eventbus.Bus
}

var _ group.Observer = (*groupObserver)(nil)

func (o *groupObserver) Created(rec group.Record) {
	o.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeGroupCreated,
		Data: map[string]any{"group_id": rec.ID, "name": rec.Name, "class": rec.Class, "devices": rec.Devices},
	})
}

func (o *groupObserver) ValueChanged(groupID, capability string, value any) {
	o.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeGroupValue,
		Data: map[string]any{"group_id": groupID, "capability": capability, "value": value},
	})
}

func (o *groupObserver) Warning(groupID, message string) {
	o.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeGroupWarning,
		Data: map[string]any{"group_id": groupID, "message": message},
	})
}

func (o *groupObserver) InitFailed(groupID string, err error) {
	o.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeGroupInitFailed,
		Data: map[string]any{"group_id": groupID, "error": err.Error()},
	})
}

func (o *groupObserver) Removed(groupID string) {
	o.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeGroupRemoved,
		Data: map[string]any{"group_id": groupID},
	})
}

// EventRecorder subscribes to the bus and records group events in the ledger.
type EventRecorder struct {
	ledger  *ledger.Ledger
	bus     *eventbus.Bus
	timeout time.Duration
}

// NewEventRecorder creates a new EventRecorder.
func NewEventRecorder(l *ledger.Ledger, bus *eventbus.Bus, timeout time.Duration) *EventRecorder {
	return &EventRecorder{ledger: l, bus: bus, timeout: timeout}
}

// Start sets up all event handlers.
func (r *EventRecorder) Start(ctx context.Context) {
	r.record(ctx, eventbus.EventTypeGroupCreated, ledger.EventGroupCreated)
	r.record(ctx, eventbus.EventTypeGroupWarning, ledger.EventGroupWarning)
	r.record(ctx, eventbus.EventTypeGroupInitFailed, ledger.EventGroupInitFailed)
	r.record(ctx, eventbus.EventTypeGroupRemoved, ledger.EventGroupRemoved)

	r.bus.Subscribe(eventbus.EventTypeGroupValue, func(e eventbus.Event) {
		log.Debug().
			Interface("group_id", e.Data["group_id"]).
			Interface("capability", e.Data["capability"]).
			Interface("value", e.Data["value"]).
			Msg("Group value changed")
	})

	for _, t := range []eventbus.EventType{eventbus.EventTypeDeviceAdded, eventbus.EventTypeDeviceRemoved} {
		r.bus.Subscribe(t, func(e eventbus.Event) {
			log.Info().Str("event", string(e.Type)).Interface("device_id", e.Data["device_id"]).Msg("Device feed event")
		})
	}
}

func (r *EventRecorder) record(ctx context.Context, from eventbus.EventType, to ledger.EventType) {
	r.bus.Subscribe(from, func(e eventbus.Event) {
		r.append(ctx, to, e)
	})
}

func (r *EventRecorder) append(ctx context.Context, to ledger.EventType, e eventbus.Event) {
	source, _ := e.Data["group_id"].(string)

	// Recording continues during shutdown until the bus drains
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.ledger.Append(ctx, to, source, e.Data); err != nil {
		log.Error().Err(err).Str("event", string(to)).Str("group_id", source).Msg("Failed to record event")
	}
}

// runLedgerCleanup periodically cleans up old ledger entries.
func runLedgerCleanup(ctx context.Context, l *ledger.Ledger, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := l.DeleteOlderThan(ctx, retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}
