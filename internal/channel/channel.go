// Package channel holds the ingress adapters that turn external deliveries
// into inbound events for the agent loop.
package channel

import (
	"log/slog"

	"alfred/internal/bus"
	"alfred/internal/domain"
)

// Publisher accepts inbound events. *bus.InMemoryBus satisfies it.
type Publisher interface {
	Publish(ev domain.InboundEvent) error
}

// publish enqueues ev and reports a drop on the lifecycle bus when the queue
// refuses it.
func publish(pub Publisher, events *bus.EventBus, logger *slog.Logger, ev domain.InboundEvent) error {
	if err := pub.Publish(ev); err != nil {
		logger.Warn("inbound event dropped", "source", ev.Source, "session", ev.SessionID, "err", err)
		events.Emit(bus.Event{
			Type:    bus.EventInboundDropped,
			Source:  ev.Source,
			Payload: map[string]any{"source": ev.Source, "error": err.Error()},
		})
		return err
	}
	return nil
}
