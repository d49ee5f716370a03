package bus

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"alfred/internal/domain"
)

const defaultPublishTimeout = 10 * time.Second

var (
	ErrClosed = errors.New("bus closed")
	ErrFull   = errors.New("bus full")
)

// InMemoryBus is a Go-channel based queue of inbound events between the
// ingress adapters and the agent loop.
type InMemoryBus struct {
	inbound        chan domain.InboundEvent
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:        make(chan domain.InboundEvent, bufferSize),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
}

// Publish enqueues ev. It blocks up to the publish timeout when the bus is
// full instead of dropping immediately.
func (b *InMemoryBus) Publish(ev domain.InboundEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "source", ev.Source)
		return ErrClosed
	}

	select {
	case b.inbound <- ev:
		return nil
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "source", ev.Source, "session", ev.SessionID)
	timer := time.NewTimer(b.publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- ev:
		b.logger.Info("event delivered after wait", "source", ev.Source)
		return nil
	case <-timer.C:
		b.logger.Error("event dropped: bus full",
			"source", ev.Source,
			"session", ev.SessionID,
			"timeout", b.publishTimeout,
		)
		return ErrFull
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundEvent {
	return b.inbound
}

// Len reports the number of queued events.
func (b *InMemoryBus) Len() int {
	return len(b.inbound)
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
