package bus

import (
	"log/slog"
	"sync"
	"time"

	"aplex/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based bus for in-process communication
// between UI channels and the orchestrator.
type InMemoryBus struct {
	actions  chan domain.UserAction
	handlers map[string]func(domain.UIEvent)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		actions:  make(chan domain.UserAction, bufferSize),
		handlers: make(map[string]func(domain.UIEvent)),
		logger:   logger,
	}
}

// Publish enqueues a user action. Blocks up to 10 seconds if the bus is
// full instead of dropping.
func (b *InMemoryBus) Publish(action domain.UserAction) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}

	select {
	case b.actions <- action:
	default:
		b.logger.Warn("action bus full, waiting...", "type", action.Type, "channel", action.Channel)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.actions <- action:
		case <-timer.C:
			b.logger.Error("action dropped: bus full for 10s",
				"type", action.Type,
				"channel", action.Channel,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.UserAction {
	return b.actions
}

// Emit delivers a UI event to the handler of its originating channel.
// Events without a channel go to every registered handler.
func (b *InMemoryBus) Emit(event domain.UIEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Channel != "" {
		if handler, ok := b.handlers[event.Channel]; ok {
			handler(event)
		} else {
			b.logger.Warn("no handler registered for channel", "channel", event.Channel)
		}
		return
	}
	for _, handler := range b.handlers {
		handler(event)
	}
}

func (b *InMemoryBus) OnEvent(channelName string, handler func(domain.UIEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.actions)
	}
}
