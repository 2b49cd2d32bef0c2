package envelope

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler consumes one inbound envelope.
type Handler func(Envelope) error

// Bus fans inbound envelopes out to subscribers. Handlers subscribed to the
// exact kind run before wildcard handlers, each group in registration order.
// A failing or panicking handler is logged and the rest still run.
type Bus struct {
	mu       sync.RWMutex
	specific map[Kind][]Handler
	wildcard []Handler
	logger   *slog.Logger
}

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		specific: make(map[Kind][]Handler),
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe registers h for envelopes of kind k.
func (b *Bus) Subscribe(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.specific[k] = append(b.specific[k], h)
}

// SubscribeAll registers h for every envelope.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

// Publish delivers env to all matching handlers and returns how many ran
// without error.
func (b *Bus) Publish(env Envelope) int {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.specific[env.Type])+len(b.wildcard))
	handlers = append(handlers, b.specific[env.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	ok := 0
	for _, h := range handlers {
		if err := b.invoke(h, env); err != nil {
			b.logger.Warn("envelope handler failed", "type", env.Type, "name", env.Name, "error", err)
			continue
		}
		ok++
	}
	return ok
}

func (b *Bus) invoke(h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(env)
}
