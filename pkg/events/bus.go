// Package events provides the in-process event bus connecting the batch
// coordinator, the registry, and the cache. Publishing synchronously is the
// mechanism behind read-your-writes: the coordinator awaits invalidation
// handlers before resolving write futures.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/adcraft-io/sheetgate/pkg/observability"
)

// Event names
const (
	EventSheetWrite   = "sheet:write"
	EventRowAdd       = "row:add"
	EventRowUpdate    = "row:update"
	EventRowDelete    = "row:delete"
	EventConfigUpdate = "config:update"
	EventTenantRemove = "tenant:remove"
)

// Event is a tenant-scoped notification
type Event struct {
	Name     string
	TenantID string
	Context  map[string]string
	At       time.Time
}

// Handler consumes an event. Handlers invoked through PublishSync run on the
// publisher's goroutine and their errors are returned to the publisher.
type Handler func(ctx context.Context, evt Event) error

// Bus is a minimal synchronous/asynchronous event bus
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   observability.Logger
}

// NewBus creates a new event bus
func NewBus(logger observability.Logger) *Bus {
	if logger == nil {
		logger = observability.NewLogger("events")
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event name
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

// PublishSync delivers the event to all handlers on the calling goroutine
// and returns the first handler error. The publisher must not hold locks the
// handlers may need.
func (b *Bus) PublishSync(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	handlers := b.handlers[evt.Name]
	b.mu.RUnlock()

	var first error
	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			b.logger.Warn("event handler failed", map[string]interface{}{
				"event":     evt.Name,
				"tenant_id": evt.TenantID,
				"error":     err.Error(),
			})
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Publish delivers the event asynchronously, dropping handler errors after
// logging them
func (b *Bus) Publish(ctx context.Context, evt Event) {
	go func() {
		_ = b.PublishSync(ctx, evt)
	}()
}
