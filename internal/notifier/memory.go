package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryNotifier is an in-process pub/sub used by the `manual`/`inline`
// testing modes and by single-node unit tests that don't want a live
// Postgres or Redis. It never crosses a process boundary, so it only ever
// satisfies the single-node half of the spec's multi-node guarantees.
type MemoryNotifier struct {
	mu       sync.RWMutex
	handlers map[Channel][]Handler
	closed   bool
}

// NewMemoryNotifier returns a ready-to-use in-process notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{handlers: make(map[Channel][]Handler)}
}

// Listen registers handler for channel.
func (n *MemoryNotifier) Listen(_ context.Context, channel Channel, handler Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return fmt.Errorf("notifier: closed")
	}
	n.handlers[channel] = append(n.handlers[channel], handler)
	return nil
}

// Notify delivers payload to every handler registered on channel,
// synchronously, on the calling goroutine, matching the deterministic
// ordering the `manual` testing mode relies on.
func (n *MemoryNotifier) Notify(_ context.Context, channel Channel, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	n.mu.RLock()
	handlers := append([]Handler(nil), n.handlers[channel]...)
	n.mu.RUnlock()

	for _, h := range handlers {
		h(b)
	}
	return nil
}

// Close marks the notifier unusable; further Listen calls fail.
func (n *MemoryNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.handlers = nil
	return nil
}
