package event

import (
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/docmesh/internal/logging"
)

// Handler is a function that handles an event.
type Handler func(Event)

// subscription represents a registered event handler.
type subscription struct {
	id      string
	pattern string
	matcher glob.Glob // nil for exact-match subscriptions
	handler Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report handler panics.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus is a simple synchronous pub-sub event bus.
// It allows components to communicate without direct dependencies.
//
// Subscriptions are either exact event types ("lease.acquired") or glob
// patterns using '.' as the separator ("lease.*"). "*" alone matches
// every event.
type Bus struct {
	mu       sync.RWMutex
	exact    map[string][]subscription // eventType -> subscriptions
	patterns []subscription            // glob subscriptions, registration order
	nextID   atomic.Uint64
	logger   *logging.Logger
}

// NewBus creates a new event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		exact:  make(map[string][]subscription),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an event type or glob pattern.
// Returns a subscription ID that can be used to unsubscribe.
// Panics if pattern is not a valid glob.
func (b *Bus) Subscribe(pattern string, handler Handler) string {
	sub := subscription{
		pattern: pattern,
		handler: handler,
	}
	if isPattern(pattern) {
		sub.matcher = glob.MustCompile(pattern, '.')
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub.id = b.generateID()
	if sub.matcher != nil {
		b.patterns = append(b.patterns, sub)
	} else {
		b.exact[pattern] = append(b.exact[pattern], sub)
	}
	return sub.id
}

// SubscribeAll registers a handler for all event types.
// The handler will be called for every published event.
// Returns a subscription ID that can be used to unsubscribe.
func (b *Bus) SubscribeAll(handler Handler) string {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription by ID.
// Returns true if the subscription was found and removed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.exact {
		for i, sub := range subs {
			if sub.id == id {
				b.exact[eventType] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	for i, sub := range b.patterns {
		if sub.id == id {
			b.patterns = append(b.patterns[:i:i], b.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// Publish dispatches an event to all registered handlers.
// Exact-type handlers are called first, followed by pattern handlers
// (including SubscribeAll). Within each group, handlers are called in
// registration order. If a handler panics, the panic is logged, recovered,
// and publishing continues to remaining handlers.
func (b *Bus) Publish(event Event) {
	eventType := event.EventType()

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.exact[eventType])+len(b.patterns))
	for _, sub := range b.exact[eventType] {
		targets = append(targets, sub.handler)
	}
	for _, sub := range b.patterns {
		if sub.pattern == "*" || sub.matcher.Match(eventType) {
			targets = append(targets, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.safeCall(h, event)
	}
}

// safeCall invokes a handler and recovers from any panics.
func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", event.EventType(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	handler(event)
}

// generateID creates a unique subscription ID. Caller holds b.mu.
func (b *Bus) generateID() string {
	return "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
}

// Clear removes all subscriptions.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exact = make(map[string][]subscription)
	b.patterns = nil
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.patterns)
	for _, subs := range b.exact {
		count += len(subs)
	}
	return count
}

func isPattern(s string) bool {
	for _, c := range s {
		switch c {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
