// Package event provides an in-process pub-sub event bus for decoupled
// observability in docmesh.
//
// The replication components (lease manager, router, lifecycle debouncer)
// and the reference document host publish typed events; the metrics package
// and tests subscribe to them. Publishers never depend on subscribers.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Lease:
//   - [LeaseAcquiredEvent]: lease.acquired / lease.refreshed
//   - [LeaseTimeoutEvent]: lease.timeout
//   - [LeaseReleasedEvent]: lease.released
//   - [LeaseObservedEvent]: lease.observed (control message read from the lock topic)
//
// Replication:
//   - [MessageReceivedEvent]: replication.received
//   - [MessageDroppedEvent]: replication.dropped
//   - [MessagePublishedEvent]: replication.published
//
// Lifecycle:
//   - [UnloadCheckedEvent]: lifecycle.unloaded
//   - [StoreSettledEvent]: lifecycle.store_settled
//
// Document host:
//   - [DocumentEvent]: document.loaded, document.stored, document.unloaded
//   - [ConnectionEvent]: connection.opened, connection.closed
//
// # Subscriptions
//
// Handlers subscribe to an exact type or to a glob pattern with '.' as the
// separator:
//
//	bus := event.NewBus(event.WithLogger(logger))
//
//	bus.Subscribe(event.TypeLeaseTimeout, func(e event.Event) {
//	    timeout := e.(event.LeaseTimeoutEvent)
//	    logger.Warn("lease contention", "document", timeout.Document)
//	})
//
//	// All lease events
//	bus.Subscribe("lease.*", handler)
//
//	// Everything
//	bus.SubscribeAll(handler)
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called
// synchronously on the publishing goroutine and are protected against
// panics; a panicking handler is logged and does not prevent delivery to
// the remaining handlers.
package event
