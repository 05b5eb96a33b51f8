package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "lease.acquired", "replication.dropped")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type names.
const (
	TypeLeaseAcquired  = "lease.acquired"
	TypeLeaseRefreshed = "lease.refreshed"
	TypeLeaseTimeout   = "lease.timeout"
	TypeLeaseReleased  = "lease.released"
	TypeLeaseObserved  = "lease.observed"

	TypeMessageReceived  = "replication.received"
	TypeMessageDropped   = "replication.dropped"
	TypeMessagePublished = "replication.published"

	TypeUnloadChecked = "lifecycle.unloaded"
	TypeStoreSettled  = "lifecycle.store_settled"

	TypeDocumentLoaded   = "document.loaded"
	TypeDocumentStored   = "document.stored"
	TypeDocumentUnloaded = "document.unloaded"
	TypeConnectionOpened = "connection.opened"
	TypeConnectionClosed = "connection.closed"
)

// -----------------------------------------------------------------------------
// Lease Events
// -----------------------------------------------------------------------------

// LeaseAcquiredEvent is emitted when Acquire ends with this instance holding
// the lease, either freshly claimed or refreshed.
type LeaseAcquiredEvent struct {
	baseEvent
	Document  string        // Document name
	Key       string        // Lease key ("{prefix}:{document}")
	Refreshed bool          // True when we already held the lease
	Wait      time.Duration // Time spent in Acquire
}

// NewLeaseAcquiredEvent creates a LeaseAcquiredEvent. The event type is
// "lease.refreshed" when refreshed is true.
func NewLeaseAcquiredEvent(document, key string, refreshed bool, wait time.Duration) LeaseAcquiredEvent {
	eventType := TypeLeaseAcquired
	if refreshed {
		eventType = TypeLeaseRefreshed
	}
	return LeaseAcquiredEvent{
		baseEvent: newBaseEvent(eventType),
		Document:  document,
		Key:       key,
		Refreshed: refreshed,
		Wait:      wait,
	}
}

// LeaseTimeoutEvent is emitted when Acquire gives up without a claim.
type LeaseTimeoutEvent struct {
	baseEvent
	Document string
	Key      string
	Holder   string // Owner observed at the deadline, empty if none
	Wait     time.Duration
}

// NewLeaseTimeoutEvent creates a LeaseTimeoutEvent.
func NewLeaseTimeoutEvent(document, key, holder string, wait time.Duration) LeaseTimeoutEvent {
	return LeaseTimeoutEvent{
		baseEvent: newBaseEvent(TypeLeaseTimeout),
		Document:  document,
		Key:       key,
		Holder:    holder,
		Wait:      wait,
	}
}

// LeaseReleasedEvent is emitted when this instance releases a lease.
type LeaseReleasedEvent struct {
	baseEvent
	Document string
	Key      string
	Owned    bool // Whether the local cache entry was ours and got removed
}

// NewLeaseReleasedEvent creates a LeaseReleasedEvent.
func NewLeaseReleasedEvent(document, key string, owned bool) LeaseReleasedEvent {
	return LeaseReleasedEvent{
		baseEvent: newBaseEvent(TypeLeaseReleased),
		Document:  document,
		Key:       key,
		Owned:     owned,
	}
}

// LeaseObservedEvent is emitted for every control message read from the
// lock topic.
type LeaseObservedEvent struct {
	baseEvent
	Key     string
	Owner   string
	Kind    string // "request" or "release"
	Applied bool   // Whether the message changed the local cache
}

// NewLeaseObservedEvent creates a LeaseObservedEvent.
func NewLeaseObservedEvent(key, owner, kind string, applied bool) LeaseObservedEvent {
	return LeaseObservedEvent{
		baseEvent: newBaseEvent(TypeLeaseObserved),
		Key:       key,
		Owner:     owner,
		Kind:      kind,
		Applied:   applied,
	}
}

// -----------------------------------------------------------------------------
// Replication Events
// -----------------------------------------------------------------------------

// MessageReceivedEvent is emitted when a bus message is delivered to a
// loaded document.
type MessageReceivedEvent struct {
	baseEvent
	Topic    string
	Document string
	Origin   string // Publishing instance identity
	Bytes    int
}

// NewMessageReceivedEvent creates a MessageReceivedEvent.
func NewMessageReceivedEvent(topic, document, origin string, size int) MessageReceivedEvent {
	return MessageReceivedEvent{
		baseEvent: newBaseEvent(TypeMessageReceived),
		Topic:     topic,
		Document:  document,
		Origin:    origin,
		Bytes:     size,
	}
}

// Drop reasons reported by MessageDroppedEvent.
const (
	DropMalformed     = "malformed"
	DropSelfOrigin    = "self_origin"
	DropUnknownTopic  = "unknown_topic"
	DropNotLoaded     = "not_loaded"
	DropHostFailure   = "host_failure"
	DropControlFormat = "control_malformed"
)

// MessageDroppedEvent is emitted when an inbound bus message is discarded.
type MessageDroppedEvent struct {
	baseEvent
	Topic  string
	Reason string // One of the Drop* constants
}

// NewMessageDroppedEvent creates a MessageDroppedEvent.
func NewMessageDroppedEvent(topic, reason string) MessageDroppedEvent {
	return MessageDroppedEvent{
		baseEvent: newBaseEvent(TypeMessageDropped),
		Topic:     topic,
		Reason:    reason,
	}
}

// MessagePublishedEvent is emitted after every outbound publish attempt.
type MessagePublishedEvent struct {
	baseEvent
	Topic    string
	Document string
	Kind     string // "sync", "awareness", "query_awareness", "stateless", "reply", "raw"
	Bytes    int
	Err      error // Non-nil when the publish failed
}

// NewMessagePublishedEvent creates a MessagePublishedEvent.
func NewMessagePublishedEvent(topic, document, kind string, size int, err error) MessagePublishedEvent {
	return MessagePublishedEvent{
		baseEvent: newBaseEvent(TypeMessagePublished),
		Topic:     topic,
		Document:  document,
		Kind:      kind,
		Bytes:     size,
		Err:       err,
	}
}

// -----------------------------------------------------------------------------
// Lifecycle Events
// -----------------------------------------------------------------------------

// UnloadCheckedEvent is emitted when a debounced unload check fires.
type UnloadCheckedEvent struct {
	baseEvent
	Document string
}

// NewUnloadCheckedEvent creates an UnloadCheckedEvent.
func NewUnloadCheckedEvent(document string) UnloadCheckedEvent {
	return UnloadCheckedEvent{
		baseEvent: newBaseEvent(TypeUnloadChecked),
		Document:  document,
	}
}

// StoreSettledEvent is emitted when a store-chain wait returns.
type StoreSettledEvent struct {
	baseEvent
	Document   string
	Superseded bool // A later store released this wait early
	Waited     time.Duration
}

// NewStoreSettledEvent creates a StoreSettledEvent.
func NewStoreSettledEvent(document string, superseded bool, waited time.Duration) StoreSettledEvent {
	return StoreSettledEvent{
		baseEvent:  newBaseEvent(TypeStoreSettled),
		Document:   document,
		Superseded: superseded,
		Waited:     waited,
	}
}

// -----------------------------------------------------------------------------
// Document Host Events
// -----------------------------------------------------------------------------

// DocumentEvent is emitted for document load, store and unload.
type DocumentEvent struct {
	baseEvent
	Document string
	SocketID string        // Set for stores: the triggering connection or "server"
	Duration time.Duration // Set for stores: time spent in store hooks
}

// NewDocumentLoadedEvent creates a "document.loaded" DocumentEvent.
func NewDocumentLoadedEvent(document string) DocumentEvent {
	return DocumentEvent{
		baseEvent: newBaseEvent(TypeDocumentLoaded),
		Document:  document,
	}
}

// NewDocumentStoredEvent creates a "document.stored" DocumentEvent.
func NewDocumentStoredEvent(document, socketID string, d time.Duration) DocumentEvent {
	return DocumentEvent{
		baseEvent: newBaseEvent(TypeDocumentStored),
		Document:  document,
		SocketID:  socketID,
		Duration:  d,
	}
}

// NewDocumentUnloadedEvent creates a "document.unloaded" DocumentEvent.
func NewDocumentUnloadedEvent(document string) DocumentEvent {
	return DocumentEvent{
		baseEvent: newBaseEvent(TypeDocumentUnloaded),
		Document:  document,
	}
}

// ConnectionEvent is emitted when a client connection opens or closes.
type ConnectionEvent struct {
	baseEvent
	Document     string
	ConnectionID string
	Count        int // Connections to the document after the change
}

// NewConnectionEvent creates a ConnectionEvent.
func NewConnectionEvent(document, connectionID string, opened bool, count int) ConnectionEvent {
	eventType := TypeConnectionClosed
	if opened {
		eventType = TypeConnectionOpened
	}
	return ConnectionEvent{
		baseEvent:    newBaseEvent(eventType),
		Document:     document,
		ConnectionID: connectionID,
		Count:        count,
	}
}
