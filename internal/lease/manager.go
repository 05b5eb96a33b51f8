package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/event"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

// DefaultPollInterval is how often Acquire re-checks the lease cache.
const DefaultPollInterval = 20 * time.Millisecond

// DefaultTTL bounds both a claim's lifetime and how long Acquire waits.
const DefaultTTL = time.Second

// Publisher is the slice of bus.Binding the Manager needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Config configures a Manager.
type Config struct {
	Identity     string        // Lease owner token for this instance
	Prefix       string        // Key namespace: "{Prefix}:{document}"
	LockTopic    string        // Topic control messages are published on
	TTL          time.Duration // Claim lifetime and Acquire deadline
	PollInterval time.Duration // Acquire re-check interval
}

// Outcome reports how Acquire ended.
type Outcome int

const (
	// TimedOut means the deadline passed while another owner held the lease.
	TimedOut Outcome = iota
	// Acquired means the lease was free (or expired) and is now ours.
	Acquired
	// Refreshed means we already held the lease and extended it.
	Refreshed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Refreshed:
		return "refreshed"
	default:
		return "timed_out"
	}
}

// entry is the last-known holder of one key.
type entry struct {
	owner     string
	expiresAt time.Time
}

func (e entry) live(now time.Time) bool {
	return now.Before(e.expiresAt)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now. Acquire still polls on a real ticker.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEventBus publishes lease events to bus.
func WithEventBus(bus *event.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager keeps this instance's view of document leases and runs the
// request/release protocol on the lock topic. The cache is built only from
// observed control messages and local claims; it is not authoritative
// across the cluster.
type Manager struct {
	pub    Publisher
	cfg    Config
	now    func() time.Time
	bus    *event.Bus
	logger *logging.Logger

	mu     sync.Mutex
	leases map[string]entry // key -> holder
}

// NewManager creates a Manager that publishes control messages through pub.
func NewManager(pub Publisher, cfg Config, opts ...Option) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	m := &Manager{
		pub:    pub,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.NopLogger(),
		leases: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("lease")
	return m
}

// Key returns the lease key for a document.
func (m *Manager) Key(documentName string) string {
	return m.cfg.Prefix + ":" + documentName
}

// Acquire announces a claim on documentName and waits until the local cache
// shows the lease free (claim it), held by us (refresh it), or the TTL
// deadline passes. Contention is not an error: callers proceed either way.
// A non-nil error is only returned when ctx ends first.
func (m *Manager) Acquire(ctx context.Context, documentName string) (Outcome, error) {
	key := m.Key(documentName)
	start := m.now()

	req := LockRequest{
		Key:       key,
		Owner:     m.cfg.Identity,
		RequestID: uuid.NewString(),
		TS:        start.UnixMilli(),
		TTL:       m.cfg.TTL.Milliseconds(),
	}
	if err := m.publish(ctx, key, req); err != nil {
		m.logger.Warn("lock request not published", "key", key, "error", err)
	}

	deadline := start.Add(m.cfg.TTL)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		now := m.now()
		if !now.Before(deadline) {
			return m.timedOut(documentName, key, start), nil
		}

		if outcome, ok := m.tryClaim(key, now); ok {
			m.emit(event.NewLeaseAcquiredEvent(documentName, key, outcome == Refreshed, m.now().Sub(start)))
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			m.timedOut(documentName, key, start)
			return TimedOut, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryClaim claims or refreshes key for this instance if the cache allows.
func (m *Manager) tryClaim(key string, now time.Time) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.leases[key]
	switch {
	case !ok || !existing.live(now):
		m.leases[key] = entry{owner: m.cfg.Identity, expiresAt: now.Add(m.cfg.TTL)}
		return Acquired, true
	case existing.owner == m.cfg.Identity:
		m.leases[key] = entry{owner: m.cfg.Identity, expiresAt: now.Add(m.cfg.TTL)}
		return Refreshed, true
	default:
		return TimedOut, false
	}
}

func (m *Manager) timedOut(documentName, key string, start time.Time) Outcome {
	holder, _, _ := m.holder(key)
	m.logger.Debug("lease contention", "key", key, "holder", holder)
	m.emit(event.NewLeaseTimeoutEvent(documentName, key, holder, m.now().Sub(start)))
	return TimedOut
}

// Release announces that this instance gives up documentName's lease and
// drops the local entry if we still own it. The local entry is dropped even
// when the publish fails; the error is returned for logging.
func (m *Manager) Release(ctx context.Context, documentName string) error {
	key := m.Key(documentName)
	rel := LockRelease{Key: key, Owner: m.cfg.Identity, TS: m.now().UnixMilli()}
	pubErr := m.publish(ctx, key, rel)

	m.mu.Lock()
	existing, ok := m.leases[key]
	owned := ok && existing.owner == m.cfg.Identity
	if owned {
		delete(m.leases, key)
	}
	m.mu.Unlock()

	m.emit(event.NewLeaseReleasedEvent(documentName, key, owned))
	return pubErr
}

// HandleControl applies one message read from the lock topic. key is the
// bus message key; when empty the key inside the message is used.
//
// A request claims the key for its owner only when no live entry exists.
// A release removes the entry only when its owner matches. Malformed
// messages are dropped and reported.
func (m *Manager) HandleControl(key string, payload []byte) error {
	ctl, err := DecodeControl(payload)
	if err != nil {
		m.logger.Warn("dropping malformed control message", "error", err)
		m.emit(event.NewMessageDroppedEvent(m.cfg.LockTopic, event.DropControlFormat))
		return err
	}
	if key == "" {
		key = ctl.LeaseKey()
	}
	if key == "" {
		err := errors.NewCodecError("control", "missing key", errors.ErrMalformedControl)
		m.emit(event.NewMessageDroppedEvent(m.cfg.LockTopic, event.DropControlFormat))
		return err
	}

	now := m.now()
	m.mu.Lock()
	existing, ok := m.leases[key]
	applied := false
	switch c := ctl.(type) {
	case LockRequest:
		if !ok || !existing.live(now) {
			ttl := time.Duration(c.TTL) * time.Millisecond
			if ttl <= 0 {
				ttl = m.cfg.TTL
			}
			m.leases[key] = entry{owner: c.Owner, expiresAt: now.Add(ttl)}
			applied = true
		}
	case LockRelease:
		if ok && existing.owner == c.Owner {
			delete(m.leases, key)
			applied = true
		}
	}
	m.mu.Unlock()

	m.logger.Debug("control message observed",
		"kind", string(ctl.Kind()),
		"key", key,
		"owner", ctl.LeaseOwner(),
		"applied", applied)
	m.emit(event.NewLeaseObservedEvent(key, ctl.LeaseOwner(), string(ctl.Kind()), applied))
	return nil
}

// Holder returns the live holder of documentName's lease as seen by this
// instance. Expired entries report ok=false.
func (m *Manager) Holder(documentName string) (owner string, expiresAt time.Time, ok bool) {
	return m.holder(m.Key(documentName))
}

func (m *Manager) holder(key string) (string, time.Time, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.leases[key]
	if !ok || !e.live(now) {
		return "", time.Time{}, false
	}
	return e.owner, e.expiresAt, true
}

// Len returns the number of cached entries, expired ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

func (m *Manager) publish(ctx context.Context, key string, c Control) error {
	data, err := EncodeControl(c)
	if err != nil {
		return err
	}
	return m.pub.Publish(ctx, m.cfg.LockTopic, key, data)
}

func (m *Manager) emit(e event.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
