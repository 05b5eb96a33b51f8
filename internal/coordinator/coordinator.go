// Package coordinator plugs cross-instance replication into a document
// host.
//
// A [Coordinator] is a host extension. It owns the bus binding, the lease
// manager, the lifecycle debouncer and the replication router of one
// server process, and drives them from the host's lifecycle hooks:
//
//   - OnConfigure connects the binding and starts consuming
//   - AfterLoadDocument announces the new replica and asks peers for presence
//   - OnStoreDocument / AfterStoreDocument take and release the persistence lease
//   - OnChange, OnAwarenessUpdate and BeforeBroadcastStateless publish local traffic
//   - OnDisconnect debounces unloading idle documents
//   - OnDestroy tears everything down
//
// Publish failures inside hooks are logged and swallowed; the next event
// publishes fresher state.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/envelope"
	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/event"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/lease"
	"github.com/Iron-Ham/docmesh/internal/lifecycle"
	"github.com/Iron-Ham/docmesh/internal/logging"
	"github.com/Iron-Ham/docmesh/internal/replication"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultPrefix          = "hocuspocus"
	DefaultGroupIDBase     = "hocuspocus"
	DefaultDisconnectDelay = time.Second
	DefaultLockTimeout     = lease.DefaultTTL
)

// Config holds the replication settings of one instance.
type Config struct {
	// Identifier is this instance's identity on the bus and its lease owner
	// token. Empty generates "host-<uuid>".
	Identifier string
	// Prefix namespaces topics ("{Prefix}.{document}") and lease keys.
	Prefix string
	// GroupIDBase is combined with Identifier into the consumer group.
	GroupIDBase string
	// DisconnectDelay debounces unloads and server-initiated store bursts.
	DisconnectDelay time.Duration
	// LockTimeout is both the lease lifetime and the Acquire deadline.
	LockTimeout time.Duration
	// LockPollInterval is the Acquire re-check interval.
	LockPollInterval time.Duration
}

// GroupID returns the consumer group "{GroupIDBase}-{Identifier}".
func (c Config) GroupID() string {
	return c.GroupIDBase + "-" + c.Identifier
}

func (c Config) withDefaults() Config {
	if c.Identifier == "" {
		c.Identifier = "host-" + uuid.NewString()
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.GroupIDBase == "" {
		c.GroupIDBase = DefaultGroupIDBase
	}
	if c.DisconnectDelay <= 0 {
		c.DisconnectDelay = DefaultDisconnectDelay
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = lease.DefaultPollInterval
	}
	return c
}

// Coordinator implements host.Hooks for cross-instance replication.
type Coordinator struct {
	host.NopHooks

	cfg     Config
	binding bus.Binding
	bus     *event.Bus
	logger  *logging.Logger

	lease     *lease.Manager
	debouncer *lifecycle.Debouncer
	publisher *replication.Publisher
	repl      replication.Config

	mu         sync.Mutex
	host       host.Host
	configured bool
	destroyed  bool
	cancel     context.CancelFunc
	runDone    chan struct{}
}

var _ host.Hooks = (*Coordinator)(nil)

// New creates a Coordinator that replicates over binding. The binding is
// connected in OnConfigure.
func New(cfg Config, binding bus.Binding, opts ...Option) (*Coordinator, error) {
	if binding == nil {
		return nil, errors.New("coordinator: binding is required")
	}
	cfg = cfg.withDefaults()
	if len(cfg.Identifier) > envelope.MaxIdentityLen {
		return nil, errors.NewValidationError(fmt.Sprintf("identifier is %d bytes, limit is %d", len(cfg.Identifier), envelope.MaxIdentityLen)).
			WithField("identifier")
	}

	cc := &coordinatorConfig{}
	for _, opt := range opts {
		opt(cc)
	}
	logger := cc.logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.WithInstance(cfg.Identifier)

	repl := replication.Config{Identity: cfg.Identifier, Prefix: cfg.Prefix}
	c := &Coordinator{
		cfg:     cfg,
		binding: binding,
		bus:     cc.bus,
		logger:  logger.WithComponent("coordinator"),
		repl:    repl,
	}
	c.lease = lease.NewManager(binding, lease.Config{
		Identity:     cfg.Identifier,
		Prefix:       cfg.Prefix,
		LockTopic:    repl.LockTopic(),
		TTL:          cfg.LockTimeout,
		PollInterval: cfg.LockPollInterval,
	}, lease.WithEventBus(cc.bus), lease.WithLogger(logger))
	c.debouncer = lifecycle.NewDebouncer(cfg.DisconnectDelay,
		lifecycle.WithEventBus(cc.bus), lifecycle.WithLogger(logger))
	c.publisher = replication.NewPublisher(binding, repl,
		replication.WithEventBus(cc.bus), replication.WithLogger(logger))
	return c, nil
}

// Config returns the effective configuration, defaults applied.
func (c *Coordinator) Config() Config { return c.cfg }

// Identifier returns this instance's bus identity.
func (c *Coordinator) Identifier() string { return c.cfg.Identifier }

// Lease returns the lease manager.
func (c *Coordinator) Lease() *lease.Manager { return c.lease }

// Debouncer returns the lifecycle debouncer.
func (c *Coordinator) Debouncer() *lifecycle.Debouncer { return c.debouncer }

// OnConfigure connects the binding, subscribes to the prefix and lock
// topics and starts the consume loop. A connectivity failure is returned
// and is fatal to startup.
func (c *Coordinator) OnConfigure(ctx context.Context, p *host.ConfigurePayload) error {
	if p == nil || p.Host == nil {
		return errors.New("coordinator: host is required")
	}

	c.mu.Lock()
	if c.configured {
		c.mu.Unlock()
		return errors.New("coordinator: already configured")
	}
	if c.destroyed {
		c.mu.Unlock()
		return errors.New("coordinator: destroyed")
	}
	c.configured = true
	c.host = p.Host
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		_ = c.binding.Disconnect(context.WithoutCancel(ctx))
		return err
	}

	router := replication.NewRouter(c.binding, p.Host, c.repl, c.lease,
		replication.WithEventBus(c.bus), replication.WithLogger(c.logger))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.runDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		if err := c.binding.Run(runCtx, router.Handle); err != nil {
			c.logger.Error("bus consume loop stopped", "error", err)
		}
	}()

	c.logger.Info("replication started",
		"prefix", c.cfg.Prefix,
		"group_id", c.cfg.GroupID())
	return nil
}

func (c *Coordinator) connect(ctx context.Context) error {
	if err := c.binding.ConnectProducer(ctx); err != nil {
		return fmt.Errorf("connect producer: %w", err)
	}
	if err := c.binding.ConnectConsumer(ctx, c.cfg.GroupID()); err != nil {
		return fmt.Errorf("connect consumer: %w", err)
	}
	if err := c.binding.Subscribe(ctx, c.repl.Subscriptions()...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// AfterLoadDocument publishes the new replica's state and asks peers for
// their presence states.
func (c *Coordinator) AfterLoadDocument(ctx context.Context, p *host.LoadPayload) error {
	if err := c.publisher.PublishFirstSyncStep(ctx, p.Document); err != nil {
		c.logPublishError("first sync step", p.DocumentName, err)
	}
	if err := c.publisher.QueryAwareness(ctx, p.DocumentName); err != nil {
		c.logPublishError("awareness query", p.DocumentName, err)
	}
	return nil
}

// OnStoreDocument takes the persistence lease. Contention is not an error;
// the store proceeds regardless.
func (c *Coordinator) OnStoreDocument(ctx context.Context, p *host.StorePayload) error {
	outcome, err := c.lease.Acquire(ctx, p.DocumentName)
	if err != nil {
		c.logger.Debug("lease wait interrupted", "document", p.DocumentName, "error", err)
		return nil
	}
	if outcome == lease.TimedOut {
		c.logger.Info("storing without lease", "document", p.DocumentName)
	}
	return nil
}

// AfterStoreDocument releases the lease. For server-initiated stores it
// then waits for the store burst to settle before the host's follow-up
// unload decision runs.
func (c *Coordinator) AfterStoreDocument(ctx context.Context, p *host.StorePayload) error {
	if err := c.lease.Release(ctx, p.DocumentName); err != nil {
		c.logPublishError("lock release", p.DocumentName, err)
	}
	if p.SocketID == host.SocketIDServer {
		c.debouncer.AwaitStoreSettled(ctx, p.DocumentName)
	}
	return nil
}

// OnChange publishes locally originated changes. Changes applied from the
// bus are never published again.
func (c *Coordinator) OnChange(ctx context.Context, p *host.ChangePayload) error {
	if p.TransactionOrigin == host.OriginBus {
		return nil
	}
	if err := c.publisher.PublishFirstSyncStep(ctx, p.Document); err != nil {
		c.logPublishError("first sync step", p.DocumentName, err)
	}
	return nil
}

// OnAwarenessUpdate publishes local presence changes.
func (c *Coordinator) OnAwarenessUpdate(ctx context.Context, p *host.AwarenessPayload) error {
	if p.Awareness == nil {
		return nil
	}
	if err := c.publisher.PublishAwareness(ctx, p.DocumentName, p.Awareness, p.Added, p.Updated, p.Removed); err != nil {
		c.logPublishError("awareness update", p.DocumentName, err)
	}
	return nil
}

// OnDisconnect schedules an unload check for the document. Repeated
// disconnects inside the delay collapse into one check.
func (c *Coordinator) OnDisconnect(ctx context.Context, p *host.ConnectionPayload) error {
	c.mu.Lock()
	h := c.host
	c.mu.Unlock()
	if h == nil {
		return nil
	}

	name := p.DocumentName
	c.debouncer.ScheduleUnload(name, func() {
		if lifecycle.UnloadIfIdle(context.Background(), h, name) {
			c.logger.Debug("unloaded idle document", "document", name)
		}
	})
	return nil
}

// BeforeBroadcastStateless relays the broadcast to peer instances.
func (c *Coordinator) BeforeBroadcastStateless(ctx context.Context, p *host.StatelessPayload) error {
	if err := c.publisher.PublishStateless(ctx, p.DocumentName, p.Payload); err != nil {
		c.logPublishError("stateless broadcast", p.DocumentName, err)
	}
	return nil
}

// OnDestroy stops timers, ends the consume loop and disconnects the
// binding. Disconnect errors are swallowed. It is idempotent.
func (c *Coordinator) OnDestroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	cancel, done := c.cancel, c.runDone
	c.mu.Unlock()

	c.debouncer.Stop()
	if cancel != nil {
		cancel()
	}
	if err := c.binding.Disconnect(ctx); err != nil {
		c.logger.Debug("bus disconnect failed", "error", err)
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	c.logger.Info("replication stopped")
	return nil
}

func (c *Coordinator) logPublishError(what, documentName string, err error) {
	args := []any{
		"what", what,
		"document", documentName,
		"retryable", errors.IsRetryable(err),
		"error", err,
	}
	switch publishFailureLevel(err) {
	case slog.LevelDebug:
		c.logger.Debug("publish failed", args...)
	case slog.LevelError:
		c.logger.Error("publish failed", args...)
	default:
		c.logger.Warn("publish failed", args...)
	}
}

// publishFailureLevel maps an error's severity to a log level. Publishing
// on a binding that already closed is routine during teardown.
func publishFailureLevel(err error) slog.Level {
	switch errors.GetSeverity(err) {
	case errors.SeverityDebug, errors.SeverityInfo:
		return slog.LevelDebug
	case errors.SeverityCritical:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
