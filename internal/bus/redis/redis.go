// Package redis implements bus.Binding on Redis pub/sub using go-redis.
//
// Redis channels carry no message key, so each published value is framed
// as varString(key) followed by the payload.
package redis

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/logging"
	"github.com/Iron-Ham/docmesh/internal/protocol"
)

const backendName = "redis"

// Config configures a Binding.
type Config struct {
	Addr        string
	Password    string
	DB          int
	ClientName  string
	DialTimeout time.Duration
}

// Binding is a bus.Binding backed by a single go-redis client. Publishing
// and the subscription share the client's pool.
type Binding struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	client   *goredis.Client
	pubsub   *goredis.PubSub
	subs     []bus.Subscription
	producer bool
	closed   bool
}

var _ bus.Binding = (*Binding)(nil)

// New creates an unconnected Binding.
func New(cfg Config, logger *logging.Logger) *Binding {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Binding{
		cfg:    cfg,
		logger: logger.WithComponent("bus.redis"),
	}
}

// clientLocked returns the shared client, creating and pinging it on first
// use. Caller holds b.mu.
func (b *Binding) clientLocked(ctx context.Context, op string) (*goredis.Client, error) {
	if b.closed {
		return nil, errors.NewBusError(op, errors.ErrClosed).WithBackend(backendName).
			WithRetryable(false).WithSeverity(errors.SeverityInfo)
	}
	if b.client != nil {
		return b.client, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        b.cfg.Addr,
		Password:    b.cfg.Password,
		DB:          b.cfg.DB,
		ClientName:  b.cfg.ClientName,
		DialTimeout: b.cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.NewBusError(op, errors.Join(errors.ErrBusUnreachable, err)).WithBackend(backendName)
	}
	b.client = client
	return client, nil
}

// ConnectProducer implements bus.Binding.
func (b *Binding) ConnectProducer(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.clientLocked(ctx, "connect producer"); err != nil {
		return err
	}
	b.producer = true
	return nil
}

// ConnectConsumer implements bus.Binding. Redis pub/sub has no consumer
// groups; every subscriber receives every message, which is the semantics
// the per-instance group asks for.
func (b *Binding) ConnectConsumer(ctx context.Context, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	client, err := b.clientLocked(ctx, "connect consumer")
	if err != nil {
		return err
	}
	if b.pubsub == nil {
		b.pubsub = client.Subscribe(ctx)
	}
	return nil
}

// Publish implements bus.Binding.
func (b *Binding) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	client, producer := b.client, b.producer
	b.mu.Unlock()
	if client == nil || !producer {
		return errors.NewBusError("publish", errors.ErrNotConnected).WithBackend(backendName).WithTopic(topic)
	}

	if err := client.Publish(ctx, topic, EncodeFrame(key, payload)).Err(); err != nil {
		return errors.NewBusError("publish", err).WithBackend(backendName).WithTopic(topic)
	}
	return nil
}

// Subscribe implements bus.Binding. Prefix subscriptions use PSUBSCRIBE;
// exact topics already covered by a prefix are skipped so each message is
// delivered once.
func (b *Binding) Subscribe(ctx context.Context, subs ...bus.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return errors.NewBusError("subscribe", errors.ErrNotConnected).WithBackend(backendName)
	}

	all := bus.Dedup(append(append([]bus.Subscription(nil), b.subs...), subs...))
	var channels, patterns []string
	for _, s := range all {
		if containsSub(b.subs, s) {
			continue
		}
		if s.Prefix {
			patterns = append(patterns, s.Glob())
		} else {
			channels = append(channels, s.Topic)
		}
	}

	if len(patterns) > 0 {
		if err := b.pubsub.PSubscribe(ctx, patterns...); err != nil {
			return errors.NewBusError("psubscribe", err).WithBackend(backendName)
		}
	}
	if len(channels) > 0 {
		if err := b.pubsub.Subscribe(ctx, channels...); err != nil {
			return errors.NewBusError("subscribe", err).WithBackend(backendName)
		}
	}

	// Exact channels a new pattern now covers would deliver twice.
	var covered []string
	for _, s := range b.subs {
		if !s.Prefix && !containsSub(all, s) {
			covered = append(covered, s.Topic)
		}
	}
	if len(covered) > 0 {
		if err := b.pubsub.Unsubscribe(ctx, covered...); err != nil {
			b.logger.Warn("unsubscribe covered channels failed", "channels", covered, "error", err)
		}
	}
	b.subs = all
	return nil
}

func containsSub(subs []bus.Subscription, s bus.Subscription) bool {
	for _, existing := range subs {
		if existing == s {
			return true
		}
	}
	return false
}

// Run implements bus.Binding.
func (b *Binding) Run(ctx context.Context, h bus.Handler) error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.mu.Unlock()
	if pubsub == nil {
		return errors.NewBusError("run", errors.ErrNotConnected).WithBackend(backendName)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			key, payload, err := DecodeFrame([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping unframed message", "topic", msg.Channel, "error", err)
				continue
			}
			h(ctx, bus.Message{Topic: msg.Channel, Key: key, Payload: payload})
		}
	}
}

// Disconnect implements bus.Binding.
func (b *Binding) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	client, pubsub := b.client, b.pubsub
	b.client, b.pubsub = nil, nil
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.NewBusError("disconnect", errors.Join(errs...)).WithBackend(backendName).WithRetryable(false)
	}
	return nil
}

// EncodeFrame prefixes payload with the var-string key.
func EncodeFrame(key string, payload []byte) []byte {
	return protocol.NewWriter(len(key) + len(payload) + 2).
		WriteVarString(key).
		WriteRaw(payload).
		Bytes()
}

// DecodeFrame reverses EncodeFrame.
func DecodeFrame(frame []byte) (string, []byte, error) {
	r := protocol.NewReader(frame)
	key, err := r.ReadVarString()
	if err != nil {
		return "", nil, err
	}
	return key, r.Remaining(), nil
}
