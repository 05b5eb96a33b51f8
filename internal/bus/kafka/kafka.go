// Package kafka implements bus.Binding on a Kafka-compatible log broker
// using franz-go.
package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

const backendName = "kafka"

// Config configures a Binding.
type Config struct {
	Brokers     []string
	ClientID    string        // Usually the instance identity
	DialTimeout time.Duration // Bounds the connectivity check in Connect*
}

// Binding is a bus.Binding backed by two franz-go clients: one producing,
// one consuming in a per-instance consumer group.
type Binding struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	producer *kgo.Client
	consumer *kgo.Client
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
		logger: logger.WithComponent("bus.kafka"),
	}
}

func (b *Binding) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.DialTimeout(b.cfg.DialTimeout),
		kgo.WithLogger(kgoLogger{b.logger}),
	}
	if b.cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(b.cfg.ClientID))
	}
	return opts
}

// consumerOpts returns the options for a consumer in groupID. Consumption
// starts at the end of each partition: a fresh instance has nothing to
// replay.
func (b *Binding) consumerOpts(groupID string) []kgo.Opt {
	return append(b.baseOpts(),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeRegex(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
}

// ConnectProducer implements bus.Binding.
func (b *Binding) ConnectProducer(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.NewBusError("connect producer", errors.ErrClosed).WithBackend(backendName).WithRetryable(false)
	}
	if b.producer != nil {
		return nil
	}

	client, err := b.dial(ctx, "connect producer", append(b.baseOpts(), kgo.AllowAutoTopicCreation()))
	if err != nil {
		return err
	}
	b.producer = client
	return nil
}

// ConnectConsumer implements bus.Binding.
func (b *Binding) ConnectConsumer(ctx context.Context, groupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.NewBusError("connect consumer", errors.ErrClosed).WithBackend(backendName).WithRetryable(false)
	}
	if b.consumer != nil {
		return nil
	}

	client, err := b.dial(ctx, "connect consumer", b.consumerOpts(groupID))
	if err != nil {
		return err
	}
	b.consumer = client
	return nil
}

func (b *Binding) dial(ctx context.Context, op string, opts []kgo.Opt) (*kgo.Client, error) {
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.NewBusError(op, err).WithBackend(backendName).WithRetryable(false)
	}

	pingCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, errors.NewBusError(op, errors.Join(errors.ErrBusUnreachable, err)).WithBackend(backendName)
	}
	return client, nil
}

// Publish implements bus.Binding. It waits for the broker acknowledgement.
func (b *Binding) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	client := b.producer
	b.mu.Unlock()
	if client == nil {
		return errors.NewBusError("publish", errors.ErrNotConnected).WithBackend(backendName).WithTopic(topic)
	}

	record := &kgo.Record{Topic: topic, Value: payload}
	if key != "" {
		record.Key = []byte(key)
	}
	if err := client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.NewBusError("publish", err).WithBackend(backendName).WithTopic(topic)
	}
	return nil
}

// Subscribe implements bus.Binding.
func (b *Binding) Subscribe(ctx context.Context, subs ...bus.Subscription) error {
	b.mu.Lock()
	client := b.consumer
	b.mu.Unlock()
	if client == nil {
		return errors.NewBusError("subscribe", errors.ErrNotConnected).WithBackend(backendName)
	}
	client.AddConsumeTopics(TopicPatterns(subs)...)
	return nil
}

// TopicPatterns converts subscriptions to the anchored regular expressions
// franz-go matches topics against in regex mode.
func TopicPatterns(subs []bus.Subscription) []string {
	deduped := bus.Dedup(subs)
	patterns := make([]string, 0, len(deduped))
	for _, s := range deduped {
		patterns = append(patterns, s.Regexp())
	}
	return patterns
}

// Run implements bus.Binding. Fetch errors are logged and polling
// continues; the client retries internally.
func (b *Binding) Run(ctx context.Context, h bus.Handler) error {
	b.mu.Lock()
	client := b.consumer
	b.mu.Unlock()
	if client == nil {
		return errors.NewBusError("run", errors.ErrNotConnected).WithBackend(backendName)
	}

	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Warn("fetch failed", "topic", topic, "partition", partition, "error", err)
		})

		fetches.EachRecord(func(r *kgo.Record) {
			h(ctx, bus.Message{Topic: r.Topic, Key: string(r.Key), Payload: r.Value})
		})
	}
}

// Disconnect implements bus.Binding. The consumer leaves its group and
// commits marked offsets before closing.
func (b *Binding) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	producer, consumer := b.producer, b.consumer
	b.producer, b.consumer = nil, nil
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if consumer != nil {
		if err := consumer.CommitUncommittedOffsets(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		consumer.Close()
	}
	if producer != nil {
		if err := producer.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		producer.Close()
	}
	if len(errs) > 0 {
		return errors.NewBusError("disconnect", errors.Join(errs...)).WithBackend(backendName).WithRetryable(false)
	}
	return nil
}

// kgoLogger adapts logging.Logger to kgo.Logger. franz-go logs at info
// for routine connection churn, so everything is shifted down one level.
type kgoLogger struct {
	l *logging.Logger
}

func (k kgoLogger) Level() kgo.LogLevel {
	switch k.l.Level() {
	case logging.LevelDebug:
		return kgo.LogLevelInfo
	case logging.LevelInfo, logging.LevelWarn:
		return kgo.LogLevelWarn
	default:
		return kgo.LogLevelError
	}
}

func (k kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		k.l.Error(msg, keyvals...)
	case kgo.LogLevelWarn:
		k.l.Warn(msg, keyvals...)
	case kgo.LogLevelInfo, kgo.LogLevelDebug:
		k.l.Debug(msg, keyvals...)
	}
}
