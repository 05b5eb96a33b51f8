// Package filelog implements bus.Binding over append-only JSONL files in a
// shared directory. It lets several docmesh processes on one machine
// replicate without a broker.
//
// Every topic is a file. Consumers poll the directory, remember a byte
// offset per file, and deliver each newly completed line once.
package filelog

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

const backendName = "file"

// DefaultPollInterval is how often consumers scan the directory.
const DefaultPollInterval = 50 * time.Millisecond

// maxPollErrors is the number of consecutive scan failures before the
// consumer logs at error level.
const maxPollErrors = 5

// Config configures a Binding.
type Config struct {
	Dir          string
	PollInterval time.Duration
}

// Binding is a bus.Binding backed by a Store.
type Binding struct {
	store        *Store
	pollInterval time.Duration
	logger       *logging.Logger

	mu       sync.Mutex
	producer bool
	consumer bool
	closed   bool
	matchers []glob.Glob
	offsets  map[string]int64 // topic -> next unread byte
	done     chan struct{}
}

var _ bus.Binding = (*Binding)(nil)

// New creates an unconnected Binding.
func New(cfg Config, logger *logging.Logger) *Binding {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Binding{
		store:        NewStore(cfg.Dir),
		pollInterval: cfg.PollInterval,
		logger:       logger.WithComponent("bus.file"),
		offsets:      make(map[string]int64),
		done:         make(chan struct{}),
	}
}

func (b *Binding) connect(op string, mark func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.NewBusError(op, errors.ErrClosed).WithBackend(backendName).WithRetryable(false)
	}
	if b.store.Dir() == "" {
		return errors.NewBusError(op, errors.ErrInvalidInput).WithBackend(backendName).WithRetryable(false)
	}
	if err := os.MkdirAll(b.store.Dir(), 0o755); err != nil {
		return errors.NewBusError(op, errors.Join(errors.ErrBusUnreachable, err)).WithBackend(backendName)
	}
	mark()
	return nil
}

// ConnectProducer implements bus.Binding.
func (b *Binding) ConnectProducer(ctx context.Context) error {
	return b.connect("connect producer", func() { b.producer = true })
}

// ConnectConsumer implements bus.Binding. The directory is shared by every
// reader, so groupID is unused.
func (b *Binding) ConnectConsumer(ctx context.Context, groupID string) error {
	return b.connect("connect consumer", func() { b.consumer = true })
}

// Publish implements bus.Binding.
func (b *Binding) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	producer, closed := b.producer, b.closed
	b.mu.Unlock()
	if closed {
		return errors.NewBusError("publish", errors.ErrClosed).WithBackend(backendName).WithTopic(topic).
			WithRetryable(false).WithSeverity(errors.SeverityInfo)
	}
	if !producer {
		return errors.NewBusError("publish", errors.ErrNotConnected).WithBackend(backendName).WithTopic(topic)
	}

	if err := b.store.Append(Record{Topic: topic, Key: key, Payload: payload}); err != nil {
		return errors.NewBusError("publish", err).WithBackend(backendName).WithTopic(topic)
	}
	return nil
}

// Subscribe implements bus.Binding. Logs that already exist are read from
// their current end; history is never replayed.
func (b *Binding) Subscribe(ctx context.Context, subs ...bus.Subscription) error {
	matchers := make([]glob.Glob, 0, len(subs))
	for _, s := range bus.Dedup(subs) {
		g, err := s.CompileGlob()
		if err != nil {
			return errors.NewBusError("subscribe", err).WithBackend(backendName).WithTopic(s.Topic).WithRetryable(false)
		}
		matchers = append(matchers, g)
	}

	topics, err := b.store.Topics()
	if err != nil {
		return errors.NewBusError("subscribe", err).WithBackend(backendName)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.consumer {
		return errors.NewBusError("subscribe", errors.ErrNotConnected).WithBackend(backendName)
	}
	for topic, size := range topics {
		if _, tracked := b.offsets[topic]; !tracked {
			b.offsets[topic] = size
		}
	}
	b.matchers = append(b.matchers, matchers...)
	return nil
}

func (b *Binding) matchesLocked(topic string) bool {
	for _, m := range b.matchers {
		if m.Match(topic) {
			return true
		}
	}
	return false
}

// Run implements bus.Binding.
func (b *Binding) Run(ctx context.Context, h bus.Handler) error {
	b.mu.Lock()
	consumer := b.consumer
	b.mu.Unlock()
	if !consumer {
		return errors.NewBusError("run", errors.ErrNotConnected).WithBackend(backendName)
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case <-ticker.C:
		}

		if err := b.poll(ctx, h); err != nil {
			consecutiveErrors++
			if consecutiveErrors >= maxPollErrors {
				b.logger.Error("log scan failing", "error", err, "attempts", consecutiveErrors)
				consecutiveErrors = 0
			} else {
				b.logger.Debug("log scan failed", "error", err)
			}
			continue
		}
		consecutiveErrors = 0
	}
}

// poll delivers every new record in every subscribed log.
func (b *Binding) poll(ctx context.Context, h bus.Handler) error {
	topics, err := b.store.Topics()
	if err != nil {
		return err
	}

	for topic := range topics {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil
		}
		if !b.matchesLocked(topic) {
			b.mu.Unlock()
			continue
		}
		// Logs created after Subscribe are read from the start.
		offset := b.offsets[topic]
		b.mu.Unlock()

		records, next, err := b.store.ReadFrom(topic, offset)
		if err != nil {
			return err
		}

		b.mu.Lock()
		b.offsets[topic] = next
		b.mu.Unlock()

		for _, rec := range records {
			if ctx.Err() != nil {
				return nil
			}
			h(ctx, bus.Message{Topic: rec.Topic, Key: rec.Key, Payload: rec.Payload})
		}
	}
	return nil
}

// Disconnect implements bus.Binding.
func (b *Binding) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
