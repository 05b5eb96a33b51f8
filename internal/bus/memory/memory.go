// Package memory provides an in-process bus.Binding. A Broker stands in for
// the network; each instance gets its own Binding from the same Broker.
package memory

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

const backendName = "memory"

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithSynchronousDelivery makes Publish invoke subscriber handlers inline
// on the publishing goroutine once their Run loop has started. Useful for
// deterministic tests.
func WithSynchronousDelivery() BrokerOption {
	return func(b *Broker) {
		b.synchronous = true
	}
}

// WithLogger sets the logger used for handler panics.
func WithLogger(l *logging.Logger) BrokerOption {
	return func(b *Broker) {
		if l != nil {
			b.logger = l.WithComponent("bus.memory")
		}
	}
}

// Broker routes messages between Bindings.
type Broker struct {
	mu          sync.RWMutex
	bindings    []*Binding
	published   []bus.Message
	synchronous bool
	logger      *logging.Logger
}

// NewBroker creates an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewBinding returns a Binding attached to b.
func (b *Broker) NewBinding() *Binding {
	binding := &Binding{
		broker: b,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.bindings = append(b.bindings, binding)
	b.mu.Unlock()
	return binding
}

// Published returns a copy of every message published so far, in order.
func (b *Broker) Published() []bus.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]bus.Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns published messages whose topic equals topic.
func (b *Broker) PublishedTo(topic string) []bus.Message {
	var out []bus.Message
	for _, m := range b.Published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets the publish history.
func (b *Broker) Reset() {
	b.mu.Lock()
	b.published = nil
	b.mu.Unlock()
}

func (b *Broker) route(msg bus.Message) {
	b.mu.Lock()
	b.published = append(b.published, msg)
	targets := make([]*Binding, len(b.bindings))
	copy(targets, b.bindings)
	b.mu.Unlock()

	for _, binding := range targets {
		if binding.matches(msg.Topic) {
			binding.enqueue(msg)
		}
	}
}

func (b *Broker) detach(binding *Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, candidate := range b.bindings {
		if candidate == binding {
			b.bindings = append(b.bindings[:i:i], b.bindings[i+1:]...)
			return
		}
	}
}

// Binding is one instance's connection to a Broker.
type Binding struct {
	broker *Broker

	mu         sync.Mutex
	producer   bool
	consumer   bool
	closed     bool
	matchers   []glob.Glob
	queue      []bus.Message
	handler    bus.Handler
	connectErr error
	publishErr error

	notify chan struct{}
	done   chan struct{}
}

var _ bus.Binding = (*Binding)(nil)

// FailConnect makes subsequent Connect calls return err (nil clears).
func (b *Binding) FailConnect(err error) {
	b.mu.Lock()
	b.connectErr = err
	b.mu.Unlock()
}

// FailPublish makes subsequent Publish calls return err (nil clears).
func (b *Binding) FailPublish(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// ConnectProducer implements bus.Binding.
func (b *Binding) ConnectProducer(ctx context.Context) error {
	return b.connect(func() { b.producer = true })
}

// ConnectConsumer implements bus.Binding.
func (b *Binding) ConnectConsumer(ctx context.Context, groupID string) error {
	return b.connect(func() { b.consumer = true })
}

func (b *Binding) connect(mark func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.NewBusError("connect", errors.ErrClosed).WithBackend(backendName).WithRetryable(false)
	}
	if b.connectErr != nil {
		return errors.NewBusError("connect", errors.Join(errors.ErrBusUnreachable, b.connectErr)).WithBackend(backendName)
	}
	mark()
	return nil
}

// Publish implements bus.Binding.
func (b *Binding) Publish(ctx context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	producer, closed, failure := b.producer, b.closed, b.publishErr
	b.mu.Unlock()

	switch {
	case closed:
		return errors.NewBusError("publish", errors.ErrClosed).WithBackend(backendName).WithTopic(topic).
			WithRetryable(false).WithSeverity(errors.SeverityInfo)
	case !producer:
		return errors.NewBusError("publish", errors.ErrNotConnected).WithBackend(backendName).WithTopic(topic)
	case failure != nil:
		return errors.NewBusError("publish", failure).WithBackend(backendName).WithTopic(topic)
	}
	if err := ctx.Err(); err != nil {
		return errors.NewBusError("publish", err).WithBackend(backendName).WithTopic(topic)
	}

	data := make([]byte, len(payload))
	copy(data, payload)
	b.broker.route(bus.Message{Topic: topic, Key: key, Payload: data})
	return nil
}

// Subscribe implements bus.Binding.
func (b *Binding) Subscribe(ctx context.Context, subs ...bus.Subscription) error {
	matchers := make([]glob.Glob, 0, len(subs))
	for _, s := range bus.Dedup(subs) {
		g, err := s.CompileGlob()
		if err != nil {
			return errors.NewBusError("subscribe", err).WithBackend(backendName).WithTopic(s.Topic).WithRetryable(false)
		}
		matchers = append(matchers, g)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.consumer {
		return errors.NewBusError("subscribe", errors.ErrNotConnected).WithBackend(backendName)
	}
	b.matchers = append(b.matchers, matchers...)
	return nil
}

func (b *Binding) matches(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	for _, m := range b.matchers {
		if m.Match(topic) {
			return true
		}
	}
	return false
}

func (b *Binding) enqueue(msg bus.Message) {
	b.mu.Lock()
	if b.broker.synchronous && b.handler != nil {
		h := b.handler
		b.mu.Unlock()
		b.dispatch(context.Background(), h, msg)
		return
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Run implements bus.Binding. Messages are handled one at a time in
// arrival order.
func (b *Binding) Run(ctx context.Context, h bus.Handler) error {
	b.mu.Lock()
	if !b.consumer {
		b.mu.Unlock()
		return errors.NewBusError("run", errors.ErrNotConnected).WithBackend(backendName)
	}
	b.handler = h
	b.mu.Unlock()

	for {
		for {
			msg, ok := b.next()
			if !ok {
				break
			}
			b.dispatch(ctx, h, msg)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case <-b.notify:
		}
	}
}

func (b *Binding) next() (bus.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.queue) == 0 {
		return bus.Message{}, false
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return msg, true
}

func (b *Binding) dispatch(ctx context.Context, h bus.Handler, msg bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.broker.logger.Error("bus handler panicked",
				"topic", msg.Topic,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	h(ctx, msg)
}

// Pending returns the number of queued, undelivered messages.
func (b *Binding) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Disconnect implements bus.Binding.
func (b *Binding) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	b.handler = nil
	close(b.done)
	b.mu.Unlock()

	b.broker.detach(b)
	return nil
}
