package replication

import (
	"context"
	"runtime/debug"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/envelope"
	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/event"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/logging"
	"github.com/Iron-Ham/docmesh/internal/protocol"
)

// ControlHandler consumes lock-topic messages.
type ControlHandler interface {
	HandleControl(key string, payload []byte) error
}

// Option configures a Router or Publisher.
type Option func(*options)

type options struct {
	bus    *event.Bus
	logger *logging.Logger
}

// WithEventBus publishes replication events to bus.
func WithEventBus(bus *event.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) emit(e event.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

// Router applies inbound bus messages to the local host.
type Router struct {
	pub     *Publisher
	host    host.Host
	control ControlHandler
	cfg     Config
	options
}

// NewRouter creates a Router. Replies are published through pub under
// cfg.Identity; lock-topic traffic goes to control.
func NewRouter(pub bus.Publisher, h host.Host, cfg Config, control ControlHandler, opts ...Option) *Router {
	o := buildOptions(opts)
	return &Router{
		pub:     NewPublisher(pub, cfg, opts...),
		host:    h,
		control: control,
		cfg:     cfg,
		options: options{bus: o.bus, logger: o.logger.WithComponent("router")},
	}
}

// Handle processes one bus message. It never panics and never returns an
// error: a message that cannot be applied is logged and dropped.
func (r *Router) Handle(ctx context.Context, msg bus.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handling panicked",
				"topic", msg.Topic,
				"panic", rec,
				"stack", string(debug.Stack()))
			r.emit(event.NewMessageDroppedEvent(msg.Topic, event.DropHostFailure))
		}
	}()

	if msg.Topic == r.cfg.LockTopic() {
		if r.control != nil {
			_ = r.control.HandleControl(msg.Key, msg.Payload)
		}
		return
	}

	if envelope.IsFrom(msg.Payload, r.cfg.Identity) {
		r.emit(event.NewMessageDroppedEvent(msg.Topic, event.DropSelfOrigin))
		return
	}
	origin, payload, err := envelope.Decode(msg.Payload)
	if err != nil {
		r.drop(msg.Topic, event.DropMalformed, "error", err)
		return
	}

	name, ok := bus.DocumentName(r.cfg.Prefix, msg.Topic)
	if !ok || name == "" {
		r.drop(msg.Topic, event.DropUnknownTopic, "error", errors.ErrUnknownTopic)
		return
	}

	doc, ok := r.host.Document(name)
	if !ok {
		// Replication never loads documents.
		r.emit(event.NewMessageDroppedEvent(msg.Topic, event.DropNotLoaded))
		return
	}

	framed := protocol.Reframe(name, payload)
	r.emit(event.NewMessageReceivedEvent(msg.Topic, name, origin, len(payload)))

	var replies [][]byte
	err = r.host.Receive(ctx, doc, framed, host.OriginBus, func(reply []byte) {
		replies = append(replies, reply)
	})
	if err != nil {
		r.drop(msg.Topic, event.DropHostFailure, "document", name, "origin", origin, "error", err)
	}

	// Replies are published after Receive returns so the host holds no
	// document state while the bus delivers.
	for _, reply := range replies {
		if err := r.pub.PublishRaw(ctx, name, reply); err != nil {
			r.logger.Warn("reply not published", "document", name, "error", err)
		}
	}
}

func (r *Router) drop(topic, reason string, attrs ...any) {
	r.logger.Warn("dropping bus message", append([]any{"topic", topic, "reason", reason}, attrs...)...)
	r.emit(event.NewMessageDroppedEvent(topic, reason))
}
