package replication

import (
	"context"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/envelope"
	"github.com/Iron-Ham/docmesh/internal/event"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/protocol"
)

// Message kinds reported in replication.published events.
const (
	KindSync           = "sync"
	KindQueryAwareness = "query_awareness"
	KindAwareness      = "awareness"
	KindStateless      = "stateless"
	KindRaw            = "raw"
)

// Publisher publishes local document traffic on per-document topics. Every
// payload is enveloped with the instance identity and keyed by document
// name.
//
// Publish errors are returned, not retried: the next triggering event
// publishes fresher state anyway.
type Publisher struct {
	pub bus.Publisher
	cfg Config
	options
}

// NewPublisher creates a Publisher.
func NewPublisher(pub bus.Publisher, cfg Config, opts ...Option) *Publisher {
	o := buildOptions(opts)
	o.logger = o.logger.WithComponent("publisher")
	return &Publisher{pub: pub, cfg: cfg, options: o}
}

// PublishFirstSyncStep announces doc's full current state.
func (p *Publisher) PublishFirstSyncStep(ctx context.Context, doc host.Document) error {
	name := doc.Name()
	return p.publish(ctx, name, KindSync, protocol.FirstSyncStep(name, doc.EncodeState()))
}

// QueryAwareness asks peers for their presence states of documentName.
func (p *Publisher) QueryAwareness(ctx context.Context, documentName string) error {
	return p.publish(ctx, documentName, KindQueryAwareness, protocol.QueryAwareness(documentName))
}

// PublishAwareness publishes the states of every client in added, updated
// and removed. Each client appears once, in first-seen order. Nothing is
// published when all three are empty.
func (p *Publisher) PublishAwareness(ctx context.Context, documentName string, aw host.Awareness, added, updated, removed []uint64) error {
	clients := ChangedClients(added, updated, removed)
	if len(clients) == 0 {
		return nil
	}
	return p.publish(ctx, documentName, KindAwareness, protocol.AwarenessUpdate(documentName, aw.EncodeUpdate(clients)))
}

// PublishStateless relays a stateless broadcast to peer instances.
func (p *Publisher) PublishStateless(ctx context.Context, documentName, payload string) error {
	return p.publish(ctx, documentName, KindStateless, protocol.BroadcastStateless(documentName, payload))
}

// PublishRaw publishes an already framed message.
func (p *Publisher) PublishRaw(ctx context.Context, documentName string, message []byte) error {
	return p.publish(ctx, documentName, KindRaw, message)
}

func (p *Publisher) publish(ctx context.Context, documentName, kind string, message []byte) error {
	topic := p.cfg.DocumentTopic(documentName)
	frame, err := envelope.Encode(p.cfg.Identity, message)
	if err == nil {
		err = p.pub.Publish(ctx, topic, documentName, frame)
	}
	p.emit(event.NewMessagePublishedEvent(topic, documentName, kind, len(message), err))
	if err != nil {
		p.logger.Debug("publish failed", "topic", topic, "kind", kind, "error", err)
	}
	return err
}

// ChangedClients returns the union of the given client lists, each client
// once, in first-seen order.
func ChangedClients(lists ...[]uint64) []uint64 {
	var out []uint64
	seen := make(map[uint64]struct{})
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
