// Package replication moves document traffic between the local document
// host and the bus.
//
// Inbound, a [Router] classifies every bus message: lock-topic messages go
// to the lease manager, per-document messages are unwrapped, filtered for
// self-origin, re-headed with the topic's document name and applied to the
// loaded document under the bus origin. Replies the host produces are
// published back on the same topic.
//
// Outbound, a [Publisher] wraps host events (load, local change, presence,
// stateless broadcast) in identity envelopes on the per-document topic.
//
// Two rules keep replication from looping: an instance drops envelopes
// carrying its own identity, and changes applied under the bus origin are
// never published again.
package replication

import (
	"github.com/Iron-Ham/docmesh/internal/bus"
)

// Config identifies this instance on the bus.
type Config struct {
	Identity string
	Prefix   string
}

// LockTopic returns the lease control topic for c.Prefix.
func (c Config) LockTopic() string {
	return bus.LockTopic(c.Prefix)
}

// DocumentTopic returns the topic for documentName.
func (c Config) DocumentTopic(documentName string) string {
	return bus.DocumentTopic(c.Prefix, documentName)
}

// Subscriptions returns what an instance consumes: every per-document topic
// through one prefix subscription, and the lock topic. The lock topic
// shares the prefix; Dedup in the bindings keeps it from arriving twice.
func (c Config) Subscriptions() []bus.Subscription {
	return []bus.Subscription{
		bus.PrefixOf(c.Prefix + "."),
		bus.Exact(c.LockTopic()),
	}
}
