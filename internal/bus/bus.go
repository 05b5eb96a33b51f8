// Package bus defines the contract between the replication layer and an
// external pub/sub system.
//
// A Binding delivers at-least-once and unordered across topics. Nothing in
// the replication layer depends on cross-topic ordering or exactly-once
// delivery; document merges are idempotent and lease state is
// level-triggered.
package bus

import (
	"context"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Message is one record read from or written to the bus.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
}

// Handler processes one inbound message. Bindings call it from a single
// goroutine per Run loop.
type Handler func(ctx context.Context, msg Message)

// Publisher is the write half of a Binding.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Binding is a connection to an external pub/sub system.
type Binding interface {
	// ConnectProducer prepares the binding for Publish.
	ConnectProducer(ctx context.Context) error
	// ConnectConsumer prepares the binding for Subscribe and Run. groupID
	// is unique per instance so that every instance sees every message.
	ConnectConsumer(ctx context.Context, groupID string) error
	// Publish writes payload to topic. key is used for partitioning where
	// the backend supports it.
	Publish(ctx context.Context, topic, key string, payload []byte) error
	// Subscribe adds topics to consume. Only messages published after the
	// subscription is in effect are delivered.
	Subscribe(ctx context.Context, subs ...Subscription) error
	// Run delivers messages to h until ctx is done or the binding is
	// disconnected. It returns nil on orderly shutdown.
	Run(ctx context.Context, h Handler) error
	// Disconnect releases all backend resources. It is safe to call more
	// than once.
	Disconnect(ctx context.Context) error
}

// Subscription selects topics by exact name or by prefix.
type Subscription struct {
	Topic  string
	Prefix bool
}

// Exact returns a subscription for a single topic.
func Exact(topic string) Subscription {
	return Subscription{Topic: topic}
}

// PrefixOf returns a subscription for every topic starting with prefix.
func PrefixOf(prefix string) Subscription {
	return Subscription{Topic: prefix, Prefix: true}
}

// Matches reports whether topic falls under s.
func (s Subscription) Matches(topic string) bool {
	if s.Prefix {
		return strings.HasPrefix(topic, s.Topic)
	}
	return topic == s.Topic
}

// Glob renders s in glob syntax with every metacharacter of Topic quoted.
// Prefix subscriptions end with '*'. The result is valid both for
// github.com/gobwas/glob and for Redis PSUBSCRIBE.
func (s Subscription) Glob() string {
	quoted := glob.QuoteMeta(s.Topic)
	if s.Prefix {
		return quoted + "*"
	}
	return quoted
}

// Regexp renders s as an anchored RE2 expression.
func (s Subscription) Regexp() string {
	quoted := regexp.QuoteMeta(s.Topic)
	if s.Prefix {
		return "^" + quoted
	}
	return "^" + quoted + "$"
}

// CompileGlob compiles s for topic matching.
func (s Subscription) CompileGlob() (glob.Glob, error) {
	return glob.Compile(s.Glob())
}

// Dedup drops exact subscriptions already covered by a prefix
// subscription, and repeated entries, preserving order.
func Dedup(subs []Subscription) []Subscription {
	out := make([]Subscription, 0, len(subs))
	seen := make(map[Subscription]bool, len(subs))
	for _, s := range subs {
		if seen[s] {
			continue
		}
		covered := false
		if !s.Prefix {
			for _, p := range subs {
				if p.Prefix && p.Matches(s.Topic) {
					covered = true
					break
				}
			}
		}
		if covered {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// DocumentTopic returns the per-document topic "{prefix}.{documentName}".
func DocumentTopic(prefix, documentName string) string {
	return prefix + "." + documentName
}

// LockTopic returns the shared lease control topic "{prefix}.__locks".
func LockTopic(prefix string) string {
	return prefix + ".__locks"
}

// DocumentName extracts the document name from a per-document topic.
func DocumentName(prefix, topic string) (string, bool) {
	p := prefix + "."
	if !strings.HasPrefix(topic, p) {
		return "", false
	}
	return topic[len(p):], true
}
