package coordinator

import (
	"github.com/Iron-Ham/docmesh/internal/event"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

// coordinatorConfig holds optional configuration for a Coordinator.
type coordinatorConfig struct {
	bus    *event.Bus
	logger *logging.Logger
}

// Option configures a Coordinator.
type Option func(*coordinatorConfig)

// WithEventBus publishes lease, replication and lifecycle events to bus.
func WithEventBus(bus *event.Bus) Option {
	return func(c *coordinatorConfig) { c.bus = bus }
}

// WithLogger sets the logger. Child loggers carry the instance identity.
func WithLogger(l *logging.Logger) Option {
	return func(c *coordinatorConfig) { c.logger = l }
}
