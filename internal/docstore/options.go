package docstore

import (
	"time"

	"github.com/Iron-Ham/docmesh/internal/event"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/lifecycle"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

// Store debounce defaults.
const (
	DefaultStoreDebounce    = 2 * time.Second
	DefaultStoreMaxDebounce = 10 * time.Second
)

// maxShutdownFlushes bounds concurrent stores during Close.
const maxShutdownFlushes = 8

// Option configures a Server.
type Option func(*Server)

// WithExtensions registers hook implementations. Hooks run in
// registration order.
func WithExtensions(exts ...host.Hooks) Option {
	return func(s *Server) {
		for _, e := range exts {
			if e != nil {
				s.extensions = append(s.extensions, e)
			}
		}
	}
}

// WithStoreDebounce sets how long changes wait before a server-initiated
// store, and the longest a burst of changes can postpone it.
func WithStoreDebounce(debounce, maxDebounce time.Duration) Option {
	return func(s *Server) {
		if debounce > 0 {
			s.storeDebounce = debounce
		}
		if maxDebounce > 0 {
			s.storeMaxDebounce = maxDebounce
		}
	}
}

// WithEventBus publishes document and connection events to bus.
func WithEventBus(bus *event.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for the store debounce.
func WithAfterFunc(fn lifecycle.AfterFunc) Option {
	return func(s *Server) {
		if fn != nil {
			s.afterFunc = fn
		}
	}
}

func realAfterFunc(d time.Duration, f func()) lifecycle.Timer {
	return time.AfterFunc(d, f)
}
