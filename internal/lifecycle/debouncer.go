// Package lifecycle defers destructive per-document actions until
// connection churn across the cluster settles.
//
// A [Debouncer] owns two independent state machines per document name: the
// unload debounce started by local disconnects and the store-completion
// chain that collapses bursts of server-initiated stores into one trailing
// wait.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/docmesh/internal/event"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

// Timer is the part of *time.Timer the Debouncer uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through a
// small adapter; tests substitute manual timers.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus *event.Bus) Option {
	return func(d *Debouncer) {
		d.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Debouncer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithAfterFunc replaces time.AfterFunc.
func WithAfterFunc(fn AfterFunc) Option {
	return func(d *Debouncer) {
		if fn != nil {
			d.afterFunc = fn
		}
	}
}

type pendingUnload struct {
	timer Timer
	seq   uint64
}

// storeToken is one waiter in the store-completion chain.
type storeToken struct {
	once       sync.Once
	done       chan struct{}
	superseded bool
	timer      Timer
}

func newStoreToken() *storeToken {
	return &storeToken{done: make(chan struct{})}
}

// resolve releases the waiter. Only the first call has an effect.
func (t *storeToken) resolve(superseded bool) {
	t.once.Do(func() {
		t.superseded = superseded
		close(t.done)
	})
}

// Debouncer holds the pending unload timers and store tokens of one
// coordinator. The zero value is not usable; call NewDebouncer.
type Debouncer struct {
	delay     time.Duration
	afterFunc AfterFunc
	bus       *event.Bus
	logger    *logging.Logger

	mu      sync.Mutex
	seq     uint64
	unloads map[string]pendingUnload
	stores  map[string]*storeToken
	stopped bool
}

// NewDebouncer creates a Debouncer that waits delay before acting.
func NewDebouncer(delay time.Duration, opts ...Option) *Debouncer {
	if delay < 0 {
		delay = 0
	}
	d := &Debouncer{
		delay:     delay,
		afterFunc: realAfterFunc,
		logger:    logging.NopLogger(),
		unloads:   make(map[string]pendingUnload),
		stores:    make(map[string]*storeToken),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("lifecycle")
	return d
}

// Delay returns the debounce window.
func (d *Debouncer) Delay() time.Duration {
	return d.delay
}

// ScheduleUnload cancels any pending unload check for documentName and
// schedules check to run after the delay. Any number of calls inside one
// window result in a single check.
func (d *Debouncer) ScheduleUnload(documentName string, check func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if prev, ok := d.unloads[documentName]; ok {
		prev.timer.Stop()
	}
	d.seq++
	seq := d.seq
	timer := d.afterFunc(d.delay, func() { d.fireUnload(documentName, seq, check) })
	d.unloads[documentName] = pendingUnload{timer: timer, seq: seq}
}

func (d *Debouncer) fireUnload(documentName string, seq uint64, check func()) {
	d.mu.Lock()
	current, ok := d.unloads[documentName]
	if !ok || current.seq != seq {
		// Superseded after the timer had already fired.
		d.mu.Unlock()
		return
	}
	delete(d.unloads, documentName)
	d.mu.Unlock()

	d.logger.Debug("unload check", "document", documentName)
	d.emit(event.NewUnloadCheckedEvent(documentName))
	check()
}

// UnloadIfIdle unloads documentName from h when it is loaded and has no
// local connections. Documents that are already gone are ignored.
func UnloadIfIdle(ctx context.Context, h host.Host, documentName string) bool {
	doc, ok := h.Document(documentName)
	if !ok || doc.ConnectionCount() > 0 {
		return false
	}
	h.UnloadDocument(ctx, doc)
	return true
}

// AwaitStoreSettled blocks until the store burst for documentName settles.
//
// Any earlier waiter for the same document is released immediately and
// reports superseded=true. The current call then waits for the delay, for
// a later call to supersede it, or for ctx to end.
func (d *Debouncer) AwaitStoreSettled(ctx context.Context, documentName string) (superseded bool) {
	start := time.Now()
	tok := newStoreToken()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	if prev, ok := d.stores[documentName]; ok {
		prev.timer.Stop()
		prev.resolve(true)
	}
	d.stores[documentName] = tok
	tok.timer = d.afterFunc(d.delay, func() {
		d.dropToken(documentName, tok)
		tok.resolve(false)
	})
	d.mu.Unlock()

	select {
	case <-tok.done:
	case <-ctx.Done():
		tok.timer.Stop()
		d.dropToken(documentName, tok)
		tok.resolve(false)
	}

	d.emit(event.NewStoreSettledEvent(documentName, tok.superseded, time.Since(start)))
	return tok.superseded
}

// dropToken removes tok if it is still the current token for documentName.
func (d *Debouncer) dropToken(documentName string, tok *storeToken) {
	d.mu.Lock()
	if d.stores[documentName] == tok {
		delete(d.stores, documentName)
	}
	d.mu.Unlock()
}

// Pending returns the number of scheduled unload checks and waiting store
// tokens.
func (d *Debouncer) Pending() (unloads, stores int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.unloads), len(d.stores)
}

// Stop cancels every unload check and releases every store waiter. Later
// calls to ScheduleUnload are ignored and AwaitStoreSettled returns at once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	unloads := d.unloads
	stores := d.stores
	d.unloads = make(map[string]pendingUnload)
	d.stores = make(map[string]*storeToken)
	d.mu.Unlock()

	for _, p := range unloads {
		p.timer.Stop()
	}
	for _, tok := range stores {
		tok.timer.Stop()
		tok.resolve(true)
	}
}

func (d *Debouncer) emit(e event.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}
