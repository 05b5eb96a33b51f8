package docstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/event"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/lifecycle"
	"github.com/Iron-Ham/docmesh/internal/logging"
	"github.com/Iron-Ham/docmesh/internal/protocol"
)

type loadCall struct {
	done chan struct{}
	doc  *Document
	err  error
}

// Server hosts documents in memory and drives its extensions' hooks.
type Server struct {
	extensions       []host.Hooks
	storeDebounce    time.Duration
	storeMaxDebounce time.Duration
	afterFunc        lifecycle.AfterFunc
	bus              *event.Bus
	logger           *logging.Logger

	mu      sync.Mutex
	docs    map[string]*Document
	loading map[string]*loadCall
	closed  bool
}

var _ host.Host = (*Server)(nil)

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		storeDebounce:    DefaultStoreDebounce,
		storeMaxDebounce: DefaultStoreMaxDebounce,
		afterFunc:        realAfterFunc,
		logger:           logging.NopLogger(),
		docs:             make(map[string]*Document),
		loading:          make(map[string]*loadCall),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.storeMaxDebounce < s.storeDebounce {
		s.storeMaxDebounce = s.storeDebounce
	}
	s.logger = s.logger.WithComponent("docstore")
	return s
}

// Configure runs every extension's OnConfigure. The first error aborts.
func (s *Server) Configure(ctx context.Context) error {
	p := &host.ConfigurePayload{Host: s}
	for _, ext := range s.extensions {
		if err := ext.OnConfigure(ctx, p); err != nil {
			return fmt.Errorf("configure extension %T: %w", ext, err)
		}
	}
	return nil
}

// Document implements host.Host.
func (s *Server) Document(name string) (host.Document, bool) {
	d, ok := s.Get(name)
	if !ok {
		return nil, false
	}
	return d, true
}

// Get returns a loaded document.
func (s *Server) Get(name string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[name]
	return d, ok
}

// Documents returns the names of loaded documents, sorted.
func (s *Server) Documents() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.docs))
	for name := range s.docs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// Load returns the named document, loading it on first use. Concurrent
// loads of one name share a single OnLoadDocument pass.
func (s *Server) Load(ctx context.Context, name string) (*Document, error) {
	if name == "" {
		return nil, errors.NewValidationError("document name is required").WithField("name")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.ErrClosed
	}
	if d, ok := s.docs[name]; ok {
		s.mu.Unlock()
		return d, nil
	}
	if call, ok := s.loading[name]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.doc, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &loadCall{done: make(chan struct{})}
	s.loading[name] = call
	s.mu.Unlock()

	d, err := s.load(ctx, name)

	s.mu.Lock()
	delete(s.loading, name)
	if err == nil {
		s.docs[name] = d
	}
	s.mu.Unlock()
	call.doc, call.err = d, err
	close(call.done)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("document loaded", "document", name)
	s.emit(event.NewDocumentLoadedEvent(name))

	p := &host.LoadPayload{DocumentName: name, Document: d, Host: s}
	for _, ext := range s.extensions {
		if err := ext.AfterLoadDocument(ctx, p); err != nil {
			s.logger.Warn("afterLoadDocument hook failed", "document", name, "error", err)
		}
	}
	return d, nil
}

func (s *Server) load(ctx context.Context, name string) (*Document, error) {
	d := newDocument(name)
	p := &host.LoadPayload{DocumentName: name, Document: d, Host: s}
	for _, ext := range s.extensions {
		state, err := ext.OnLoadDocument(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("load document %q: %w", name, err)
		}
		if _, err := d.merge(state); err != nil {
			return nil, fmt.Errorf("load document %q: %w", name, err)
		}
	}
	return d, nil
}

// Connect attaches conn to the named document, loading it if needed, and
// sends the connection the document state and known presence.
func (s *Server) Connect(ctx context.Context, name string, conn Connection) (*Document, error) {
	var (
		d   *Document
		err error
	)
	for {
		if d, err = s.Load(ctx, name); err != nil {
			return nil, err
		}
		d.mu.Lock()
		if !d.unloaded {
			break
		}
		// Unloaded between Load and here; load a fresh copy.
		d.mu.Unlock()
	}
	if _, dup := d.conns[conn.ID()]; dup {
		d.mu.Unlock()
		return nil, errors.NewValidationError("connection already attached").WithField("connection").WithValue(conn.ID())
	}
	d.conns[conn.ID()] = conn
	count := len(d.conns)
	d.mu.Unlock()

	s.logger.Debug("connection opened", "document", name, "connection", conn.ID(), "connections", count)
	s.emit(event.NewConnectionEvent(name, conn.ID(), true, count))

	s.send(d, conn, protocol.FirstSyncStep(name, d.EncodeState()))
	if ids := d.awareness.ClientIDs(); len(ids) > 0 {
		s.send(d, conn, protocol.AwarenessUpdate(name, d.awareness.EncodeUpdate(ids)))
	}
	return d, nil
}

// Disconnect detaches a connection. Its presence states are removed; when
// it was the last connection the document is stored and, if still idle,
// unloaded. OnDisconnect hooks always run.
func (s *Server) Disconnect(ctx context.Context, name, connID string) error {
	d, ok := s.Get(name)
	if !ok {
		return nil
	}

	d.mu.Lock()
	if _, ok := d.conns[connID]; !ok {
		d.mu.Unlock()
		return nil
	}
	delete(d.conns, connID)
	clients := d.connClients[connID]
	delete(d.connClients, connID)
	remaining := len(d.conns)
	d.mu.Unlock()

	s.logger.Debug("connection closed", "document", name, "connection", connID, "connections", remaining)
	s.emit(event.NewConnectionEvent(name, connID, false, remaining))

	if removed := d.awareness.Remove(clients); len(removed) > 0 {
		s.afterAwareness(ctx, d, host.ConnectionOrigin(connID), nil, nil, removed)
	}

	var err error
	if remaining == 0 {
		err = s.StoreDocument(ctx, name, connID)
	}

	p := &host.ConnectionPayload{DocumentName: name, Document: d, SocketID: connID, Connections: remaining}
	for _, ext := range s.extensions {
		if hookErr := ext.OnDisconnect(ctx, p); hookErr != nil {
			s.logger.Warn("onDisconnect hook failed", "document", name, "error", hookErr)
		}
	}
	return err
}

// HandleMessage applies a message sent by a local connection. The message
// must address a document the connection is attached to.
func (s *Server) HandleMessage(ctx context.Context, conn Connection, message []byte) error {
	msg, err := protocol.Parse(message)
	if err != nil {
		return errors.NewCodecError("sync", "parse message", errors.Join(errors.ErrMalformedMessage, err)).WithLen(len(message))
	}
	d, ok := s.Get(msg.Document)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrDocumentNotLoaded, msg.Document)
	}
	d.mu.Lock()
	_, attached := d.conns[conn.ID()]
	d.mu.Unlock()
	if !attached {
		return errors.NewValidationError("connection is not attached to document").WithField("document").WithValue(msg.Document)
	}
	return s.Receive(ctx, d, message, host.ConnectionOrigin(conn.ID()), func(b []byte) { s.send(d, conn, b) })
}

// Receive implements host.Host.
func (s *Server) Receive(ctx context.Context, hd host.Document, message []byte, origin host.Origin, reply func([]byte)) error {
	d, ok := hd.(*Document)
	if !ok || !s.owns(d) {
		return fmt.Errorf("%w: %s", errors.ErrDocumentNotLoaded, hd.Name())
	}
	msg, err := protocol.Parse(message)
	if err != nil {
		return errors.NewCodecError("sync", "parse message", errors.Join(errors.ErrMalformedMessage, err)).WithLen(len(message))
	}
	if reply == nil {
		reply = func([]byte) {}
	}

	switch msg.Type {
	case protocol.TypeSync:
		return s.receiveSync(ctx, d, msg, origin, reply)
	case protocol.TypeAwareness:
		return s.receiveAwareness(ctx, d, msg, origin)
	case protocol.TypeQueryAwareness:
		if ids := d.awareness.ClientIDs(); len(ids) > 0 {
			reply(protocol.AwarenessUpdate(d.name, d.awareness.EncodeUpdate(ids)))
		}
		return nil
	case protocol.TypeBroadcastStateless:
		payload, err := protocol.ParseStateless(msg.Body)
		if err != nil {
			return errors.NewCodecError("sync", "stateless payload", errors.Join(errors.ErrMalformedMessage, err))
		}
		s.broadcastStateless(ctx, d, payload, origin != host.OriginBus)
		return nil
	case protocol.TypeStateless, protocol.TypeAuth, protocol.TypeClose, protocol.TypeSyncStatus:
		s.logger.Debug("ignoring message", "document", d.name, "type", msg.Type.String())
		return nil
	default:
		return errors.NewCodecError("sync", "message type "+msg.Type.String(), errors.ErrMalformedMessage)
	}
}

func (s *Server) receiveSync(ctx context.Context, d *Document, msg protocol.Message, origin host.Origin, reply func([]byte)) error {
	st, data, err := protocol.ParseSync(msg.Body)
	if err != nil {
		return errors.NewCodecError("sync", "sync body", errors.Join(errors.ErrMalformedMessage, err))
	}
	switch st {
	case protocol.SyncStep1, protocol.SyncStep2, protocol.SyncUpdate:
	default:
		return errors.NewCodecError("sync", fmt.Sprintf("sync type %d", uint64(st)), errors.ErrMalformedMessage)
	}

	changed, err := d.merge(data)
	if err != nil {
		return err
	}
	if st == protocol.SyncStep1 {
		reply(protocol.SecondSyncStep(d.name, d.EncodeState()))
	}
	if changed {
		s.afterChange(ctx, d, origin, data)
	}
	return nil
}

func (s *Server) receiveAwareness(ctx context.Context, d *Document, msg protocol.Message, origin host.Origin) error {
	update, err := protocol.ParseAwareness(msg.Body)
	if err != nil {
		return errors.NewCodecError("sync", "awareness body", errors.Join(errors.ErrMalformedMessage, err))
	}
	entries, err := protocol.DecodeAwarenessEntries(update)
	if err != nil {
		return err
	}
	added, updated, removed := d.awareness.Apply(entries)
	if connID, ok := origin.ConnectionID(); ok {
		d.trackClients(connID, added, updated)
	}
	s.afterAwareness(ctx, d, origin, added, updated, removed)
	return nil
}

// Change edits the named document with the server origin. fn runs with
// the document locked; hooks run after it returns.
func (s *Server) Change(ctx context.Context, name string, fn func(doc *automerge.Doc) error) error {
	d, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrDocumentNotLoaded, name)
	}
	changed, err := d.edit(fn)
	if err != nil {
		return err
	}
	if changed {
		s.afterChange(ctx, d, host.OriginServer, d.EncodeState())
	}
	return nil
}

// afterChange fans a change out to local connections, runs OnChange and
// schedules a server-initiated store.
func (s *Server) afterChange(ctx context.Context, d *Document, origin host.Origin, update []byte) {
	exclude, _ := origin.ConnectionID()
	msg := protocol.Update(d.name, d.EncodeState())
	for _, c := range d.peers(exclude) {
		s.send(d, c, msg)
	}

	p := &host.ChangePayload{DocumentName: d.name, Document: d, TransactionOrigin: origin, Update: update}
	for _, ext := range s.extensions {
		if err := ext.OnChange(ctx, p); err != nil {
			s.logger.Warn("onChange hook failed", "document", d.name, "error", err)
		}
	}
	s.scheduleStore(d)
}

// afterAwareness fans presence changes out to local connections and, for
// local origins only, runs OnAwarenessUpdate.
func (s *Server) afterAwareness(ctx context.Context, d *Document, origin host.Origin, added, updated, removed []uint64) {
	changed := union(added, updated, removed)
	if len(changed) == 0 {
		return
	}
	exclude, _ := origin.ConnectionID()
	msg := protocol.AwarenessUpdate(d.name, d.awareness.EncodeUpdate(changed))
	for _, c := range d.peers(exclude) {
		s.send(d, c, msg)
	}
	if origin == host.OriginBus {
		return
	}

	p := &host.AwarenessPayload{
		DocumentName: d.name,
		Document:     d,
		Awareness:    d.awareness,
		Added:        added,
		Updated:      updated,
		Removed:      removed,
	}
	for _, ext := range s.extensions {
		if err := ext.OnAwarenessUpdate(ctx, p); err != nil {
			s.logger.Warn("onAwarenessUpdate hook failed", "document", d.name, "error", err)
		}
	}
}

// BroadcastStateless sends payload to every connection of the named
// document, here and, through extensions, on peer instances.
func (s *Server) BroadcastStateless(ctx context.Context, name, payload string) error {
	d, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrDocumentNotLoaded, name)
	}
	s.broadcastStateless(ctx, d, payload, true)
	return nil
}

func (s *Server) broadcastStateless(ctx context.Context, d *Document, payload string, local bool) {
	if local {
		p := &host.StatelessPayload{DocumentName: d.name, Document: d, Payload: payload}
		for _, ext := range s.extensions {
			if err := ext.BeforeBroadcastStateless(ctx, p); err != nil {
				s.logger.Warn("beforeBroadcastStateless hook failed", "document", d.name, "error", err)
			}
		}
	}
	msg := protocol.Stateless(d.name, payload)
	for _, c := range d.peers("") {
		s.send(d, c, msg)
	}
}

// StoreDocument runs the store hooks for the named document and unloads it
// afterwards when it has no connections.
func (s *Server) StoreDocument(ctx context.Context, name, socketID string) error {
	d, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrDocumentNotLoaded, name)
	}
	err := s.storeDocument(ctx, d, socketID)
	s.unloadIfIdle(ctx, d)
	return err
}

// storeDocument runs OnStoreDocument hooks until one fails, then every
// AfterStoreDocument hook. After hooks always run so leases are released.
func (s *Server) storeDocument(ctx context.Context, d *Document, socketID string) error {
	s.cancelStore(d)
	start := time.Now()
	p := &host.StorePayload{
		DocumentName: d.name,
		Document:     d,
		SocketID:     socketID,
		State:        d.EncodeState(),
	}

	var storeErr error
	for _, ext := range s.extensions {
		if err := ext.OnStoreDocument(ctx, p); err != nil {
			storeErr = fmt.Errorf("store document %q: %w", d.name, err)
			break
		}
	}
	for _, ext := range s.extensions {
		if err := ext.AfterStoreDocument(ctx, p); err != nil {
			s.logger.Warn("afterStoreDocument hook failed", "document", d.name, "error", err)
		}
	}

	elapsed := time.Since(start)
	s.logger.Debug("document stored", "document", d.name, "socket_id", socketID, "duration", elapsed, "error", storeErr)
	s.emit(event.NewDocumentStoredEvent(d.name, socketID, elapsed))
	return storeErr
}

func (s *Server) scheduleStore(d *Document) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unloaded {
		return
	}
	now := time.Now()
	if d.storeTimer != nil {
		d.storeTimer.Stop()
	} else {
		d.storeFirst = now
	}
	wait := s.storeDebounce
	if deadline := d.storeFirst.Add(s.storeMaxDebounce); now.Add(wait).After(deadline) {
		wait = max(deadline.Sub(now), 0)
	}
	d.storeSeq++
	seq := d.storeSeq
	d.storeTimer = s.afterFunc(wait, func() { s.fireStore(d, seq) })
}

func (s *Server) fireStore(d *Document, seq uint64) {
	d.mu.Lock()
	if d.storeSeq != seq || d.storeTimer == nil || d.unloaded {
		d.mu.Unlock()
		return
	}
	d.storeTimer = nil
	d.mu.Unlock()

	ctx := context.Background()
	if err := s.storeDocument(ctx, d, host.SocketIDServer); err != nil {
		s.logger.Warn("debounced store failed", "document", d.name, "error", err)
	}
	s.unloadIfIdle(ctx, d)
}

func (s *Server) cancelStore(d *Document) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.storeTimer != nil {
		d.storeTimer.Stop()
		d.storeTimer = nil
	}
	d.storeSeq++
}

func (s *Server) storePending(d *Document) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.storeTimer != nil
}

func (s *Server) unloadIfIdle(ctx context.Context, d *Document) {
	if d.ConnectionCount() == 0 {
		s.UnloadDocument(ctx, d)
	}
}

// UnloadDocument implements host.Host. A pending debounced store is
// flushed first.
func (s *Server) UnloadDocument(ctx context.Context, hd host.Document) {
	d, ok := hd.(*Document)
	if !ok || !s.owns(d) {
		return
	}
	if s.storePending(d) {
		if err := s.storeDocument(ctx, d, host.SocketIDServer); err != nil {
			s.logger.Warn("store before unload failed", "document", d.name, "error", err)
		}
	}

	s.mu.Lock()
	if s.docs[d.name] != d {
		s.mu.Unlock()
		return
	}
	delete(s.docs, d.name)
	s.mu.Unlock()

	d.mu.Lock()
	d.unloaded = true
	if d.storeTimer != nil {
		d.storeTimer.Stop()
		d.storeTimer = nil
	}
	d.mu.Unlock()

	s.logger.Debug("document unloaded", "document", d.name)
	s.emit(event.NewDocumentUnloadedEvent(d.name))
}

// Close flushes pending stores concurrently, then runs every extension's
// OnDestroy. Flushes use host.SocketIDShutdown. Later loads fail with
// ErrClosed.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.Unlock()

	flush := pool.New().WithErrors().WithMaxGoroutines(maxShutdownFlushes)
	for _, d := range docs {
		if !s.storePending(d) {
			continue
		}
		flush.Go(func() error {
			return s.storeDocument(ctx, d, host.SocketIDShutdown)
		})
	}

	var errs []error
	if err := flush.Wait(); err != nil {
		errs = append(errs, err)
	}
	for _, ext := range s.extensions {
		if err := ext.OnDestroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("destroy extension %T: %w", ext, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) owns(d *Document) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[d.name] == d
}

func (s *Server) send(d *Document, c Connection, msg []byte) {
	if err := c.Send(msg); err != nil {
		s.logger.Debug("send failed", "document", d.name, "connection", c.ID(), "error", err)
	}
}

func (s *Server) emit(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func union(lists ...[]uint64) []uint64 {
	var out []uint64
	for _, list := range lists {
		for _, id := range list {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}
