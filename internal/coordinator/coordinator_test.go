package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/bus/memory"
	"github.com/Iron-Ham/docmesh/internal/envelope"
	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/lease"
	"github.com/Iron-Ham/docmesh/internal/protocol"
	"github.com/Iron-Ham/docmesh/internal/testutil"
)

type testAwareness struct{ clients []uint64 }

func (a *testAwareness) ClientIDs() []uint64 { return a.clients }

func (a *testAwareness) EncodeUpdate(clients []uint64) []byte {
	entries := make([]protocol.AwarenessEntry, 0, len(clients))
	for _, id := range clients {
		entries = append(entries, protocol.AwarenessEntry{ClientID: id, Clock: 1, State: `{"user":"x"}`})
	}
	return protocol.EncodeAwarenessEntries(entries)
}

type testDoc struct {
	name  string
	conns int
	state []byte
	aw    *testAwareness
}

func (d *testDoc) Name() string              { return d.name }
func (d *testDoc) ConnectionCount() int      { return d.conns }
func (d *testDoc) EncodeState() []byte       { return d.state }
func (d *testDoc) Awareness() host.Awareness { return d.aw }

type inbound struct {
	msg    protocol.Message
	origin host.Origin
}

// testHost is a minimal document host: it answers sync step 1 with step 2,
// reports applied sync traffic through OnChange, relays stateless
// broadcasts to its "clients" and answers awareness queries.
type testHost struct {
	hooks host.Hooks

	mu       sync.Mutex
	docs     map[string]*testDoc
	inbound  []inbound
	relayed  map[string][]string
	unloaded []string
}

func newTestHost(docs ...string) *testHost {
	h := &testHost{docs: make(map[string]*testDoc), relayed: make(map[string][]string)}
	for _, name := range docs {
		h.docs[name] = &testDoc{name: name, state: []byte("state"), aw: &testAwareness{clients: []uint64{7}}}
	}
	return h
}

func (h *testHost) Document(name string) (host.Document, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[name]
	if !ok {
		return nil, false
	}
	return d, true
}

func (h *testHost) UnloadDocument(_ context.Context, doc host.Document) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.docs[doc.Name()]; ok {
		delete(h.docs, doc.Name())
		h.unloaded = append(h.unloaded, doc.Name())
	}
}

func (h *testHost) Receive(ctx context.Context, doc host.Document, message []byte, origin host.Origin, reply func([]byte)) error {
	msg, err := protocol.Parse(message)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.inbound = append(h.inbound, inbound{msg: msg, origin: origin})
	h.mu.Unlock()

	switch msg.Type {
	case protocol.TypeSync:
		st, _, err := protocol.ParseSync(msg.Body)
		if err != nil {
			return err
		}
		if st == protocol.SyncStep1 {
			reply(protocol.SecondSyncStep(msg.Document, doc.EncodeState()))
		}
		return h.hooks.OnChange(ctx, &host.ChangePayload{
			DocumentName:      msg.Document,
			Document:          doc,
			TransactionOrigin: origin,
		})
	case protocol.TypeBroadcastStateless:
		payload, err := protocol.ParseStateless(msg.Body)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.relayed[msg.Document] = append(h.relayed[msg.Document], payload)
		h.mu.Unlock()
	case protocol.TypeQueryAwareness:
		aw := doc.Awareness()
		reply(protocol.AwarenessUpdate(msg.Document, aw.EncodeUpdate(aw.ClientIDs())))
	}
	return nil
}

func (h *testHost) snapshot() ([]inbound, map[string][]string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	relayed := make(map[string][]string, len(h.relayed))
	for k, v := range h.relayed {
		relayed[k] = append([]string(nil), v...)
	}
	return append([]inbound(nil), h.inbound...), relayed, append([]string(nil), h.unloaded...)
}

func (h *testHost) setConnections(name string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if d, ok := h.docs[name]; ok {
		d.conns = n
	}
}

// instance is one configured coordinator with its host.
type instance struct {
	coord *Coordinator
	host  *testHost
}

func startInstance(t *testing.T, broker *memory.Broker, cfg Config, docs ...string) *instance {
	t.Helper()
	coord, err := New(cfg, broker.NewBinding())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h := newTestHost(docs...)
	h.hooks = coord
	if err := coord.OnConfigure(context.Background(), &host.ConfigurePayload{Host: h}); err != nil {
		t.Fatalf("OnConfigure() error = %v", err)
	}
	t.Cleanup(func() { _ = coord.OnDestroy(context.Background()) })
	return &instance{coord: coord, host: h}
}

func testConfig(identifier string) Config {
	return Config{
		Identifier:       identifier,
		Prefix:           "kafka-test",
		DisconnectDelay:  30 * time.Millisecond,
		LockTimeout:      200 * time.Millisecond,
		LockPollInterval: 2 * time.Millisecond,
	}
}

func decodeAll(t *testing.T, msgs []bus.Message) (origins []string, parsed []protocol.Message) {
	t.Helper()
	for _, m := range msgs {
		origin, payload, err := envelope.Decode(m.Payload)
		if err != nil {
			t.Fatalf("envelope.Decode: %v", err)
		}
		p, err := protocol.Parse(payload)
		if err != nil {
			t.Fatalf("protocol.Parse: %v", err)
		}
		origins = append(origins, origin)
		parsed = append(parsed, p)
	}
	return origins, parsed
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{}, memory.NewBroker().NewBinding())
	if err != nil {
		t.Fatal(err)
	}
	cfg := c.Config()
	if !strings.HasPrefix(cfg.Identifier, "host-") {
		t.Errorf("Identifier = %q, want host-<uuid>", cfg.Identifier)
	}
	if cfg.Prefix != "hocuspocus" || cfg.GroupIDBase != "hocuspocus" {
		t.Errorf("Prefix/GroupIDBase = %q/%q", cfg.Prefix, cfg.GroupIDBase)
	}
	if cfg.DisconnectDelay != time.Second || cfg.LockTimeout != time.Second {
		t.Errorf("delays = %v/%v, want 1s/1s", cfg.DisconnectDelay, cfg.LockTimeout)
	}
	if cfg.LockPollInterval != 20*time.Millisecond {
		t.Errorf("LockPollInterval = %v, want 20ms", cfg.LockPollInterval)
	}
	if got := cfg.GroupID(); got != "hocuspocus-"+cfg.Identifier {
		t.Errorf("GroupID() = %q", got)
	}
	if c.Identifier() != cfg.Identifier || c.Lease() == nil || c.Debouncer() == nil {
		t.Error("accessors not wired")
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected error for nil binding")
	}
	_, err := New(Config{Identifier: strings.Repeat("x", 256)}, memory.NewBroker().NewBinding())
	var verr *errors.ValidationError
	if !errors.As(err, &verr) || verr.Field != "identifier" {
		t.Errorf("err = %v, want identifier ValidationError", err)
	}
}

func TestOnConfigure_ConnectFailure(t *testing.T) {
	binding := memory.NewBroker().NewBinding()
	binding.FailConnect(errors.New("connection refused"))
	c, err := New(testConfig("host-a"), binding)
	if err != nil {
		t.Fatal(err)
	}

	err = c.OnConfigure(context.Background(), &host.ConfigurePayload{Host: newTestHost()})
	if !errors.Is(err, errors.ErrBusUnreachable) {
		t.Errorf("OnConfigure() error = %v, want ErrBusUnreachable", err)
	}
}

func TestOnConfigure_Twice(t *testing.T) {
	inst := startInstance(t, memory.NewBroker(), testConfig("host-a"))
	if err := inst.coord.OnConfigure(context.Background(), &host.ConfigurePayload{Host: inst.host}); err == nil {
		t.Error("second OnConfigure should fail")
	}
	if err := inst.coord.OnConfigure(context.Background(), nil); err == nil {
		t.Error("nil payload should fail")
	}
}

func TestAfterLoadDocument_AnnouncesReplica(t *testing.T) {
	broker := memory.NewBroker()
	a := startInstance(t, broker, testConfig("host-a"), "doc1")
	startInstance(t, broker, testConfig("host-b"))

	doc, _ := a.host.Document("doc1")
	if err := a.coord.AfterLoadDocument(context.Background(), &host.LoadPayload{DocumentName: "doc1", Document: doc}); err != nil {
		t.Fatal(err)
	}

	published := broker.PublishedTo("kafka-test.doc1")
	if len(published) != 2 {
		t.Fatalf("published %d messages on kafka-test.doc1, want 2", len(published))
	}
	origins, parsed := decodeAll(t, published)
	if origins[0] != "host-a" || origins[1] != "host-a" {
		t.Errorf("origins = %v", origins)
	}
	if parsed[0].Type != protocol.TypeSync || parsed[1].Type != protocol.TypeQueryAwareness {
		t.Errorf("types = %v, %v; want sync then query_awareness", parsed[0].Type, parsed[1].Type)
	}
	if st, _, _ := protocol.ParseSync(parsed[0].Body); st != protocol.SyncStep1 {
		t.Errorf("sync type = %v, want step 1", st)
	}
	if published[0].Key != "doc1" {
		t.Errorf("key = %q, want doc1", published[0].Key)
	}
}

func TestStatelessBroadcast_RelayedOnce(t *testing.T) {
	broker := memory.NewBroker()
	a := startInstance(t, broker, testConfig("host-a"), "doc1")
	b := startInstance(t, broker, testConfig("host-b"), "doc1")

	doc, _ := a.host.Document("doc1")
	err := a.coord.BeforeBroadcastStateless(context.Background(), &host.StatelessPayload{
		DocumentName: "doc1",
		Document:     doc,
		Payload:      "PING",
	})
	if err != nil {
		t.Fatal(err)
	}

	testutil.WaitFor(t, "relay on host-b", func() bool {
		_, relayed, _ := b.host.snapshot()
		return len(relayed["doc1"]) == 1
	})
	_, relayed, _ := b.host.snapshot()
	if relayed["doc1"][0] != "PING" {
		t.Errorf("host-b relayed %v, want [PING]", relayed["doc1"])
	}

	// Give host-a's consumer time to see (and drop) its own publication.
	time.Sleep(50 * time.Millisecond)
	inA, relayedA, _ := a.host.snapshot()
	if len(relayedA["doc1"]) != 0 || len(inA) != 0 {
		t.Errorf("host-a received its own broadcast: inbound=%d relayed=%v", len(inA), relayedA)
	}
}

func TestOnChange_NoReplicationLoop(t *testing.T) {
	broker := memory.NewBroker()
	a := startInstance(t, broker, testConfig("host-a"), "doc1")
	b := startInstance(t, broker, testConfig("host-b"), "doc1")

	doc, _ := a.host.Document("doc1")
	err := a.coord.OnChange(context.Background(), &host.ChangePayload{
		DocumentName:      "doc1",
		Document:          doc,
		TransactionOrigin: host.ConnectionOrigin("client-1"),
	})
	if err != nil {
		t.Fatal(err)
	}

	// host-b applies step 1 and replies with step 2, which host-a applies.
	testutil.WaitFor(t, "step 2 applied on host-a", func() bool {
		in, _, _ := a.host.snapshot()
		return len(in) == 1
	})
	time.Sleep(50 * time.Millisecond)

	origins, parsed := decodeAll(t, broker.PublishedTo("kafka-test.doc1"))
	if len(parsed) != 2 {
		t.Fatalf("published %d messages, want step 1 and its reply only: %v", len(parsed), origins)
	}
	if origins[0] != "host-a" || origins[1] != "host-b" {
		t.Errorf("origins = %v, want [host-a host-b]", origins)
	}
	if st, _, _ := protocol.ParseSync(parsed[1].Body); st != protocol.SyncStep2 {
		t.Errorf("reply sync type = %v, want step 2", st)
	}

	inB, _, _ := b.host.snapshot()
	if len(inB) != 1 || inB[0].origin != host.OriginBus {
		t.Errorf("host-b inbound = %+v, want one bus-origin message", inB)
	}
}

func TestOnChange_BusOriginNotPublished(t *testing.T) {
	broker := memory.NewBroker()
	a := startInstance(t, broker, testConfig("host-a"), "doc1")

	doc, _ := a.host.Document("doc1")
	_ = a.coord.OnChange(context.Background(), &host.ChangePayload{
		DocumentName:      "doc1",
		Document:          doc,
		TransactionOrigin: host.OriginBus,
	})
	if n := len(broker.PublishedTo("kafka-test.doc1")); n != 0 {
		t.Errorf("bus-origin change published %d messages", n)
	}
}

func TestAwarenessQuery_AnsweredAcrossBus(t *testing.T) {
	broker := memory.NewBroker()
	a := startInstance(t, broker, testConfig("host-a"), "doc1")
	startInstance(t, broker, testConfig("host-b"), "doc1")

	doc, _ := a.host.Document("doc1")
	_ = a.coord.AfterLoadDocument(context.Background(), &host.LoadPayload{DocumentName: "doc1", Document: doc})

	testutil.WaitFor(t, "awareness reply on host-a", func() bool {
		in, _, _ := a.host.snapshot()
		for _, m := range in {
			if m.msg.Type == protocol.TypeAwareness {
				return true
			}
		}
		return false
	})
}

func TestOnAwarenessUpdate(t *testing.T) {
	broker := memory.NewBroker()
	a := startInstance(t, broker, testConfig("host-a"), "doc1")

	doc, _ := a.host.Document("doc1")
	_ = a.coord.OnAwarenessUpdate(context.Background(), &host.AwarenessPayload{
		DocumentName: "doc1",
		Document:     doc,
		Awareness:    doc.Awareness(),
		Added:        []uint64{1},
		Updated:      []uint64{1, 2},
	})

	_, parsed := decodeAll(t, broker.PublishedTo("kafka-test.doc1"))
	if len(parsed) != 1 || parsed[0].Type != protocol.TypeAwareness {
		t.Fatalf("published = %+v", parsed)
	}
	update, _ := protocol.ParseAwareness(parsed[0].Body)
	entries, err := protocol.DecodeAwarenessEntries(update)
	if err != nil || len(entries) != 2 {
		t.Errorf("entries = %+v, %v; want clients 1 and 2 once each", entries, err)
	}
}

func TestStoreHooks_LeaseAcrossInstances(t *testing.T) {
	broker := memory.NewBroker()
	a := startInstance(t, broker, testConfig("host-a"), "doc1")
	b := startInstance(t, broker, testConfig("host-b"), "doc1")
	ctx := context.Background()

	store := &host.StorePayload{DocumentName: "doc1", SocketID: "conn-1"}
	if err := a.coord.OnStoreDocument(ctx, store); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, "host-b to observe host-a's lease", func() bool {
		owner, _, _ := b.coord.Lease().Holder("doc1")
		return owner == "host-a"
	})

	if err := a.coord.AfterStoreDocument(ctx, store); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, "host-b to observe the release", func() bool {
		_, _, ok := b.coord.Lease().Holder("doc1")
		return !ok
	})

	if outcome, _ := b.coord.Lease().Acquire(ctx, "doc1"); outcome == lease.TimedOut {
		t.Error("host-b could not take the released lease")
	}
}

func TestAfterStoreDocument_ServerStoresSettle(t *testing.T) {
	broker := memory.NewBroker()
	a := startInstance(t, broker, testConfig("host-a"), "doc1")

	start := time.Now()
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.coord.AfterStoreDocument(context.Background(), &host.StorePayload{
				DocumentName: "doc1",
				SocketID:     host.SocketIDServer,
			})
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed > 4*30*time.Millisecond+100*time.Millisecond {
		t.Errorf("store chain took %v; waits compounded", elapsed)
	}

	start = time.Now()
	_ = a.coord.AfterStoreDocument(context.Background(), &host.StorePayload{DocumentName: "doc1", SocketID: "conn"})
	if elapsed := time.Since(start); elapsed >= 30*time.Millisecond {
		t.Errorf("client-initiated store waited %v", elapsed)
	}
}

func TestOnDisconnect_DebouncedUnload(t *testing.T) {
	broker := memory.NewBroker()
	a := startInstance(t, broker, testConfig("host-a"), "idle", "busy")
	a.host.setConnections("busy", 1)
	ctx := context.Background()

	for range 5 {
		_ = a.coord.OnDisconnect(ctx, &host.ConnectionPayload{DocumentName: "idle"})
		_ = a.coord.OnDisconnect(ctx, &host.ConnectionPayload{DocumentName: "busy"})
	}

	testutil.WaitFor(t, "idle unload", func() bool {
		_, _, unloaded := a.host.snapshot()
		return len(unloaded) == 1
	})
	time.Sleep(60 * time.Millisecond)

	_, _, unloaded := a.host.snapshot()
	if len(unloaded) != 1 || unloaded[0] != "idle" {
		t.Errorf("unloaded = %v, want [idle]", unloaded)
	}
	if _, ok := a.host.Document("busy"); !ok {
		t.Error("document with connections was unloaded")
	}
}

func TestOnDestroy(t *testing.T) {
	broker := memory.NewBroker()
	binding := broker.NewBinding()
	c, err := New(testConfig("host-a"), binding)
	if err != nil {
		t.Fatal(err)
	}
	h := newTestHost("doc1")
	h.hooks = c
	if err := c.OnConfigure(context.Background(), &host.ConfigurePayload{Host: h}); err != nil {
		t.Fatal(err)
	}

	_ = c.OnDisconnect(context.Background(), &host.ConnectionPayload{DocumentName: "doc1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.OnDestroy(ctx); err != nil {
		t.Fatalf("OnDestroy() error = %v", err)
	}
	if err := c.OnDestroy(ctx); err != nil {
		t.Fatalf("second OnDestroy() error = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("OnDestroy did not return before its deadline")
	}

	if unloads, _ := c.Debouncer().Pending(); unloads != 0 {
		t.Errorf("pending unloads after destroy = %d", unloads)
	}
	if err := binding.Publish(context.Background(), "kafka-test.doc1", "", nil); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("binding still open after destroy: %v", err)
	}

	// Hooks after destroy log and swallow publish errors.
	doc, _ := h.Document("doc1")
	if err := c.OnChange(context.Background(), &host.ChangePayload{DocumentName: "doc1", Document: doc}); err != nil {
		t.Errorf("OnChange after destroy = %v", err)
	}
}

func TestPublishFailureLevel(t *testing.T) {
	closed := memory.NewBroker().NewBinding()
	if err := closed.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	afterClose := closed.Publish(context.Background(), "kafka-test.doc1", "", nil)
	if afterClose == nil {
		t.Fatal("publish on a closed binding succeeded")
	}

	tests := []struct {
		name string
		err  error
		want slog.Level
	}{
		{"publish after close", afterClose, slog.LevelDebug},
		{"wrapped publish after close", fmt.Errorf("first sync step: %w", afterClose), slog.LevelDebug},
		{"unreachable bus", errors.NewBusError("publish", errors.ErrBusUnreachable), slog.LevelWarn},
		{"unclassified", errors.New("boom"), slog.LevelWarn},
		{"critical", errors.NewBusError("publish", nil).WithSeverity(errors.SeverityCritical), slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := publishFailureLevel(tt.err); got != tt.want {
				t.Errorf("publishFailureLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
