package docstore

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/Iron-Ham/docmesh/internal/bus/memory"
	"github.com/Iron-Ham/docmesh/internal/coordinator"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/protocol"
	"github.com/Iron-Ham/docmesh/internal/testutil"
)

// startReplica runs a Server with a Coordinator attached to broker.
func startReplica(t *testing.T, broker *memory.Broker, identifier string) *Server {
	t.Helper()
	coord, err := coordinator.New(coordinator.Config{
		Identifier:       identifier,
		Prefix:           "kafka-test",
		DisconnectDelay:  20 * time.Millisecond,
		LockTimeout:      100 * time.Millisecond,
		LockPollInterval: 2 * time.Millisecond,
	}, broker.NewBinding())
	if err != nil {
		t.Fatal(err)
	}
	s := New(WithExtensions(coord), WithStoreDebounce(20*time.Millisecond, 50*time.Millisecond))
	if err := s.Configure(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestReplication_ChangesReachPeerClients(t *testing.T) {
	broker := memory.NewBroker()
	a := startReplica(t, broker, "host-a")
	b := startReplica(t, broker, "host-b")
	ctx := context.Background()

	ca, cb := newConn("ca"), newConn("cb")
	docA, err := a.Connect(ctx, "doc1", ca)
	if err != nil {
		t.Fatal(err)
	}
	docB, err := b.Connect(ctx, "doc1", cb)
	if err != nil {
		t.Fatal(err)
	}

	state := stateWith(t, "title", "hello")
	if err := a.HandleMessage(ctx, ca, protocol.Update("doc1", state)); err != nil {
		t.Fatal(err)
	}

	testutil.WaitFor(t, "host-b to converge", func() bool {
		return sameHeads(docB.Heads(), docA.Heads())
	})
	testutil.WaitFor(t, "cb to receive the update", func() bool {
		return slices.Contains(cb.syncTypes(), protocol.SyncUpdate)
	})
}

func TestReplication_StatelessPing(t *testing.T) {
	broker := memory.NewBroker()
	a := startReplica(t, broker, "host-a")
	b := startReplica(t, broker, "host-b")
	ctx := context.Background()

	ca, cb := newConn("ca"), newConn("cb")
	if _, err := a.Connect(ctx, "doc1", ca); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Connect(ctx, "doc1", cb); err != nil {
		t.Fatal(err)
	}

	if err := a.BroadcastStateless(ctx, "doc1", "PING"); err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, "PING on host-b", func() bool {
		return len(cb.statelessPayloads()) == 1
	})

	time.Sleep(50 * time.Millisecond)
	if got := cb.statelessPayloads(); !slices.Equal(got, []string{"PING"}) {
		t.Errorf("cb stateless = %v, want [PING]", got)
	}
	if got := ca.statelessPayloads(); !slices.Equal(got, []string{"PING"}) {
		t.Errorf("ca stateless = %v, want one local PING", got)
	}
}

func TestReplication_PresenceQueryOnLoad(t *testing.T) {
	broker := memory.NewBroker()
	a := startReplica(t, broker, "host-a")
	b := startReplica(t, broker, "host-b")
	ctx := context.Background()

	ca := newConn("ca")
	if _, err := a.Connect(ctx, "doc1", ca); err != nil {
		t.Fatal(err)
	}
	update := protocol.EncodeAwarenessEntries([]protocol.AwarenessEntry{{ClientID: 7, Clock: 1, State: `{"user":"ann"}`}})
	if err := a.HandleMessage(ctx, ca, protocol.AwarenessUpdate("doc1", update)); err != nil {
		t.Fatal(err)
	}

	// host-b loads later and learns about client 7 from its query.
	cb := newConn("cb")
	docB, err := b.Connect(ctx, "doc1", cb)
	if err != nil {
		t.Fatal(err)
	}
	testutil.WaitFor(t, "client 7 on host-b", func() bool {
		_, ok := docB.Presence().State(7)
		return ok
	})
	testutil.WaitFor(t, "cb to see client 7", func() bool {
		return len(cb.received(protocol.TypeAwareness)) > 0
	})
}

func TestReplication_LastDisconnectUnloadsEverywhere(t *testing.T) {
	broker := memory.NewBroker()
	a := startReplica(t, broker, "host-a")
	ctx := context.Background()

	ca := newConn("ca")
	if _, err := a.Connect(ctx, "doc1", ca); err != nil {
		t.Fatal(err)
	}
	if err := a.Disconnect(ctx, "doc1", "ca"); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Document("doc1"); ok {
		t.Error("document still loaded after the last disconnect")
	}
}

func TestReplication_CloseFlushesWithoutSettleDelay(t *testing.T) {
	const delay = 400 * time.Millisecond
	coord, err := coordinator.New(coordinator.Config{
		Identifier:       "host-a",
		Prefix:           "kafka-test",
		DisconnectDelay:  delay,
		LockTimeout:      100 * time.Millisecond,
		LockPollInterval: 2 * time.Millisecond,
	}, memory.NewBroker().NewBinding())
	if err != nil {
		t.Fatal(err)
	}
	ext := &recordingExt{}
	s := New(WithExtensions(coord, ext), WithStoreDebounce(time.Minute, time.Minute))
	ctx := context.Background()
	if err := s.Configure(ctx); err != nil {
		t.Fatal(err)
	}

	names := []string{"doc1", "doc2", "doc3", "doc4"}
	for _, name := range names {
		d, err := s.Load(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Receive(ctx, d, protocol.Update(name, stateWith(t, "k", name)), host.OriginBus, nil); err != nil {
			t.Fatal(err)
		}
		if !s.storePending(d) {
			t.Fatalf("%s has no pending store", name)
		}
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Close(closeCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed >= delay {
		t.Errorf("Close with %d dirty documents took %v, want under %v", len(names), elapsed, delay)
	}

	stores, afterStores := ext.snapshotStores()
	if len(stores) != len(names) || len(afterStores) != len(names) {
		t.Fatalf("stores = %v, after = %v; want %d each", stores, afterStores, len(names))
	}
	for _, id := range stores {
		if id != host.SocketIDShutdown {
			t.Errorf("store socket id = %q, want %q", id, host.SocketIDShutdown)
		}
	}
}
