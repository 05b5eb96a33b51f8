package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Iron-Ham/docmesh/internal/event"
)

func newAttached(t *testing.T) (*Metrics, *event.Bus) {
	t.Helper()
	m := New(prometheus.NewRegistry())
	bus := event.NewBus()
	m.Attach(bus)
	return m, bus
}

func TestMetrics_Lease(t *testing.T) {
	m, bus := newAttached(t)

	bus.Publish(event.NewLeaseAcquiredEvent("doc1", "p:doc1", false, 3*time.Millisecond))
	bus.Publish(event.NewLeaseAcquiredEvent("doc1", "p:doc1", true, 0))
	bus.Publish(event.NewLeaseTimeoutEvent("doc1", "p:doc1", "host-b", time.Second))
	bus.Publish(event.NewLeaseReleasedEvent("doc1", "p:doc1", true))
	bus.Publish(event.NewLeaseObservedEvent("p:doc1", "host-b", "request", true))

	for result, want := range map[string]float64{"acquired": 1, "refreshed": 1, "timed_out": 1} {
		if got := testutil.ToFloat64(m.LeaseAcquireTotal.WithLabelValues(result)); got != want {
			t.Errorf("lease_acquire_total{result=%q} = %v, want %v", result, got, want)
		}
	}
	if got := testutil.ToFloat64(m.LeaseReleasedTotal.WithLabelValues("true")); got != 1 {
		t.Errorf("lease_released_total = %v", got)
	}
	if got := testutil.ToFloat64(m.LeaseObservedTotal.WithLabelValues("request", "true")); got != 1 {
		t.Errorf("lease_observed_total = %v", got)
	}
}

func TestMetrics_Replication(t *testing.T) {
	m, bus := newAttached(t)

	bus.Publish(event.NewMessageReceivedEvent("p.doc1", "doc1", "host-b", 10))
	bus.Publish(event.NewMessageDroppedEvent("p.doc1", event.DropSelfOrigin))
	bus.Publish(event.NewMessageDroppedEvent("p.doc1", event.DropSelfOrigin))
	bus.Publish(event.NewMessagePublishedEvent("p.doc1", "doc1", "sync", 100, nil))
	bus.Publish(event.NewMessagePublishedEvent("p.doc1", "doc1", "sync", 100, errors.New("down")))

	if got := testutil.ToFloat64(m.MessagesReceivedTotal); got != 1 {
		t.Errorf("messages_received_total = %v", got)
	}
	if got := testutil.ToFloat64(m.MessagesDroppedTotal.WithLabelValues(event.DropSelfOrigin)); got != 2 {
		t.Errorf("messages_dropped_total{self_origin} = %v", got)
	}
	if got := testutil.ToFloat64(m.MessagesPublishedTotal.WithLabelValues("sync", "ok")); got != 1 {
		t.Errorf("published ok = %v", got)
	}
	if got := testutil.ToFloat64(m.MessagesPublishedTotal.WithLabelValues("sync", "error")); got != 1 {
		t.Errorf("published error = %v", got)
	}
	if got := testutil.ToFloat64(m.PublishedBytesTotal); got != 100 {
		t.Errorf("published_bytes_total = %v, want only successful bytes", got)
	}
}

func TestMetrics_DocumentsAndConnections(t *testing.T) {
	m, bus := newAttached(t)

	bus.Publish(event.NewDocumentLoadedEvent("doc1"))
	bus.Publish(event.NewDocumentLoadedEvent("doc2"))
	bus.Publish(event.NewConnectionEvent("doc1", "c1", true, 1))
	bus.Publish(event.NewConnectionEvent("doc1", "c2", true, 2))
	bus.Publish(event.NewConnectionEvent("doc1", "c1", false, 1))
	bus.Publish(event.NewDocumentStoredEvent("doc2", "server", 5*time.Millisecond))
	bus.Publish(event.NewDocumentUnloadedEvent("doc2"))
	bus.Publish(event.NewUnloadCheckedEvent("doc2"))
	bus.Publish(event.NewStoreSettledEvent("doc2", true, time.Millisecond))

	if got := testutil.ToFloat64(m.DocumentsLoaded); got != 1 {
		t.Errorf("documents_loaded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Connections); got != 1 {
		t.Errorf("connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DocumentStoresTotal); got != 1 {
		t.Errorf("document_stores_total = %v", got)
	}
	if got := testutil.ToFloat64(m.UnloadChecksTotal); got != 1 {
		t.Errorf("unload_checks_total = %v", got)
	}
	if got := testutil.ToFloat64(m.StoreSettledTotal.WithLabelValues("true")); got != 1 {
		t.Errorf("store_settled_total{superseded=true} = %v", got)
	}
}

func TestMetrics_Detach(t *testing.T) {
	m, bus := newAttached(t)
	before := bus.SubscriptionCount()

	m.Detach()
	if got := bus.SubscriptionCount(); got != before-5 {
		t.Errorf("SubscriptionCount() after Detach = %d, want %d", got, before-5)
	}
	bus.Publish(event.NewDocumentLoadedEvent("doc1"))
	if got := testutil.ToFloat64(m.DocumentsLoaded); got != 0 {
		t.Errorf("detached metrics still updated: %v", got)
	}
	m.Detach()
}

func TestNew_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Error("registering twice on one registry should panic")
		}
	}()
	New(reg)
}
