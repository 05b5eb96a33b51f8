// Package metrics exports replication and document host activity as
// Prometheus metrics. It only subscribes to the event bus; no component
// depends on it.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Iron-Ham/docmesh/internal/event"
)

const namespace = "docmesh"

// Metrics holds every collector.
type Metrics struct {
	LeaseAcquireTotal  *prometheus.CounterVec   // result=acquired|refreshed|timed_out
	LeaseWaitMS        *prometheus.HistogramVec // result
	LeaseReleasedTotal *prometheus.CounterVec   // owned=true|false
	LeaseObservedTotal *prometheus.CounterVec   // kind, applied

	MessagesReceivedTotal  prometheus.Counter
	MessagesDroppedTotal   *prometheus.CounterVec // reason
	MessagesPublishedTotal *prometheus.CounterVec // kind, result=ok|error
	PublishedBytesTotal    prometheus.Counter

	UnloadChecksTotal   prometheus.Counter
	StoreSettledTotal   *prometheus.CounterVec // superseded
	DocumentStoresTotal prometheus.Counter
	StoreDurationMS     prometheus.Histogram

	DocumentsLoaded prometheus.Gauge
	Connections     prometheus.Gauge

	mu     sync.Mutex
	subIDs []string
	bus    *event.Bus
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LeaseAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_acquire_total",
				Help:      "Lease acquisitions by outcome",
			},
			[]string{"result"},
		),
		LeaseWaitMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lease_wait_ms",
				Help:      "Time spent acquiring a lease (ms)",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"result"},
		),
		LeaseReleasedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_released_total",
				Help:      "Lease releases, by whether the local entry was ours",
			},
			[]string{"owned"},
		),
		LeaseObservedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_observed_total",
				Help:      "Control messages read from the lock topic",
			},
			[]string{"kind", "applied"},
		),
		MessagesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Bus messages applied to a loaded document",
		}),
		MessagesDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Inbound bus messages discarded, by reason",
			},
			[]string{"reason"},
		),
		MessagesPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Outbound publish attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		PublishedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_bytes_total",
			Help:      "Bytes successfully published to the bus",
		}),
		UnloadChecksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unload_checks_total",
			Help:      "Debounced unload checks that fired",
		}),
		StoreSettledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_settled_total",
				Help:      "Store-chain waits, by whether a later store superseded them",
			},
			[]string{"superseded"},
		),
		DocumentStoresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_stores_total",
			Help:      "Document store passes",
		}),
		StoreDurationMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_ms",
			Help:      "Time spent in store hooks (ms)",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		DocumentsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_loaded",
			Help:      "Documents currently held in memory",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections",
		}),
	}

	reg.MustRegister(
		m.LeaseAcquireTotal,
		m.LeaseWaitMS,
		m.LeaseReleasedTotal,
		m.LeaseObservedTotal,
		m.MessagesReceivedTotal,
		m.MessagesDroppedTotal,
		m.MessagesPublishedTotal,
		m.PublishedBytesTotal,
		m.UnloadChecksTotal,
		m.StoreSettledTotal,
		m.DocumentStoresTotal,
		m.StoreDurationMS,
		m.DocumentsLoaded,
		m.Connections,
	)
	return m
}

// Attach subscribes the collectors to bus. Calling Attach again moves the
// subscriptions to the new bus.
func (m *Metrics) Attach(bus *event.Bus) {
	m.Detach()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bus = bus
	m.subIDs = []string{
		bus.Subscribe("lease.*", m.onLease),
		bus.Subscribe("replication.*", m.onReplication),
		bus.Subscribe("lifecycle.*", m.onLifecycle),
		bus.Subscribe("document.*", m.onDocument),
		bus.Subscribe("connection.*", m.onConnection),
	}
}

// Detach removes the subscriptions made by Attach.
func (m *Metrics) Detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bus == nil {
		return
	}
	for _, id := range m.subIDs {
		m.bus.Unsubscribe(id)
	}
	m.bus = nil
	m.subIDs = nil
}

func (m *Metrics) onLease(e event.Event) {
	switch ev := e.(type) {
	case event.LeaseAcquiredEvent:
		result := "acquired"
		if ev.Refreshed {
			result = "refreshed"
		}
		m.LeaseAcquireTotal.WithLabelValues(result).Inc()
		m.LeaseWaitMS.WithLabelValues(result).Observe(float64(ev.Wait.Milliseconds()))
	case event.LeaseTimeoutEvent:
		m.LeaseAcquireTotal.WithLabelValues("timed_out").Inc()
		m.LeaseWaitMS.WithLabelValues("timed_out").Observe(float64(ev.Wait.Milliseconds()))
	case event.LeaseReleasedEvent:
		m.LeaseReleasedTotal.WithLabelValues(strconv.FormatBool(ev.Owned)).Inc()
	case event.LeaseObservedEvent:
		m.LeaseObservedTotal.WithLabelValues(ev.Kind, strconv.FormatBool(ev.Applied)).Inc()
	}
}

func (m *Metrics) onReplication(e event.Event) {
	switch ev := e.(type) {
	case event.MessageReceivedEvent:
		m.MessagesReceivedTotal.Inc()
	case event.MessageDroppedEvent:
		m.MessagesDroppedTotal.WithLabelValues(ev.Reason).Inc()
	case event.MessagePublishedEvent:
		if ev.Err != nil {
			m.MessagesPublishedTotal.WithLabelValues(ev.Kind, "error").Inc()
			return
		}
		m.MessagesPublishedTotal.WithLabelValues(ev.Kind, "ok").Inc()
		m.PublishedBytesTotal.Add(float64(ev.Bytes))
	}
}

func (m *Metrics) onLifecycle(e event.Event) {
	switch ev := e.(type) {
	case event.UnloadCheckedEvent:
		m.UnloadChecksTotal.Inc()
	case event.StoreSettledEvent:
		m.StoreSettledTotal.WithLabelValues(strconv.FormatBool(ev.Superseded)).Inc()
	}
}

func (m *Metrics) onDocument(e event.Event) {
	ev, ok := e.(event.DocumentEvent)
	if !ok {
		return
	}
	switch ev.EventType() {
	case event.TypeDocumentLoaded:
		m.DocumentsLoaded.Inc()
	case event.TypeDocumentUnloaded:
		m.DocumentsLoaded.Dec()
	case event.TypeDocumentStored:
		m.DocumentStoresTotal.Inc()
		m.StoreDurationMS.Observe(float64(ev.Duration.Milliseconds()))
	}
}

func (m *Metrics) onConnection(e event.Event) {
	switch e.EventType() {
	case event.TypeConnectionOpened:
		m.Connections.Inc()
	case event.TypeConnectionClosed:
		m.Connections.Dec()
	}
}
