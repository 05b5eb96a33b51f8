package filelog

import (
	"context"
	"testing"
	"time"

	"github.com/Iron-Ham/docmesh/internal/bus"
	"github.com/Iron-Ham/docmesh/internal/errors"
)

func newConnected(t *testing.T, dir string, subs ...bus.Subscription) (*Binding, <-chan bus.Message) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := New(Config{Dir: dir, PollInterval: 5 * time.Millisecond}, nil)
	if err := b.ConnectProducer(ctx); err != nil {
		t.Fatalf("ConnectProducer: %v", err)
	}
	if err := b.ConnectConsumer(ctx, "g"); err != nil {
		t.Fatalf("ConnectConsumer: %v", err)
	}
	if err := b.Subscribe(ctx, subs...); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ch := make(chan bus.Message, 32)
	go func() {
		_ = b.Run(ctx, func(_ context.Context, msg bus.Message) { ch <- msg })
	}()
	return b, ch
}

func waitMessage(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return bus.Message{}
	}
}

func TestBinding_CrossInstanceDelivery(t *testing.T) {
	dir := t.TempDir()
	a, _ := newConnected(t, dir, bus.PrefixOf("hocuspocus."))
	_, chB := newConnected(t, dir, bus.PrefixOf("hocuspocus."))

	if err := a.Publish(context.Background(), "hocuspocus.doc1", "doc1", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg := waitMessage(t, chB)
	if msg.Topic != "hocuspocus.doc1" || msg.Key != "doc1" || string(msg.Payload) != "hello" {
		t.Errorf("message = %+v", msg)
	}
}

func TestBinding_NoReplayOfHistory(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	_ = store.Append(Record{Topic: "p.old", Payload: []byte("history")})

	a, ch := newConnected(t, dir, bus.PrefixOf("p."))
	if err := a.Publish(context.Background(), "p.old", "", []byte("fresh")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if msg := waitMessage(t, ch); string(msg.Payload) != "fresh" {
		t.Errorf("first delivered payload = %q, want fresh", msg.Payload)
	}
}

func TestBinding_IgnoresUnsubscribedTopics(t *testing.T) {
	dir := t.TempDir()
	a, ch := newConnected(t, dir, bus.Exact("p.__locks"))

	_ = a.Publish(context.Background(), "p.doc1", "", []byte("doc"))
	_ = a.Publish(context.Background(), "p.__locks", "", []byte("lock"))

	if msg := waitMessage(t, ch); msg.Topic != "p.__locks" {
		t.Errorf("delivered topic = %q, want p.__locks", msg.Topic)
	}
	select {
	case msg := <-ch:
		t.Errorf("unexpected message on %q", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBinding_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty dir", func(t *testing.T) {
		b := New(Config{}, nil)
		if err := b.ConnectProducer(ctx); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("err = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("publish before connect", func(t *testing.T) {
		b := New(Config{Dir: t.TempDir()}, nil)
		if err := b.Publish(ctx, "p.d", "", nil); !errors.Is(err, errors.ErrNotConnected) {
			t.Errorf("err = %v, want ErrNotConnected", err)
		}
	})

	t.Run("after disconnect", func(t *testing.T) {
		b := New(Config{Dir: t.TempDir()}, nil)
		_ = b.ConnectProducer(ctx)
		_ = b.Disconnect(ctx)
		_ = b.Disconnect(ctx)
		if err := b.Publish(ctx, "p.d", "", nil); !errors.Is(err, errors.ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	})
}

func TestBinding_RunStopsOnDisconnect(t *testing.T) {
	b := New(Config{Dir: t.TempDir()}, nil)
	ctx := context.Background()
	_ = b.ConnectConsumer(ctx, "g")

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, func(context.Context, bus.Message) {}) }()
	_ = b.Disconnect(ctx)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
