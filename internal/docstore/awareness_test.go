package docstore

import (
	"slices"
	"testing"

	"github.com/Iron-Ham/docmesh/internal/protocol"
)

func entry(id, clock uint64, state string) protocol.AwarenessEntry {
	return protocol.AwarenessEntry{ClientID: id, Clock: clock, State: state}
}

func TestAwareness_Apply(t *testing.T) {
	a := newAwareness()

	added, updated, removed := a.Apply([]protocol.AwarenessEntry{entry(1, 1, `{"n":"a"}`), entry(2, 1, `{"n":"b"}`)})
	if !slices.Equal(added, []uint64{1, 2}) || updated != nil || removed != nil {
		t.Fatalf("first apply = %v/%v/%v", added, updated, removed)
	}

	// Same clock is stale; a newer clock with a new state is an update.
	added, updated, removed = a.Apply([]protocol.AwarenessEntry{entry(1, 1, `{"n":"x"}`), entry(2, 2, `{"n":"c"}`)})
	if added != nil || !slices.Equal(updated, []uint64{2}) || removed != nil {
		t.Fatalf("second apply = %v/%v/%v", added, updated, removed)
	}
	if s, _ := a.State(1); s != `{"n":"a"}` {
		t.Errorf("stale entry applied: %s", s)
	}

	// A newer clock with an identical state only refreshes the clock.
	added, updated, removed = a.Apply([]protocol.AwarenessEntry{entry(2, 3, `{"n":"c"}`)})
	if added != nil || updated != nil || removed != nil {
		t.Errorf("refresh reported changes: %v/%v/%v", added, updated, removed)
	}

	// Removal at the current clock wins.
	_, _, removed = a.Apply([]protocol.AwarenessEntry{entry(1, 1, protocol.NullState)})
	if !slices.Equal(removed, []uint64{1}) {
		t.Errorf("removed = %v, want [1]", removed)
	}
	if got := a.ClientIDs(); !slices.Equal(got, []uint64{2}) {
		t.Errorf("ClientIDs() = %v, want [2]", got)
	}

	// An old state cannot bring a removed client back.
	added, _, _ = a.Apply([]protocol.AwarenessEntry{entry(1, 1, `{"n":"a"}`)})
	if added != nil {
		t.Errorf("stale re-add applied: %v", added)
	}
	added, _, _ = a.Apply([]protocol.AwarenessEntry{entry(1, 2, `{"n":"a"}`)})
	if !slices.Equal(added, []uint64{1}) {
		t.Errorf("newer re-add = %v, want [1]", added)
	}
}

func TestAwareness_RemoveAndEncode(t *testing.T) {
	a := newAwareness()
	a.Apply([]protocol.AwarenessEntry{entry(5, 4, `{}`)})

	if got := a.Remove([]uint64{5, 6}); !slices.Equal(got, []uint64{5}) {
		t.Fatalf("Remove() = %v, want [5]", got)
	}
	if got := a.Remove([]uint64{5}); got != nil {
		t.Errorf("second Remove() = %v, want nil", got)
	}

	entries, err := protocol.DecodeAwarenessEntries(a.EncodeUpdate([]uint64{5, 9}))
	if err != nil {
		t.Fatal(err)
	}
	want := []protocol.AwarenessEntry{entry(5, 5, protocol.NullState), entry(9, 0, protocol.NullState)}
	if !slices.Equal(entries, want) {
		t.Errorf("EncodeUpdate() = %+v, want %+v", entries, want)
	}
}
