package docstore

import (
	"slices"
	"sync"

	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/protocol"
)

type awarenessState struct {
	clock uint64
	state string
}

// Awareness is the presence table of one document. Removed clients keep
// their last clock so stale updates cannot resurrect them.
type Awareness struct {
	mu     sync.Mutex
	states map[uint64]awarenessState
}

var _ host.Awareness = (*Awareness)(nil)

func newAwareness() *Awareness {
	return &Awareness{states: make(map[uint64]awarenessState)}
}

// ClientIDs returns the clients with a live state, in ascending order.
func (a *Awareness) ClientIDs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.states))
	for id, s := range a.states {
		if s.state != protocol.NullState {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// State returns a client's JSON state.
func (a *Awareness) State(clientID uint64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[clientID]
	if !ok || s.state == protocol.NullState {
		return "", false
	}
	return s.state, true
}

// EncodeUpdate implements host.Awareness.
func (a *Awareness) EncodeUpdate(clients []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := make([]protocol.AwarenessEntry, 0, len(clients))
	for _, id := range clients {
		s, ok := a.states[id]
		if !ok {
			s = awarenessState{state: protocol.NullState}
		}
		entries = append(entries, protocol.AwarenessEntry{ClientID: id, Clock: s.clock, State: s.state})
	}
	return protocol.EncodeAwarenessEntries(entries)
}

// Apply merges entries into the table. An entry wins when its clock is
// newer, or when it is a removal at the current clock.
func (a *Awareness) Apply(entries []protocol.AwarenessEntry) (added, updated, removed []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		cur, known := a.states[e.ClientID]
		live := known && cur.state != protocol.NullState

		if e.Removed() {
			if live && e.Clock >= cur.clock {
				a.states[e.ClientID] = awarenessState{clock: e.Clock, state: protocol.NullState}
				removed = append(removed, e.ClientID)
			}
			continue
		}
		if known && e.Clock <= cur.clock {
			continue
		}
		a.states[e.ClientID] = awarenessState{clock: e.Clock, state: e.State}
		switch {
		case !live:
			added = append(added, e.ClientID)
		case cur.state != e.State:
			updated = append(updated, e.ClientID)
		}
	}
	return added, updated, removed
}

// Remove marks clients as gone, bumping their clocks, and returns the ones
// that were live.
func (a *Awareness) Remove(clients []uint64) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var removed []uint64
	for _, id := range clients {
		cur, ok := a.states[id]
		if !ok || cur.state == protocol.NullState {
			continue
		}
		a.states[id] = awarenessState{clock: cur.clock + 1, state: protocol.NullState}
		removed = append(removed, id)
	}
	return removed
}
