package protocol

import (
	"github.com/Iron-Ham/docmesh/internal/errors"
)

// NullState is the awareness state that marks a client as removed.
const NullState = "null"

// AwarenessEntry is one client's presence state.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    string // JSON; NullState when removed
}

// Removed reports whether the entry announces the client's departure.
func (e AwarenessEntry) Removed() bool {
	return e.State == NullState
}

// EncodeAwarenessEntries encodes entries as an awareness update.
func EncodeAwarenessEntries(entries []AwarenessEntry) []byte {
	w := NewWriter(8 + 16*len(entries))
	w.WriteVarUint(uint64(len(entries)))
	for _, e := range entries {
		w.WriteVarUint(e.ClientID).WriteVarUint(e.Clock).WriteVarString(e.State)
	}
	return w.Bytes()
}

// DecodeAwarenessEntries decodes an awareness update.
func DecodeAwarenessEntries(update []byte) ([]AwarenessEntry, error) {
	r := NewReader(update)
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, errors.Wrap(err, "awareness count")
	}
	// Each entry needs at least three bytes.
	if n > uint64(len(r.Remaining())/3) {
		return nil, errors.NewCodecError(codecName, "awareness count", errors.ErrShortFrame).WithLen(len(update))
	}
	entries := make([]AwarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e AwarenessEntry
		if e.ClientID, err = r.ReadVarUint(); err != nil {
			return nil, errors.Wrapf(err, "awareness entry %d", i)
		}
		if e.Clock, err = r.ReadVarUint(); err != nil {
			return nil, errors.Wrapf(err, "awareness entry %d", i)
		}
		if e.State, err = r.ReadVarString(); err != nil {
			return nil, errors.Wrapf(err, "awareness entry %d", i)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
