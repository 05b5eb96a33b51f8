package docstore

import (
	"slices"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/lifecycle"
)

const codecName = "automerge"

// Connection is a local client attached to one document.
type Connection interface {
	ID() string
	// Send delivers one framed protocol message. It must not block for
	// long; slow clients should buffer or drop.
	Send(message []byte) error
}

// Document is one in-memory Automerge document.
type Document struct {
	name      string
	awareness *Awareness

	mu          sync.Mutex
	doc         *automerge.Doc
	conns       map[string]Connection
	connClients map[string][]uint64
	unloaded    bool

	// debounced server-initiated store
	storeTimer lifecycle.Timer
	storeFirst time.Time
	storeSeq   uint64
}

var _ host.Document = (*Document)(nil)

func newDocument(name string) *Document {
	return &Document{
		name:        name,
		awareness:   newAwareness(),
		doc:         automerge.New(),
		conns:       make(map[string]Connection),
		connClients: make(map[string][]uint64),
	}
}

// Name implements host.Document.
func (d *Document) Name() string { return d.name }

// ConnectionCount implements host.Document.
func (d *Document) ConnectionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// EncodeState implements host.Document with Automerge's save format.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Awareness implements host.Document.
func (d *Document) Awareness() host.Awareness { return d.awareness }

// Presence returns the concrete awareness table.
func (d *Document) Presence() *Awareness { return d.awareness }

// Heads returns the current change heads.
func (d *Document) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}

// merge applies every change found in a saved document and reports whether
// the heads moved. Already known changes are ignored by Apply.
func (d *Document) merge(state []byte) (bool, error) {
	if len(state) == 0 {
		return false, nil
	}
	other, err := automerge.Load(state)
	if err != nil {
		return false, errors.NewCodecError(codecName, "load state", errors.Join(errors.ErrMalformedMessage, err)).WithLen(len(state))
	}
	changes, err := other.Changes()
	if err != nil {
		return false, errors.NewCodecError(codecName, "read changes", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if err := d.doc.Apply(changes...); err != nil {
		return false, errors.NewCodecError(codecName, "apply changes", err)
	}
	return !sameHeads(before, d.doc.Heads()), nil
}

// edit runs fn with the document locked and reports whether the heads
// moved.
func (d *Document) edit(fn func(doc *automerge.Doc) error) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if err := fn(d.doc); err != nil {
		return false, err
	}
	return !sameHeads(before, d.doc.Heads()), nil
}

// peers returns the connections other than exclude.
func (d *Document) peers(exclude string) []Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Connection, 0, len(d.conns))
	for id, c := range d.conns {
		if id != exclude {
			out = append(out, c)
		}
	}
	return out
}

// trackClients remembers which awareness clients a connection announced so
// they can be removed when it closes.
func (d *Document) trackClients(connID string, clients ...[]uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[connID]; !ok {
		return
	}
	known := d.connClients[connID]
	for _, list := range clients {
		for _, id := range list {
			if !slices.Contains(known, id) {
				known = append(known, id)
			}
		}
	}
	d.connClients[connID] = known
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for _, h := range a {
		if !slices.Contains(b, h) {
			return false
		}
	}
	return true
}
