// Package host defines the contract between the replication layer and the
// collaborative document server that hosts documents in memory.
//
// The replication layer never reaches into a concrete host. It looks
// documents up, feeds them protocol messages and asks for unloads through
// [Host]; the host calls back into extensions through [Hooks].
package host

import (
	"context"
	"strings"
)

// Origin tags the transaction that applied a change to a document.
type Origin string

const (
	// OriginBus marks changes applied from a bus message. Changes carrying
	// this origin are never published back to the bus.
	OriginBus Origin = "__docmesh__bus__origin__"

	// OriginServer marks changes made by the server itself, such as state
	// merged in from storage on load.
	OriginServer Origin = "__docmesh__server__origin__"
)

const connectionOriginPrefix = "conn:"

// ConnectionOrigin returns the origin used for changes sent by a local
// client connection.
func ConnectionOrigin(connectionID string) Origin {
	return Origin(connectionOriginPrefix + connectionID)
}

// Store SocketIDs for stores no closing connection triggered.
const (
	// SocketIDServer marks a debounced server-initiated store.
	SocketIDServer = "server"
	// SocketIDShutdown marks the final flush of a closing host. Extensions
	// must not delay it.
	SocketIDShutdown = "shutdown"
)

// Awareness is the presence table of one document.
type Awareness interface {
	// ClientIDs returns every client with a known state.
	ClientIDs() []uint64
	// EncodeUpdate encodes the current state of the given clients. Clients
	// without a state are encoded as removed.
	EncodeUpdate(clients []uint64) []byte
}

// Document is an in-memory document as seen by extensions.
type Document interface {
	Name() string
	// ConnectionCount returns the number of local client connections.
	ConnectionCount() int
	// EncodeState returns the full document state in the sync protocol's
	// state encoding.
	EncodeState() []byte
	Awareness() Awareness
}

// Host is the document server surface the replication layer drives.
type Host interface {
	// Document returns a loaded document. It never loads one.
	Document(name string) (Document, bool)
	// UnloadDocument drops doc from memory. Unloading an already unloaded
	// document is a no-op.
	UnloadDocument(ctx context.Context, doc Document)
	// Receive applies one framed protocol message to doc as if it came from
	// a connection, tagging resulting changes with origin. Messages the
	// host would send back to that connection are passed to reply.
	Receive(ctx context.Context, doc Document, message []byte, origin Origin, reply func([]byte)) error
}

// ConnectionID returns the connection a ConnectionOrigin was built from.
func (o Origin) ConnectionID() (string, bool) {
	id, ok := strings.CutPrefix(string(o), connectionOriginPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
