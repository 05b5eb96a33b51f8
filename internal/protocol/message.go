// Package protocol implements the document-sync message framing exchanged
// between clients, document hosts and the replication bus.
//
// Every message starts with the document name so a single connection (or a
// single bus topic consumer) can multiplex documents:
//
//	varString(documentName) varUint(type) body
//
// Integers are unsigned LEB128; strings and byte slices carry a var-uint
// length prefix.
package protocol

import (
	"fmt"

	"github.com/Iron-Ham/docmesh/internal/errors"
)

// MessageType identifies the body that follows the document name.
type MessageType uint64

// Message types. Values are part of the wire format.
const (
	TypeSync               MessageType = 0
	TypeAwareness          MessageType = 1
	TypeAuth               MessageType = 2
	TypeQueryAwareness     MessageType = 3
	TypeStateless          MessageType = 5
	TypeBroadcastStateless MessageType = 6
	TypeClose              MessageType = 7
	TypeSyncStatus         MessageType = 8
)

// String returns a short name for logs and metrics labels.
func (t MessageType) String() string {
	switch t {
	case TypeSync:
		return "sync"
	case TypeAwareness:
		return "awareness"
	case TypeAuth:
		return "auth"
	case TypeQueryAwareness:
		return "query_awareness"
	case TypeStateless:
		return "stateless"
	case TypeBroadcastStateless:
		return "broadcast_stateless"
	case TypeClose:
		return "close"
	case TypeSyncStatus:
		return "sync_status"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// SyncType is the sub-type of a TypeSync body.
type SyncType uint64

// Sync sub-types.
const (
	// SyncStep1 carries the sender's full document state and asks the
	// receiver to answer with SyncStep2.
	SyncStep1 SyncType = 0
	// SyncStep2 carries a full state sent in reply to SyncStep1.
	SyncStep2 SyncType = 1
	// SyncUpdate carries incremental update bytes.
	SyncUpdate SyncType = 2
)

// Message is a parsed frame. Body aliases the input buffer.
type Message struct {
	Document string
	Type     MessageType
	Body     []byte
}

// Parse splits a frame into document name, type and body.
func Parse(frame []byte) (Message, error) {
	r := NewReader(frame)
	name, err := r.ReadVarString()
	if err != nil {
		return Message{}, errors.Wrap(err, "document name")
	}
	t, err := r.ReadVarUint()
	if err != nil {
		return Message{}, errors.Wrap(err, "message type")
	}
	return Message{Document: name, Type: MessageType(t), Body: r.Remaining()}, nil
}

// ParseSync decodes a TypeSync body.
func ParseSync(body []byte) (SyncType, []byte, error) {
	r := NewReader(body)
	t, err := r.ReadVarUint()
	if err != nil {
		return 0, nil, errors.Wrap(err, "sync type")
	}
	data, err := r.ReadVarBytes()
	if err != nil {
		return 0, nil, errors.Wrap(err, "sync payload")
	}
	return SyncType(t), data, nil
}

// ParseStateless decodes a TypeStateless or TypeBroadcastStateless body.
func ParseStateless(body []byte) (string, error) {
	return NewReader(body).ReadVarString()
}

// ParseAwareness decodes a TypeAwareness body into its update bytes.
func ParseAwareness(body []byte) ([]byte, error) {
	return NewReader(body).ReadVarBytes()
}

func header(name string, t MessageType, bodyHint int) *Writer {
	w := NewWriter(len(name) + bodyHint + 4)
	return w.WriteVarString(name).WriteVarUint(uint64(t))
}

func syncMessage(name string, st SyncType, data []byte) []byte {
	return header(name, TypeSync, len(data)+4).
		WriteVarUint(uint64(st)).
		WriteVarBytes(data).
		Bytes()
}

// FirstSyncStep builds a SyncStep1 carrying state.
func FirstSyncStep(name string, state []byte) []byte {
	return syncMessage(name, SyncStep1, state)
}

// SecondSyncStep builds a SyncStep2 carrying state.
func SecondSyncStep(name string, state []byte) []byte {
	return syncMessage(name, SyncStep2, state)
}

// Update builds an incremental SyncUpdate.
func Update(name string, update []byte) []byte {
	return syncMessage(name, SyncUpdate, update)
}

// QueryAwareness builds a request for every peer's awareness states.
func QueryAwareness(name string) []byte {
	return header(name, TypeQueryAwareness, 0).Bytes()
}

// AwarenessUpdate wraps an encoded awareness update.
func AwarenessUpdate(name string, update []byte) []byte {
	return header(name, TypeAwareness, len(update)+4).WriteVarBytes(update).Bytes()
}

// BroadcastStateless builds a stateless payload meant for every
// connection to the document.
func BroadcastStateless(name, payload string) []byte {
	return header(name, TypeBroadcastStateless, len(payload)+4).WriteVarString(payload).Bytes()
}

// Stateless builds a stateless payload addressed to one connection.
func Stateless(name, payload string) []byte {
	return header(name, TypeStateless, len(payload)+4).WriteVarString(payload).Bytes()
}

// Reframe guarantees payload starts with documentName. A leading
// var-string is taken to be the publisher's name field and replaced only
// when what follows it is a complete message of a known type; otherwise the
// whole payload is treated as a nameless message and kept intact.
func Reframe(documentName string, payload []byte) []byte {
	body := payload
	r := NewReader(payload)
	if _, err := r.ReadVarString(); err == nil && wellFormed(r.Remaining()) {
		body = r.Remaining()
	}
	return NewWriter(len(documentName) + len(body) + 2).
		WriteVarString(documentName).
		WriteRaw(body).
		Bytes()
}

// wellFormed reports whether frame, with no name field, is one complete
// message of a known type. Types whose bodies are opaque to the relay
// only need a readable type.
func wellFormed(frame []byte) bool {
	r := NewReader(frame)
	t, err := r.ReadVarUint()
	if err != nil {
		return false
	}
	switch MessageType(t) {
	case TypeSync:
		st, err := r.ReadVarUint()
		if err != nil || SyncType(st) > SyncUpdate {
			return false
		}
		_, err = r.ReadVarBytes()
		return err == nil && len(r.Remaining()) == 0
	case TypeAwareness:
		_, err := r.ReadVarBytes()
		return err == nil && len(r.Remaining()) == 0
	case TypeQueryAwareness:
		return len(r.Remaining()) == 0
	case TypeStateless, TypeBroadcastStateless:
		_, err := r.ReadVarString()
		return err == nil && len(r.Remaining()) == 0
	case TypeAuth, TypeClose, TypeSyncStatus:
		return true
	default:
		return false
	}
}
