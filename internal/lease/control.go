package lease

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Iron-Ham/docmesh/internal/errors"
)

// Kind tags a control message on the lock topic.
type Kind string

const (
	KindRequest Kind = "LOCK_REQUEST"
	KindRelease Kind = "LOCK_RELEASE"
)

// Control is a message on the lock topic: either a LockRequest or a
// LockRelease.
type Control interface {
	Kind() Kind
	LeaseKey() string
	LeaseOwner() string
}

// LockRequest asks every observer to record owner as the lease holder for
// key, unless a live holder already exists.
type LockRequest struct {
	Key       string
	Owner     string
	RequestID string
	TS        int64 // unix milliseconds at the sender
	TTL       int64 // milliseconds; zero means the receiver's default
}

func (LockRequest) Kind() Kind           { return KindRequest }
func (r LockRequest) LeaseKey() string   { return r.Key }
func (r LockRequest) LeaseOwner() string { return r.Owner }

// LockRelease drops owner's claim on key.
type LockRelease struct {
	Key   string
	Owner string
	TS    int64
}

func (LockRelease) Kind() Kind           { return KindRelease }
func (r LockRelease) LeaseKey() string   { return r.Key }
func (r LockRelease) LeaseOwner() string { return r.Owner }

// wireControl is the msgpack shape shared by both variants.
type wireControl struct {
	Type      Kind   `msgpack:"type"`
	Key       string `msgpack:"key"`
	Owner     string `msgpack:"owner"`
	RequestID string `msgpack:"requestId,omitempty"`
	TS        int64  `msgpack:"ts"`
	TTL       int64  `msgpack:"ttl,omitempty"`
}

// EncodeControl serializes c with MessagePack.
func EncodeControl(c Control) ([]byte, error) {
	var w wireControl
	switch m := c.(type) {
	case LockRequest:
		w = wireControl{Type: KindRequest, Key: m.Key, Owner: m.Owner, RequestID: m.RequestID, TS: m.TS, TTL: m.TTL}
	case LockRelease:
		w = wireControl{Type: KindRelease, Key: m.Key, Owner: m.Owner, TS: m.TS}
	default:
		return nil, errors.NewCodecError("control", "unknown control variant", errors.ErrInvalidInput)
	}

	data, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, errors.NewCodecError("control", "marshal", err)
	}
	return data, nil
}

// DecodeControl parses a control message. Unknown kinds, empty owners and
// undecodable bytes yield a CodecError wrapping ErrMalformedControl.
func DecodeControl(data []byte) (Control, error) {
	var w wireControl
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, errors.NewCodecError("control", "unmarshal", errors.Join(errors.ErrMalformedControl, err)).WithLen(len(data))
	}
	if w.Owner == "" {
		return nil, errors.NewCodecError("control", "missing owner", errors.ErrMalformedControl).WithLen(len(data))
	}

	switch w.Type {
	case KindRequest:
		if w.TTL < 0 {
			return nil, errors.NewCodecError("control", "negative ttl", errors.ErrMalformedControl).WithLen(len(data))
		}
		return LockRequest{Key: w.Key, Owner: w.Owner, RequestID: w.RequestID, TS: w.TS, TTL: w.TTL}, nil
	case KindRelease:
		return LockRelease{Key: w.Key, Owner: w.Owner, TS: w.TS}, nil
	default:
		return nil, errors.NewCodecError("control", "unknown type "+string(w.Type), errors.ErrMalformedControl).WithLen(len(data))
	}
}
