// Package envelope frames bus payloads with the identity of the publishing
// instance so receivers can drop their own messages.
//
// Frame layout:
//
//	[1 byte identity length N][N bytes identity][payload]
package envelope

import (
	"github.com/Iron-Ham/docmesh/internal/errors"
)

// MaxIdentityLen is the largest identity a one-byte length prefix can carry.
const MaxIdentityLen = 255

const codecName = "envelope"

// Encode prefixes payload with identity.
func Encode(identity string, payload []byte) ([]byte, error) {
	if len(identity) > MaxIdentityLen {
		return nil, errors.NewCodecError(codecName, "encode", errors.ErrIdentityTooLong).WithLen(len(identity))
	}
	frame := make([]byte, 1+len(identity)+len(payload))
	frame[0] = byte(len(identity))
	copy(frame[1:], identity)
	copy(frame[1+len(identity):], payload)
	return frame, nil
}

// Decode splits a frame into identity and payload. The payload aliases
// frame; callers that retain it past the frame's lifetime must copy.
func Decode(frame []byte) (identity string, payload []byte, err error) {
	if len(frame) == 0 {
		return "", nil, errors.NewCodecError(codecName, "decode", errors.ErrShortFrame).WithLen(0)
	}
	n := int(frame[0])
	if len(frame) < 1+n {
		return "", nil, errors.NewCodecError(codecName, "decode", errors.ErrShortFrame).WithLen(len(frame))
	}
	return string(frame[1 : 1+n]), frame[1+n:], nil
}

// IsFrom reports whether frame was published by identity without
// allocating. Malformed frames report false.
func IsFrom(frame []byte, identity string) bool {
	if len(frame) == 0 {
		return false
	}
	n := int(frame[0])
	if n != len(identity) || len(frame) < 1+n {
		return false
	}
	return string(frame[1:1+n]) == identity
}
