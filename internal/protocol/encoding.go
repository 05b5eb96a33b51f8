package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/Iron-Ham/docmesh/internal/errors"
)

const codecName = "sync"

// Writer appends var-uint, var-string and var-bytes fields to a buffer.
// The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity for n bytes.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

// WriteVarUint appends v as unsigned LEB128.
func (w *Writer) WriteVarUint(v uint64) *Writer {
	w.buf = binary.AppendUvarint(w.buf, v)
	return w
}

// WriteVarString appends the length-prefixed UTF-8 bytes of s.
func (w *Writer) WriteVarString(s string) *Writer {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// WriteVarBytes appends the length-prefixed b.
func (w *Writer) WriteVarBytes(b []byte) *Writer {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Bytes returns the encoded buffer.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Reader consumes fields written by Writer. Errors never advance the
// read position.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// ReadVarUint reads an unsigned LEB128 value.
func (r *Reader) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, errors.NewCodecError(codecName, "read var-uint", errors.ErrMalformedMessage).WithLen(len(r.data))
	}
	r.pos += n
	return v, nil
}

// ReadVarBytes reads a length-prefixed byte slice. The result aliases the
// underlying buffer.
func (r *Reader) ReadVarBytes() ([]byte, error) {
	start := r.pos
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.data)-r.pos) {
		r.pos = start
		return nil, errors.NewCodecError(codecName, "read var-bytes", errors.ErrShortFrame).WithLen(len(r.data))
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// ReadVarString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadVarString() (string, error) {
	start := r.pos
	b, err := r.ReadVarBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		r.pos = start
		return "", errors.NewCodecError(codecName, "read var-string", errors.ErrMalformedMessage).WithLen(len(r.data))
	}
	return string(b), nil
}

// Remaining returns the unread bytes.
func (r *Reader) Remaining() []byte {
	return r.data[r.pos:]
}

// Pos returns the read offset.
func (r *Reader) Pos() int {
	return r.pos
}
