package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned by Reader methods when the buffer does not hold
// enough bytes for the requested field.
var ErrShortBuffer = errors.New("wire: short buffer")

// Writer builds a serialized field sequence. All primitives are written in
// canonical big-endian order regardless of the host; strings carry a 4-byte
// length prefix followed by their raw bytes. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// Bytes returns the serialized bytes accumulated so far. The slice is owned
// by the Writer until the Writer is discarded.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// WriteUint8 appends a single byte.
func (w *Writer) WriteUint8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

// WriteInt8 appends a single signed byte.
func (w *Writer) WriteInt8(v int8) *Writer {
	return w.WriteUint8(uint8(v))
}

// WriteUint16 appends a big-endian uint16.
func (w *Writer) WriteUint16(v uint16) *Writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

// WriteInt16 appends a big-endian int16.
func (w *Writer) WriteInt16(v int16) *Writer {
	return w.WriteUint16(uint16(v))
}

// WriteUint32 appends a big-endian uint32.
func (w *Writer) WriteUint32(v uint32) *Writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

// WriteString appends a 4-byte big-endian length prefix followed by the raw
// bytes of s.
func (w *Writer) WriteString(s string) *Writer {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// WriteBytes appends a 4-byte big-endian length prefix followed by b.
func (w *Writer) WriteBytes(b []byte) *Writer {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

// WriteRaw appends b with no length prefix.
func (w *Writer) WriteRaw(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// Reader consumes a serialized field sequence produced by Writer. Each method
// advances past the field it reads and returns ErrShortBuffer when the
// remaining bytes cannot satisfy the request.
type Reader struct {
	buf []byte
}

// NewReader returns a Reader over b. The Reader does not copy b; the caller
// must not mutate it while reading.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int {
	return len(r.buf)
}

// Rest returns all unread bytes without consuming them.
func (r *Reader) Rest() []byte {
	return r.buf
}

// ReadUint8 consumes one byte.
func (r *Reader) ReadUint8() (uint8, error) {
	if len(r.buf) < 1 {
		return 0, ErrShortBuffer
	}

	v := r.buf[0]
	r.buf = r.buf[1:]
	return v, nil
}

// ReadInt8 consumes one signed byte.
func (r *Reader) ReadInt8() (int8, error) {
	v, err := r.ReadUint8()
	return int8(v), err
}

// ReadUint16 consumes a big-endian uint16.
func (r *Reader) ReadUint16() (uint16, error) {
	if len(r.buf) < 2 {
		return 0, ErrShortBuffer
	}

	v := binary.BigEndian.Uint16(r.buf)
	r.buf = r.buf[2:]
	return v, nil
}

// ReadInt16 consumes a big-endian int16.
func (r *Reader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadUint32 consumes a big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if len(r.buf) < 4 {
		return 0, ErrShortBuffer
	}

	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v, nil
}

// ReadString consumes a 4-byte length prefix and that many raw bytes.
func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytesField()
	return string(b), err
}

// ReadBytesField consumes a 4-byte length prefix and that many raw bytes.
func (r *Reader) ReadBytesField() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}

	if uint32(len(r.buf)) < n {
		return nil, fmt.Errorf("wire: string field of %d bytes exceeds remaining %d: %w", n, len(r.buf), ErrShortBuffer)
	}

	b := make([]byte, n)
	copy(b, r.buf[:n])
	r.buf = r.buf[n:]
	return b, nil
}

// SerializeUint32 returns the canonical serialization of a single uint32.
func SerializeUint32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// SerializeUint16 returns the canonical serialization of a single uint16.
func SerializeUint16(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

// SerializeString returns the canonical serialization of a single
// length-prefixed string.
func SerializeString(s string) []byte {
	return new(Writer).WriteString(s).Bytes()
}

// JoinBytes concatenates the given byte slices into a single byte slice.
//
// Parameters:
//   - s: One or more byte slices to concatenate
//
// Returns:
//   - A new byte slice containing all input slices in order
func JoinBytes(s ...[]byte) []byte {
	n := 0
	for _, v := range s {
		n += len(v)
	}

	b, i := make([]byte, n), 0
	for _, v := range s {
		i += copy(b[i:], v)
	}

	return b
}
