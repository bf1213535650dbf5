package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReader_FieldSequence(t *testing.T) {
	var w Writer
	w.WriteUint32(0x01020304).
		WriteString("alice").
		WriteUint16(39390).
		WriteInt16(-12).
		WriteUint8(7).
		WriteInt8(-1)

	r := NewReader(w.Bytes())

	u32, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), u32)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "alice", s)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(39390), u16)

	i16, err := r.ReadInt16()
	require.NoError(t, err)
	assert.Equal(t, int16(-12), i16)

	u8, err := r.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)

	i8, err := r.ReadInt8()
	require.NoError(t, err)
	assert.Equal(t, int8(-1), i8)

	assert.Equal(t, 0, r.Len())
}

func TestWriter_CanonicalByteOrder(t *testing.T) {
	var w Writer
	w.WriteUint32(0x0a0b0c0d)
	assert.Equal(t, []byte{0x0a, 0x0b, 0x0c, 0x0d}, w.Bytes())
}

func TestWriter_StringLengthPrefix(t *testing.T) {
	b := SerializeString("hi")
	assert.Equal(t, []byte{0, 0, 0, 2, 'h', 'i'}, b)
}

func TestReader_ShortBuffer(t *testing.T) {
	t.Run("primitive past end", func(t *testing.T) {
		r := NewReader([]byte{1, 2})
		_, err := r.ReadUint32()
		assert.ErrorIs(t, err, ErrShortBuffer)
	})

	t.Run("string length exceeds remainder", func(t *testing.T) {
		var w Writer
		w.WriteUint32(100).WriteRaw([]byte("short"))
		r := NewReader(w.Bytes())
		_, err := r.ReadString()
		assert.ErrorIs(t, err, ErrShortBuffer)
	})
}

func TestJoinBytes(t *testing.T) {
	assert.Equal(t, []byte("abcdef"), JoinBytes([]byte("ab"), []byte("cd"), []byte("ef")))
	assert.Empty(t, JoinBytes())
}
